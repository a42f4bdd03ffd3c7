// Package event runs the per-rule state machine: it counts failing and
// succeeding cycles, opens and closes events, triggers actions and queues
// notifications until every handler delivered them.
package event

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostmon/pkg/service"
)

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hostmon_event_transitions_total",
		Help: "Number of event state changes",
	}, []string{"kind", "state"})

	deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hostmon_event_deliveries_total",
		Help: "Number of notification deliveries by handler and result",
	}, []string{"handler", "result"})

	actionsRun = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hostmon_actions_total",
		Help: "Number of actions dispatched",
	}, []string{"action", "result"})
)

func init() {
	prometheus.MustRegister(transitions, deliveries, actionsRun)
}

// Notifier delivers an event to one handler
type Notifier interface {
	Deliver(ctx context.Context, e *service.Event) bool
}

// ActionHandler performs control actions such as restart or exec
type ActionHandler interface {
	Handle(ctx context.Context, s *service.Service, e *service.Event, a *service.Action) error
}

// Store persists the events of a service
type Store interface {
	SaveEvents(serviceName string, events []*service.Event) error
}

// Config wires the engine to its collaborators. Nil handlers are disabled.
type Config struct {
	Alert   Notifier
	Remote  Notifier
	Actions ActionHandler
	Store   Store
	Now     func() time.Time
}

// queued is one notice awaiting delivery. ev is either the live event of
// svc or a detached copy of a state the live event has already left.
type queued struct {
	svc *service.Service
	ev  *service.Event
}

// Engine evaluates posted results. It is not safe for concurrent use; the
// monitor serializes all calls.
type Engine struct {
	cfg Config
	log *logrus.Logger

	queue []queued
	dirty map[string]*service.Service
}

// New creates an Engine
func New(cfg Config, log *logrus.Logger) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		cfg:   cfg,
		log:   log,
		dirty: make(map[string]*service.Service),
	}
}

func (e *Engine) handlers() service.HandlerFlag {
	var h service.HandlerFlag
	if e.cfg.Alert != nil {
		h |= service.HandlerAlert
	}
	if e.cfg.Remote != nil {
		h |= service.HandlerRemote
	}
	return h
}

// PostRule posts the result of a configured rule
func (e *Engine) PostRule(ctx context.Context, s *service.Service, r service.Rule, state service.State, format string, args ...any) {
	e.Post(ctx, s, r.Key(), r.Kind(), r.EventAction(), state, fmt.Sprintf(format, args...))
}

// PostImplicit posts an event that is not tied to a rule, such as nonexist
func (e *Engine) PostImplicit(ctx context.Context, s *service.Service, kind service.EventKind, state service.State, format string, args ...any) {
	e.Post(ctx, s, kind.String(), kind, s.ActionFor(kind), state, fmt.Sprintf(format, args...))
}

// Post records one cycle result of the rule identified by key
func (e *Engine) Post(ctx context.Context, s *service.Service, key string, kind service.EventKind, ea *service.EventAction, state service.State, msg string) {
	log := e.log.WithFields(logrus.Fields{"service": s.Name, "event": kind.String(), "rule": key})

	ev := s.Events[key]
	if ev == nil {
		// only a failure or change opens the history of a rule
		if !state.Failing() {
			return
		}
		ev = &service.Event{
			ID:      uuid.NewString(),
			Service: s.Name,
			Type:    s.Type,
			Kind:    kind,
			Rule:    key,
			State:   service.StateInit,
		}
		if s.Events == nil {
			s.Events = make(map[string]*service.Event)
		}
		s.Events[key] = ev
	}
	// a notice still owed to some handler outlives the state change
	var prev *service.Event
	if ev.Pending != 0 {
		snap := *ev
		prev = &snap
	}
	ev.Action = ea
	ev.Map.Push(state.Failing())
	ev.Message = msg
	ev.Collected = e.cfg.Now()
	e.dirty[s.Name] = s

	if e.changeState(ev, state) {
		if prev != nil {
			e.detach(ev, prev)
		}
		ev.State = state
		ev.StateChanged = true
		ev.Count = 1
		ev.Reminder = false
		ev.Delivered = 0
		transitions.WithLabelValues(kind.String(), state.String()).Inc()
		log.WithField("state", state.String()).Info(msg)
		e.dispatch(ctx, s, ev, ev.CurrentAction())
		return
	}

	ev.StateChanged = false
	ev.Count++
	switch ev.State {
	case service.StateFailed:
		if s.Reminder > 0 && (ev.Count-1)%s.Reminder == 0 && ev.Action.Failed.Kind != service.ActionIgnore && e.cfg.Alert != nil {
			ev.Pending |= service.HandlerAlert
			ev.Delivered &^= service.HandlerAlert
			ev.Reminder = true
			e.enqueue(s, ev)
			log.WithField("cycles", ev.Count).Debug("Reminder scheduled")
		}
	case service.StateInit:
		if ev.Map.Count(ev.Action.Failed.Window(), true) == 0 {
			delete(s.Events, key)
		}
	}
}

// changeState decides whether the state map justifies moving to state.
// After a transition the map is refilled with the new result so the next
// transition needs a full window of evidence.
func (e *Engine) changeState(ev *service.Event, state service.State) bool {
	failing := state.Failing()
	if !failing && ev.State == service.StateInit {
		return false
	}
	a := &ev.Action.Succeeded
	if failing {
		a = &ev.Action.Failed
	}
	count := ev.Map.Count(a.Window(), failing)
	if count >= a.Threshold() && (state != ev.State || state == service.StateChanged) {
		ev.Map.Fill(failing)
		return true
	}
	return false
}

func (e *Engine) dispatch(ctx context.Context, s *service.Service, ev *service.Event, a *service.Action) {
	if ev.State == service.StateChangedNot {
		ev.Pending = 0
		e.close(s, ev)
		return
	}
	if a.Kind == service.ActionIgnore {
		ev.Pending = 0
		e.close(s, ev)
		return
	}

	ev.Pending = e.handlers()
	e.enqueue(s, ev)
	e.close(s, ev)

	if a.Kind == service.ActionAlert {
		return
	}
	if s.Mode == service.ModePassive && (a.Kind == service.ActionStart || a.Kind == service.ActionStop || a.Kind == service.ActionRestart) {
		e.log.WithFields(logrus.Fields{"service": s.Name, "action": a.Kind.String()}).Info("Passive mode, action skipped")
		return
	}
	if e.cfg.Actions == nil {
		return
	}
	if err := e.cfg.Actions.Handle(ctx, s, ev, a); err != nil {
		actionsRun.WithLabelValues(a.Kind.String(), "error").Inc()
		e.log.WithError(err).WithFields(logrus.Fields{"service": s.Name, "action": a.String()}).Error("Action failed")
		return
	}
	actionsRun.WithLabelValues(a.Kind.String(), "ok").Inc()
}

func (e *Engine) close(s *service.Service, ev *service.Event) {
	if ev.Closed() && s.Events[ev.Rule] == ev {
		delete(s.Events, ev.Rule)
	}
}

func (e *Engine) enqueue(s *service.Service, ev *service.Event) {
	for _, q := range e.queue {
		if q.ev == ev {
			return
		}
	}
	e.queue = append(e.queue, queued{svc: s, ev: ev})
}

// detach hands the queued delivery of ev over to snap, so the live event
// can move on to a new state without dropping the old notice
func (e *Engine) detach(ev, snap *service.Event) {
	for i := range e.queue {
		if e.queue[i].ev == ev {
			e.queue[i].ev = snap
			return
		}
	}
}

// Pending returns the number of notices waiting for delivery
func (e *Engine) Pending() int {
	return len(e.queue)
}

// Flush delivers queued events to their pending handlers. Events whose
// delivery failed stay queued for the next flush.
func (e *Engine) Flush(ctx context.Context) {
	remaining := e.queue[:0]
	for _, q := range e.queue {
		ev := q.ev
		e.deliver(ctx, ev, service.HandlerAlert, "alert", e.cfg.Alert)
		e.deliver(ctx, ev, service.HandlerRemote, "remote", e.cfg.Remote)
		e.dirty[q.svc.Name] = q.svc
		if ev.Pending != 0 {
			remaining = append(remaining, q)
			continue
		}
		ev.Reminder = false
		if ev.Closed() && q.svc.Events[ev.Rule] == ev {
			delete(q.svc.Events, ev.Rule)
		}
	}
	for i := len(remaining); i < len(e.queue); i++ {
		e.queue[i] = queued{}
	}
	e.queue = remaining
}

func (e *Engine) deliver(ctx context.Context, ev *service.Event, flag service.HandlerFlag, name string, n Notifier) {
	if ev.Pending&flag == 0 {
		return
	}
	if n == nil {
		ev.Pending &^= flag
		return
	}
	if !n.Deliver(ctx, ev) {
		deliveries.WithLabelValues(name, "failed").Inc()
		e.log.WithFields(logrus.Fields{"service": ev.Service, "event": ev.Kind.String(), "handler": name}).Warn("Event delivery failed, will retry")
		return
	}
	deliveries.WithLabelValues(name, "ok").Inc()
	ev.Pending &^= flag
	ev.Delivered |= flag
}

// Persist saves the events of every service touched since the last call
func (e *Engine) Persist() error {
	if e.cfg.Store == nil {
		e.dirty = make(map[string]*service.Service)
		return nil
	}
	var firstErr error
	for name, s := range e.dirty {
		events := make([]*service.Event, 0, len(s.Events))
		for _, ev := range s.Events {
			events = append(events, ev)
		}
		if err := e.cfg.Store.SaveEvents(name, events); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("save events of %s: %w", name, err)
		}
		delete(e.dirty, name)
	}
	return firstErr
}

// Restore attaches persisted events to s. Events whose rule no longer exists
// are dropped; events with undelivered handlers are queued again.
func (e *Engine) Restore(s *service.Service, events []*service.Event) int {
	actions := make(map[string]*service.EventAction, len(s.Rules))
	for _, r := range s.Rules {
		actions[r.Key()] = r.EventAction()
	}
	restored := 0
	for _, ev := range events {
		ea, ok := actions[ev.Rule]
		if !ok {
			kind, err := service.ParseEventKind(ev.Rule)
			if err != nil {
				continue
			}
			ea = s.ActionFor(kind)
		}
		ev.Action = ea
		ev.Service = s.Name
		ev.Type = s.Type
		if s.Events == nil {
			s.Events = make(map[string]*service.Event)
		}
		s.Events[ev.Rule] = ev
		ev.Pending &= e.handlers()
		if ev.Pending != 0 {
			e.enqueue(s, ev)
		}
		restored++
	}
	return restored
}

// Rebind moves queued deliveries of old over to its reloaded replacement
func (e *Engine) Rebind(old, s *service.Service) {
	for i := range e.queue {
		if e.queue[i].svc == old {
			e.queue[i].svc = s
		}
	}
	if _, ok := e.dirty[old.Name]; ok {
		e.dirty[old.Name] = s
	}
}

// Forget drops queued deliveries of a removed service
func (e *Engine) Forget(name string) {
	remaining := e.queue[:0]
	for _, q := range e.queue {
		if q.svc.Name != name {
			remaining = append(remaining, q)
		}
	}
	e.queue = remaining
	delete(e.dirty, name)
}
