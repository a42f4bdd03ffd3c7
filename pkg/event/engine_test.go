package event

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostmon/pkg/service"
)

type recordingNotifier struct {
	fail      bool
	delivered []service.State
	reminders int
}

func (n *recordingNotifier) Deliver(_ context.Context, e *service.Event) bool {
	if n.fail {
		return false
	}
	n.delivered = append(n.delivered, e.State)
	if e.Reminder {
		n.reminders++
	}
	return true
}

type recordingActions struct {
	kinds []service.ActionKind
}

func (a *recordingActions) Handle(_ context.Context, _ *service.Service, _ *service.Event, act *service.Action) error {
	a.kinds = append(a.kinds, act.Kind)
	return nil
}

func newTestEngine(alert, remote Notifier, actions ActionHandler) *Engine {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	cfg := Config{Actions: actions}
	if alert != nil {
		cfg.Alert = alert
	}
	if remote != nil {
		cfg.Remote = remote
	}
	return New(cfg, log)
}

func resourceRule(count, cycles int) *service.ResourceRule {
	r := &service.ResourceRule{
		Resource: service.ResourceCPUPercent,
		Operator: service.OpGreater,
		Limit:    80,
		Action:   service.DefaultEventAction(service.ActionAlert),
	}
	r.Action.Failed.Count = count
	r.Action.Failed.Cycles = cycles
	return r
}

func post(ctx context.Context, e *Engine, s *service.Service, r service.Rule, failed bool) {
	state := service.StateSucceeded
	if failed {
		state = service.StateFailed
	}
	e.PostRule(ctx, s, r, state, "cpu check")
	e.Flush(ctx)
}

func openedAt(t *testing.T, pattern string, count, cycles int) int {
	t.Helper()
	ctx := context.Background()
	alert := &recordingNotifier{}
	e := newTestEngine(alert, nil, nil)
	s := service.New("app", service.TypeProcess)
	r := resourceRule(count, cycles)

	for i, c := range pattern {
		post(ctx, e, s, r, c == 'F')
		if ev := s.Events[r.Key()]; ev != nil && ev.State == service.StateFailed {
			if len(alert.delivered) != 1 {
				t.Fatalf("alerts on open = %d, want 1", len(alert.delivered))
			}
			return i + 1
		}
	}
	return 0
}

func TestTriggerCountWithinWindow(t *testing.T) {
	tests := []struct {
		pattern string
		want    int
	}{
		// the third failure within five cycles opens the event
		{"FFSFF", 4},
		{"FSFSF", 5},
		{"FSSSSSFSF", 0},
		{"FFF", 3},
		{"SSSSS", 0},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			if got := openedAt(t, tt.pattern, 3, 5); got != tt.want {
				t.Errorf("opened on cycle %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTriggerCountNeverOpensEarly(t *testing.T) {
	// exhaustively check all 8-cycle patterns for N=3, M=5
	for bits := 0; bits < 1<<8; bits++ {
		pattern := make([]byte, 8)
		for i := range pattern {
			pattern[i] = 'S'
			if bits&(1<<i) != 0 {
				pattern[i] = 'F'
			}
		}
		opened := openedAt(t, string(pattern), 3, 5)
		if opened == 0 {
			continue
		}
		failures := 0
		for i := opened - 1; i >= 0 && i >= opened-5; i-- {
			if pattern[i] == 'F' {
				failures++
			}
		}
		if failures < 3 {
			t.Fatalf("pattern %s opened on cycle %d with %d failures in window", pattern, opened, failures)
		}
	}
}

func TestReminderRedelivery(t *testing.T) {
	ctx := context.Background()
	alert := &recordingNotifier{}
	remote := &recordingNotifier{}
	e := newTestEngine(alert, remote, nil)
	s := service.New("app", service.TypeProcess)
	s.Reminder = 5
	r := resourceRule(1, 1)

	var deliveredOn []int
	for cycle := 1; cycle <= 12; cycle++ {
		before := len(alert.delivered)
		post(ctx, e, s, r, true)
		if len(alert.delivered) > before {
			deliveredOn = append(deliveredOn, cycle)
		}
	}
	want := []int{1, 6, 11}
	if len(deliveredOn) != len(want) {
		t.Fatalf("alerts on cycles %v, want %v", deliveredOn, want)
	}
	for i := range want {
		if deliveredOn[i] != want[i] {
			t.Fatalf("alerts on cycles %v, want %v", deliveredOn, want)
		}
	}
	if alert.reminders != 2 {
		t.Errorf("reminders = %d, want 2", alert.reminders)
	}
	if len(remote.delivered) != 1 {
		t.Errorf("remote deliveries = %d, want 1", len(remote.delivered))
	}
}

func TestRecoveryClosesEvent(t *testing.T) {
	ctx := context.Background()
	alert := &recordingNotifier{}
	e := newTestEngine(alert, nil, nil)
	s := service.New("app", service.TypeProcess)
	r := resourceRule(1, 1)
	r.Action.Succeeded.Count = 2
	r.Action.Succeeded.Cycles = 2

	post(ctx, e, s, r, true)
	post(ctx, e, s, r, false)
	if ev := s.Events[r.Key()]; ev == nil || ev.State != service.StateFailed {
		t.Fatal("one success must not close a 2-of-2 recovery")
	}
	post(ctx, e, s, r, false)
	if _, ok := s.Events[r.Key()]; ok {
		t.Fatal("event should be closed after recovery")
	}
	if len(alert.delivered) != 2 || alert.delivered[1] != service.StateSucceeded {
		t.Errorf("deliveries = %v, want [failed succeeded]", alert.delivered)
	}
}

func TestFailedDeliveryIsRetriedOnce(t *testing.T) {
	ctx := context.Background()
	alert := &recordingNotifier{}
	remote := &recordingNotifier{fail: true}
	e := newTestEngine(alert, remote, nil)
	s := service.New("app", service.TypeProcess)
	r := resourceRule(1, 1)

	post(ctx, e, s, r, true)
	ev := s.Events[r.Key()]
	if ev.Pending != service.HandlerRemote || ev.Delivered != service.HandlerAlert {
		t.Fatalf("Pending = %b Delivered = %b", ev.Pending, ev.Delivered)
	}
	if e.Pending() != 1 {
		t.Fatalf("queue = %d, want 1", e.Pending())
	}

	remote.fail = false
	post(ctx, e, s, r, true)
	if len(alert.delivered) != 1 {
		t.Errorf("alert delivered %d times, want 1", len(alert.delivered))
	}
	if len(remote.delivered) != 1 {
		t.Errorf("remote delivered %d times, want 1", len(remote.delivered))
	}
	if e.Pending() != 0 {
		t.Errorf("queue = %d, want 0", e.Pending())
	}
}

func TestUndeliveredFailureSurvivesRecovery(t *testing.T) {
	ctx := context.Background()
	alert := &recordingNotifier{}
	remote := &recordingNotifier{fail: true}
	e := newTestEngine(alert, remote, nil)
	s := service.New("app", service.TypeProcess)
	r := resourceRule(1, 1)

	post(ctx, e, s, r, true)
	remote.fail = false
	post(ctx, e, s, r, false)

	want := []service.State{service.StateFailed, service.StateSucceeded}
	for name, n := range map[string]*recordingNotifier{"alert": alert, "remote": remote} {
		if len(n.delivered) != 2 || n.delivered[0] != want[0] || n.delivered[1] != want[1] {
			t.Errorf("%s deliveries = %v, want %v", name, n.delivered, want)
		}
	}
	if e.Pending() != 0 {
		t.Errorf("queue = %d, want 0", e.Pending())
	}
	if _, ok := s.Events[r.Key()]; ok {
		t.Error("recovered event should be closed")
	}
}

func TestChangedNoticeSurvivesChangedNot(t *testing.T) {
	ctx := context.Background()
	alert := &recordingNotifier{}
	e := newTestEngine(alert, nil, nil)
	s := service.New("conf", service.TypeFile)
	r := &service.ChecksumRule{Hash: service.HashSHA256, Action: service.DefaultEventAction(service.ActionAlert)}

	e.PostRule(ctx, s, r, service.StateChanged, "checksum changed")
	e.PostRule(ctx, s, r, service.StateChangedNot, "unchanged")
	if len(s.Events) != 0 {
		t.Error("event should close once unchanged")
	}
	if e.Pending() != 1 {
		t.Fatalf("queue = %d, want the changed notice", e.Pending())
	}
	e.Flush(ctx)
	if len(alert.delivered) != 1 || alert.delivered[0] != service.StateChanged {
		t.Errorf("deliveries = %v, want [changed]", alert.delivered)
	}
	if e.Pending() != 0 {
		t.Errorf("queue = %d after flush", e.Pending())
	}
}

func TestRebindKeepsQueuedNotices(t *testing.T) {
	ctx := context.Background()
	remote := &recordingNotifier{fail: true}
	e := newTestEngine(&recordingNotifier{}, remote, nil)
	old := service.New("app", service.TypeProcess)
	r := resourceRule(1, 1)

	post(ctx, e, old, r, true)
	post(ctx, e, old, r, false)
	if e.Pending() != 2 {
		t.Fatalf("queue = %d, want failed and succeeded notices", e.Pending())
	}

	next := service.New("app", service.TypeProcess)
	next.Events = old.Events
	e.Rebind(old, next)
	remote.fail = false
	e.Flush(ctx)
	if len(remote.delivered) != 2 {
		t.Errorf("remote deliveries = %v, want both notices", remote.delivered)
	}
	if len(next.Events) != 0 {
		t.Error("delivered recovery should close the event of the new service")
	}
}

func TestChangedEventsRetrigger(t *testing.T) {
	ctx := context.Background()
	alert := &recordingNotifier{}
	e := newTestEngine(alert, nil, nil)
	s := service.New("conf", service.TypeFile)
	r := &service.ChecksumRule{Hash: service.HashSHA256, Action: service.DefaultEventAction(service.ActionAlert)}

	e.PostRule(ctx, s, r, service.StateChangedNot, "unchanged")
	if len(s.Events) != 0 {
		t.Fatal("unchanged result must not create an event")
	}
	for i := 0; i < 2; i++ {
		e.PostRule(ctx, s, r, service.StateChanged, "checksum changed")
		e.Flush(ctx)
	}
	if len(alert.delivered) != 2 {
		t.Errorf("changed deliveries = %d, want 2", len(alert.delivered))
	}
	e.PostRule(ctx, s, r, service.StateChangedNot, "unchanged")
	e.Flush(ctx)
	if len(s.Events) != 0 {
		t.Error("event should close silently once unchanged")
	}
	if len(alert.delivered) != 2 {
		t.Errorf("unchanged result delivered a notification")
	}
}

func TestControlActionsRespectMode(t *testing.T) {
	ctx := context.Background()
	actions := &recordingActions{}
	e := newTestEngine(&recordingNotifier{}, nil, actions)

	s := service.New("db", service.TypeProcess)
	s.Start = &service.Command{Args: []string{"/etc/init.d/db", "start"}}
	e.PostImplicit(ctx, s, service.EventNonExist, service.StateFailed, "process is not running")
	if len(actions.kinds) != 1 || actions.kinds[0] != service.ActionRestart {
		t.Fatalf("actions = %v, want [restart]", actions.kinds)
	}

	passive := service.New("db2", service.TypeProcess)
	passive.Mode = service.ModePassive
	passive.Start = s.Start
	e.PostImplicit(ctx, passive, service.EventNonExist, service.StateFailed, "process is not running")
	if len(actions.kinds) != 1 {
		t.Errorf("passive service ran an action: %v", actions.kinds)
	}
}

func TestIgnoreActionDoesNotNotify(t *testing.T) {
	ctx := context.Background()
	alert := &recordingNotifier{}
	e := newTestEngine(alert, nil, nil)
	s := service.New("app", service.TypeProcess)
	r := resourceRule(1, 1)
	r.Action.Failed.Kind = service.ActionIgnore

	post(ctx, e, s, r, true)
	if len(alert.delivered) != 0 {
		t.Errorf("ignored event delivered %d notifications", len(alert.delivered))
	}
}

func TestUnconfirmedFailureExpires(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(&recordingNotifier{}, nil, nil)
	s := service.New("app", service.TypeProcess)
	r := resourceRule(3, 5)

	post(ctx, e, s, r, true)
	if ev := s.Events[r.Key()]; ev == nil || ev.State != service.StateInit {
		t.Fatal("first failure should create a pending event")
	}
	for i := 0; i < 5; i++ {
		post(ctx, e, s, r, false)
	}
	if len(s.Events) != 0 {
		t.Error("event should expire once the failure left the window")
	}
}

type memStore struct {
	saved map[string][]*service.Event
}

func (m *memStore) SaveEvents(name string, events []*service.Event) error {
	m.saved[name] = events
	return nil
}

func TestPersistAndRestore(t *testing.T) {
	ctx := context.Background()
	store := &memStore{saved: map[string][]*service.Event{}}
	alert := &recordingNotifier{}
	remote := &recordingNotifier{fail: true}
	log := logrus.New()
	e := New(Config{Alert: alert, Remote: remote, Store: store}, log)

	s := service.New("app", service.TypeProcess)
	r := resourceRule(1, 1)
	s.Rules = []service.Rule{r}
	post(ctx, e, s, r, true)
	if err := e.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if len(store.saved["app"]) != 1 {
		t.Fatalf("saved %d events, want 1", len(store.saved["app"]))
	}

	// a restarted engine owes only the remote delivery
	alert2 := &recordingNotifier{}
	remote2 := &recordingNotifier{}
	e2 := New(Config{Alert: alert2, Remote: remote2}, log)
	fresh := service.New("app", service.TypeProcess)
	fresh.Rules = []service.Rule{r}
	if n := e2.Restore(fresh, store.saved["app"]); n != 1 {
		t.Fatalf("Restore = %d, want 1", n)
	}
	e2.Flush(ctx)
	if len(alert2.delivered) != 0 || len(remote2.delivered) != 1 {
		t.Errorf("after restart alert = %d remote = %d, want 0 and 1", len(alert2.delivered), len(remote2.delivered))
	}
}
