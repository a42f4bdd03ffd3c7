// Package service holds the monitoring data model: services, their check
// rules, per-cycle samples and the events raised against them.
package service

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ExecTimeout is the default timeout for commands run on behalf of a service.
const ExecTimeout = 30 * time.Second

// Type is the kind of object a service monitors
type Type int

const (
	TypeFilesystem Type = iota
	TypeDirectory
	TypeFile
	TypeProcess
	TypeHost
	TypeSystem
	TypeFifo
	TypeProgram
)

var typeNames = map[Type]string{
	TypeFilesystem: "filesystem",
	TypeDirectory:  "directory",
	TypeFile:       "file",
	TypeProcess:    "process",
	TypeHost:       "host",
	TypeSystem:     "system",
	TypeFifo:       "fifo",
	TypeProgram:    "program",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "unknown"
}

// ParseType converts a type name such as "filesystem" to a Type
func ParseType(s string) (Type, error) {
	for t, n := range typeNames {
		if strings.EqualFold(n, s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown service type %q", s)
}

// Mode controls which actions the daemon performs on its own
type Mode int

const (
	// ModeActive performs every configured action
	ModeActive Mode = iota
	// ModePassive only alerts, start/stop/restart are suppressed
	ModePassive
	// ModeManual is monitored only after an explicit start
	ModeManual
)

func (m Mode) String() string {
	switch m {
	case ModePassive:
		return "passive"
	case ModeManual:
		return "manual"
	default:
		return "active"
	}
}

// Monitor is the monitoring state of a service
type Monitor int

const (
	MonitorNot Monitor = iota
	MonitorYes
	MonitorInit
	MonitorWaiting
)

func (m Monitor) String() string {
	switch m {
	case MonitorYes:
		return "monitored"
	case MonitorInit:
		return "initializing"
	case MonitorWaiting:
		return "waiting"
	default:
		return "not monitored"
	}
}

// Command is an external program run by the action executor
type Command struct {
	Args    []string
	Timeout time.Duration
}

func (c *Command) String() string {
	if c == nil {
		return ""
	}
	return strings.Join(c.Args, " ")
}

// EffectiveTimeout returns the command timeout or ExecTimeout when unset
func (c *Command) EffectiveTimeout() time.Duration {
	if c == nil || c.Timeout <= 0 {
		return ExecTimeout
	}
	return c.Timeout
}

// Every restricts a service to a subset of cycles.
// Cycles > 1 runs the checks every Nth cycle, Cron runs them in matching minutes.
type Every struct {
	Cycles int
	Cron   string

	counter int
	lastRun time.Time
}

// Schedule yields the next activation after a given time
type Schedule interface {
	Next(time.Time) time.Time
}

// Due reports whether the service runs in the cycle at now and advances the
// cycle counter. With a schedule the service runs at most once in each
// matching minute; otherwise it runs on the first cycle and every Cycles
// cycles after it.
func (e *Every) Due(now time.Time, sched Schedule) bool {
	if sched != nil {
		minute := now.Truncate(time.Minute)
		if !e.lastRun.IsZero() && !minute.After(e.lastRun) {
			return false
		}
		if !sched.Next(minute.Add(-time.Second)).Equal(minute) {
			return false
		}
		e.lastRun = minute
		return true
	}
	if e.Cycles <= 1 {
		return true
	}
	due := e.counter%e.Cycles == 0
	e.counter++
	return due
}

// Resume continues the cycle counter and last cron run of prev when both
// describe the same schedule
func (e *Every) Resume(prev Every) {
	if e.Cycles != prev.Cycles || e.Cron != prev.Cron {
		return
	}
	e.counter = prev.counter
	e.lastRun = prev.lastRun
}

// Service is one monitored object with its rules and runtime state
type Service struct {
	Name string
	Type Type
	// Path is the file, directory, fifo or filesystem path, or the pid file
	// of a process service.
	Path string
	// Match selects a process by command line when no pid file is set
	Match *regexp.Regexp
	// Address is the host name or IP of a host service
	Address string
	Program *Command

	Mode    Mode
	Monitor Monitor
	Every   Every

	Start   *Command
	Stop    *Command
	Restart *Command

	// Reminder re-sends alerts for an event every Reminder cycles while it stays failed, 0 disables
	Reminder int

	Rules []Rule
	// Actions overrides the default action for implicit events such as nonexist
	Actions map[EventKind]*EventAction

	Info   Info
	Events map[string]*Event

	// NStart counts start and restart attempts within the action rate window
	NStart int
	NCycle int

	// DoAction is a control request waiting for the next cycle
	DoAction ActionKind
}

// New returns a monitored service with initialized maps
func New(name string, typ Type) *Service {
	return &Service{
		Name:    name,
		Type:    typ,
		Monitor: MonitorInit,
		Actions: make(map[EventKind]*EventAction),
		Events:  make(map[string]*Event),
	}
}

// ActionFor returns the event action for an implicit event kind
func (s *Service) ActionFor(kind EventKind) *EventAction {
	if ea, ok := s.Actions[kind]; ok && ea != nil {
		return ea
	}
	ea := DefaultEventAction(ActionAlert)
	if kind == EventNonExist && (s.Type == TypeProcess) && s.Start != nil {
		ea = DefaultEventAction(ActionRestart)
	}
	if s.Actions == nil {
		s.Actions = make(map[EventKind]*EventAction)
	}
	s.Actions[kind] = &ea
	return &ea
}

// Monitored reports whether checks should run for the service
func (s *Service) Monitored() bool {
	return s.Monitor != MonitorNot
}

// Failed reports whether any event of the service is in a failing state
func (s *Service) Failed() bool {
	for _, e := range s.Events {
		if e.State.Failing() {
			return true
		}
	}
	return false
}

// StatusText summarizes the service for status reports
func (s *Service) StatusText() string {
	if !s.Monitored() {
		return "Not monitored"
	}
	var failing []string
	for _, e := range s.Events {
		if e.State == StateFailed {
			failing = append(failing, e.Kind.Description())
		}
	}
	if len(failing) == 0 {
		if s.Monitor == MonitorInit {
			return "Initializing"
		}
		return "OK"
	}
	failing = uniq(failing)
	sort.Strings(failing)
	return strings.Join(failing, ", ")
}

func uniq(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
