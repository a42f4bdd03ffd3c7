package service

import (
	"fmt"
	"strings"
	"time"
)

// State of an event
type State int

const (
	// StateInit is an event that has seen failures but not enough to open
	StateInit State = iota
	StateSucceeded
	StateFailed
	StateChanged
	StateChangedNot
)

func (s State) String() string {
	switch s {
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateChanged:
		return "changed"
	case StateChangedNot:
		return "changed not"
	default:
		return "init"
	}
}

// Failing reports whether the state counts as a failing result
func (s State) Failing() bool {
	return s == StateFailed || s == StateChanged
}

// EventKind groups events by the check that raised them
type EventKind int

const (
	EventChecksum EventKind = iota
	EventResource
	EventTimeout
	EventTimestamp
	EventSize
	EventConnection
	EventPermission
	EventUID
	EventGID
	EventNonExist
	EventInvalid
	EventData
	EventExec
	EventFsFlags
	EventIcmp
	EventContent
	EventPid
	EventPPid
	EventStatus
	EventUptime
	EventActionDone
)

var eventKinds = [...]struct{ name, desc string }{
	EventChecksum:   {"checksum", "Checksum failed"},
	EventResource:   {"resource", "Resource limit matched"},
	EventTimeout:    {"timeout", "Timeout"},
	EventTimestamp:  {"timestamp", "Timestamp failed"},
	EventSize:       {"size", "Size failed"},
	EventConnection: {"connection", "Connection failed"},
	EventPermission: {"permission", "Permission failed"},
	EventUID:        {"uid", "UID failed"},
	EventGID:        {"gid", "GID failed"},
	EventNonExist:   {"nonexist", "Does not exist"},
	EventInvalid:    {"invalid", "Invalid type"},
	EventData:       {"data", "Data access error"},
	EventExec:       {"exec", "Execution failed"},
	EventFsFlags:    {"fsflags", "Filesystem flags changed"},
	EventIcmp:       {"icmp", "ICMP failed"},
	EventContent:    {"content", "Content failed"},
	EventPid:        {"pid", "PID changed"},
	EventPPid:       {"ppid", "PPID changed"},
	EventStatus:     {"status", "Status failed"},
	EventUptime:     {"uptime", "Uptime failed"},
	EventActionDone: {"action", "Action done"},
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventKinds) {
		return eventKinds[k].name
	}
	return "unknown"
}

// Description is the human readable failure label of the kind
func (k EventKind) Description() string {
	if k >= 0 && int(k) < len(eventKinds) {
		return eventKinds[k].desc
	}
	return "Unknown"
}

// ParseEventKind converts an event kind name to an EventKind
func ParseEventKind(s string) (EventKind, error) {
	for i, k := range eventKinds {
		if k.name == strings.ToLower(s) {
			return EventKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown event %q", s)
}

// HandlerFlag is a bitmask of notification handlers
type HandlerFlag uint8

const (
	HandlerAlert  HandlerFlag = 0x1
	HandlerRemote HandlerFlag = 0x2
	HandlerAll                = HandlerAlert | HandlerRemote
)

// StateMapSize is the number of results a StateMap keeps
const StateMapSize = 64

// StateMap is a fixed-size circular buffer of recent check results, true
// meaning failed. Count looks at the newest results only; slots never
// written count as succeeded.
type StateMap struct {
	bits [StateMapSize]bool
	head int // next slot to write
	n    int
}

// Push records the newest result, overwriting the oldest once full
func (m *StateMap) Push(failed bool) {
	m.bits[m.head] = failed
	m.head = (m.head + 1) % StateMapSize
	if m.n < StateMapSize {
		m.n++
	}
}

// At returns the result i cycles ago, At(0) being the newest
func (m *StateMap) At(i int) bool {
	if i < 0 || i >= m.n {
		return false
	}
	return m.bits[(m.head-1-i+2*StateMapSize)%StateMapSize]
}

// Count returns how many of the newest window results equal failed
func (m *StateMap) Count(window int, failed bool) int {
	if window > StateMapSize {
		window = StateMapSize
	}
	count := 0
	for i := 0; i < window; i++ {
		if m.At(i) == failed {
			count++
		}
	}
	return count
}

// Fill overwrites every slot with the same result
func (m *StateMap) Fill(failed bool) {
	for i := range m.bits {
		m.bits[i] = failed
	}
	m.head = 0
	m.n = StateMapSize
}

// Len returns the number of results recorded, at most StateMapSize
func (m *StateMap) Len() int { return m.n }

// String renders the recorded results oldest first as 0/1 characters
func (m *StateMap) String() string {
	var b strings.Builder
	for i := m.n - 1; i >= 0; i-- {
		if m.At(i) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// ParseStateMap restores a StateMap from its String form
func ParseStateMap(s string) (StateMap, error) {
	var m StateMap
	if len(s) > StateMapSize {
		s = s[len(s)-StateMapSize:]
	}
	for _, c := range s {
		switch c {
		case '0':
			m.Push(false)
		case '1':
			m.Push(true)
		default:
			return StateMap{}, fmt.Errorf("invalid state map character %q", c)
		}
	}
	return m, nil
}

// Event is the outstanding state of one rule of one service
type Event struct {
	ID      string
	Service string
	Type    Type
	Kind    EventKind
	Rule    string

	State        State
	StateChanged bool
	// Count is the number of cycles the event has spent in its current state
	Count int
	Map   StateMap

	// Pending holds handlers that still owe a delivery, Delivered those
	// that already delivered the current state
	Pending   HandlerFlag
	Delivered HandlerFlag
	// Reminder marks a pending delivery as a re-send of an unchanged state
	Reminder bool

	Action    *EventAction
	Message   string
	Collected time.Time
}

// CurrentAction returns the action matching the event state
func (e *Event) CurrentAction() *Action {
	if e.Action == nil {
		return nil
	}
	if e.State.Failing() {
		return &e.Action.Failed
	}
	return &e.Action.Succeeded
}

// Closed reports whether the event recovered and owes no deliveries
func (e *Event) Closed() bool {
	return !e.State.Failing() && e.State != StateInit && e.Pending == 0
}

func (e *Event) String() string {
	return fmt.Sprintf("'%s' %s %s: %s", e.Service, e.Kind, e.State, e.Message)
}
