package service

import (
	"fmt"
	"strings"
)

// ActionKind is what the daemon does when an event changes state
type ActionKind int

const (
	ActionIgnore ActionKind = iota
	ActionAlert
	ActionRestart
	ActionStop
	ActionExec
	ActionUnmonitor
	ActionStart
	ActionMonitor
)

var actionNames = [...]string{
	ActionIgnore:    "ignore",
	ActionAlert:     "alert",
	ActionRestart:   "restart",
	ActionStop:      "stop",
	ActionExec:      "exec",
	ActionUnmonitor: "unmonitor",
	ActionStart:     "start",
	ActionMonitor:   "monitor",
}

func (a ActionKind) String() string {
	if a >= 0 && int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "unknown"
}

// ParseAction converts an action name to an ActionKind
func ParseAction(s string) (ActionKind, error) {
	for i, n := range actionNames {
		if strings.EqualFold(n, s) {
			return ActionKind(i), nil
		}
	}
	return ActionIgnore, fmt.Errorf("unknown action %q", s)
}

// Control reports whether the action changes the service rather than only notifying
func (a ActionKind) Control() bool {
	switch a {
	case ActionRestart, ActionStop, ActionStart, ActionUnmonitor, ActionMonitor:
		return true
	}
	return false
}

// Action is executed once Count matching results were seen within the last Cycles cycles
type Action struct {
	Kind   ActionKind
	Exec   *Command
	Count  int
	Cycles int
}

// Window returns the effective cycle window, never smaller than Count
func (a *Action) Window() int {
	c := a.Cycles
	if c < a.Count {
		c = a.Count
	}
	if c < 1 {
		c = 1
	}
	if c > StateMapSize {
		c = StateMapSize
	}
	return c
}

// Threshold returns the effective trigger count
func (a *Action) Threshold() int {
	if a.Count < 1 {
		return 1
	}
	return a.Count
}

func (a *Action) String() string {
	if a.Kind == ActionExec && a.Exec != nil {
		return fmt.Sprintf("exec '%s'", a.Exec)
	}
	return a.Kind.String()
}

// EventAction pairs the action run on failure with the one run on recovery
type EventAction struct {
	Failed    Action
	Succeeded Action
}

// DefaultEventAction returns failed -> kind and succeeded -> alert, both 1 of 1 cycles
func DefaultEventAction(kind ActionKind) EventAction {
	return EventAction{
		Failed:    Action{Kind: kind, Count: 1, Cycles: 1},
		Succeeded: Action{Kind: ActionAlert, Count: 1, Cycles: 1},
	}
}
