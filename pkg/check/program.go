package check

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostmon/pkg/action"
	"github.com/invisible-tech/hostmon/pkg/service"
)

// programRun is a program started in a previous cycle
type programRun struct {
	done chan programResult
}

type programResult struct {
	res action.Result
	err error
}

// checkProgram evaluates the run started in an earlier cycle, if it
// finished, and starts the next run. A program never blocks the cycle.
func (c *Checker) checkProgram(ctx context.Context, s *service.Service, env Env) error {
	if s.Program == nil || len(s.Program.Args) == 0 {
		return errors.New("program service without command")
	}
	pi := &s.Info.Program

	c.mu.Lock()
	run := c.runs[s.Name]
	c.mu.Unlock()

	if run != nil {
		select {
		case r := <-run.done:
			pi.Running = false
			pi.Finished = env.Now
			c.mu.Lock()
			delete(c.runs, s.Name)
			c.mu.Unlock()
			c.programResult(ctx, s, r)
		default:
			pi.Running = true
			return nil
		}
	}

	run = &programRun{done: make(chan programResult, 1)}
	c.mu.Lock()
	c.runs[s.Name] = run
	c.mu.Unlock()
	pi.Started = env.Now
	pi.Running = true

	cmd := s.Program
	go func() {
		res, err := c.cfg.Executor.Execute(ctx, cmd, cmd.EffectiveTimeout())
		run.done <- programResult{res: res, err: err}
	}()
	c.log.WithFields(logrus.Fields{"service": s.Name, "command": cmd.String()}).Debug("Program started")
	return nil
}

func (c *Checker) programResult(ctx context.Context, s *service.Service, r programResult) {
	pi := &s.Info.Program
	if r.err != nil {
		pi.HasResult = false
		c.events.PostImplicit(ctx, s, service.EventExec, service.StateFailed, "failed to execute '%s' -- %v", s.Program, r.err)
		return
	}
	c.events.PostImplicit(ctx, s, service.EventExec, service.StateSucceeded, "program '%s' executed", s.Program)
	pi.HasResult = true
	pi.ExitStatus = r.res.ExitStatus
	pi.Output = strings.TrimSpace(r.res.Output)

	for _, rule := range s.Rules {
		sr, ok := rule.(*service.StatusRule)
		if !ok {
			continue
		}
		if sr.Operator.Compare(float64(pi.ExitStatus), float64(sr.Limit)) {
			c.events.PostRule(ctx, s, sr, service.StateFailed, "status failed (%d) -- %s", pi.ExitStatus, pi.Output)
		} else {
			c.events.PostRule(ctx, s, sr, service.StateSucceeded, "status succeeded (%d) -- %s", pi.ExitStatus, pi.Output)
		}
	}
}

// Forget drops the pending run of a removed program service
func (c *Checker) Forget(name string) {
	c.mu.Lock()
	delete(c.runs, name)
	c.mu.Unlock()
}
