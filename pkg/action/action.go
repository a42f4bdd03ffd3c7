// Package action runs external commands and applies control actions to
// services.
package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostmon/pkg/service"
)

// DefaultMaxOutput bounds the captured output of a command
const DefaultMaxOutput = 64 * 1024

// ErrNoCommand is returned when an action needs a command the service does not define
var ErrNoCommand = errors.New("no command defined")

// Result of a finished command
type Result struct {
	ExitStatus int
	Output     string
	Duration   time.Duration
}

// Executor runs a command and waits at most timeout for it
type Executor interface {
	Execute(ctx context.Context, cmd *service.Command, timeout time.Duration) (Result, error)
}

// ExecExecutor runs commands with os/exec
type ExecExecutor struct {
	MaxOutput int
}

// Execute runs cmd. A non-zero exit status is a result, not an error.
func (x *ExecExecutor) Execute(ctx context.Context, cmd *service.Command, timeout time.Duration) (Result, error) {
	if cmd == nil || len(cmd.Args) == 0 {
		return Result{ExitStatus: -1}, ErrNoCommand
	}
	if timeout <= 0 {
		timeout = service.ExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limit := x.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	out := &limitedBuffer{max: limit}
	c := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	c.Stdout = out
	c.Stderr = out
	// children that inherited the output pipe must not hold Run past the timeout
	c.WaitDelay = time.Second

	start := time.Now()
	err := c.Run()
	res := Result{Output: out.String(), Duration: time.Since(start)}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.ExitStatus = -1
		return res, fmt.Errorf("'%s' timed out after %s", cmd, timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitStatus = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		res.ExitStatus = -1
		return res, fmt.Errorf("run '%s': %w", cmd, err)
	}
	return res, nil
}

// limitedBuffer keeps the first max bytes written and discards the rest
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }

// Controller applies actions to services
type Controller struct {
	exec Executor
	log  *logrus.Logger
}

// NewController returns a Controller running commands through exec
func NewController(exec Executor, log *logrus.Logger) *Controller {
	return &Controller{exec: exec, log: log}
}

// Handle implements the event engine action handler
func (c *Controller) Handle(ctx context.Context, s *service.Service, _ *service.Event, a *service.Action) error {
	return c.Do(ctx, s, a.Kind, a.Exec)
}

// Do performs kind on s. cmd is only used by exec.
func (c *Controller) Do(ctx context.Context, s *service.Service, kind service.ActionKind, cmd *service.Command) error {
	log := c.log.WithFields(logrus.Fields{"service": s.Name, "action": kind.String()})
	switch kind {
	case service.ActionIgnore, service.ActionAlert:
		return nil
	case service.ActionStart:
		log.Info("Starting service")
		s.NStart++
		if err := c.run(ctx, s.Start); err != nil {
			return fmt.Errorf("start %s: %w", s.Name, err)
		}
		s.Monitor = service.MonitorInit
	case service.ActionStop:
		log.Info("Stopping service")
		if err := c.run(ctx, s.Stop); err != nil {
			return fmt.Errorf("stop %s: %w", s.Name, err)
		}
		s.Monitor = service.MonitorNot
	case service.ActionRestart:
		log.Info("Restarting service")
		s.NStart++
		if s.Restart != nil {
			if err := c.run(ctx, s.Restart); err != nil {
				return fmt.Errorf("restart %s: %w", s.Name, err)
			}
		} else {
			if s.Stop != nil {
				if err := c.run(ctx, s.Stop); err != nil {
					return fmt.Errorf("restart %s: %w", s.Name, err)
				}
			}
			if err := c.run(ctx, s.Start); err != nil {
				return fmt.Errorf("restart %s: %w", s.Name, err)
			}
		}
		s.Monitor = service.MonitorInit
	case service.ActionExec:
		log.WithField("command", cmd.String()).Info("Executing")
		if err := c.run(ctx, cmd); err != nil {
			return fmt.Errorf("exec for %s: %w", s.Name, err)
		}
	case service.ActionUnmonitor:
		log.Info("Unmonitoring service")
		s.Monitor = service.MonitorNot
	case service.ActionMonitor:
		log.Info("Monitoring service")
		if s.Monitor == service.MonitorNot {
			s.Monitor = service.MonitorInit
		}
	default:
		return fmt.Errorf("unsupported action %s", kind)
	}
	return nil
}

func (c *Controller) run(ctx context.Context, cmd *service.Command) error {
	if cmd == nil {
		return ErrNoCommand
	}
	res, err := c.exec.Execute(ctx, cmd, cmd.EffectiveTimeout())
	if err != nil {
		return err
	}
	if res.ExitStatus != 0 {
		return fmt.Errorf("'%s' exited with status %d: %s", cmd, res.ExitStatus, truncate(res.Output, 256))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
