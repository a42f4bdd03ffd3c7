// Package check samples services and posts the result of every rule to the
// event engine.
package check

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostmon/pkg/action"
	"github.com/invisible-tech/hostmon/pkg/device"
	"github.com/invisible-tech/hostmon/pkg/process"
	"github.com/invisible-tech/hostmon/pkg/service"
)

const (
	// DefaultMaxChecksumSize bounds the files that are hashed
	DefaultMaxChecksumSize = 64 << 20
	// DefaultMaxMatchRead bounds the content read per cycle for match rules
	DefaultMaxMatchRead = 512 << 10
)

var checkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "hostmon_check_errors_total",
	Help: "Number of checks skipped because the sample could not be taken",
}, []string{"type"})

func init() {
	prometheus.MustRegister(checkErrors)
}

// Poster receives rule results
type Poster interface {
	PostRule(ctx context.Context, s *service.Service, r service.Rule, state service.State, format string, args ...any)
	PostImplicit(ctx context.Context, s *service.Service, kind service.EventKind, state service.State, format string, args ...any)
}

// Env is the machine-wide data of the current cycle
type Env struct {
	Now    time.Time
	System *service.SystemInfo
	Tree   *process.Tree
	// Self is the daemon pid, never matched as a process service
	Self int
}

// Config wires the checker to its collaborators
type Config struct {
	Resolver        *device.Resolver
	Prober          Prober
	Executor        action.Executor
	MaxChecksumSize int64
	MaxMatchRead    int64
}

// Checker runs the checks of a service
type Checker struct {
	cfg    Config
	events Poster
	log    *logrus.Logger

	mu   sync.Mutex
	runs map[string]*programRun
}

// New creates a Checker posting results to events
func New(cfg Config, events Poster, log *logrus.Logger) *Checker {
	if cfg.Prober == nil {
		cfg.Prober = &NetProber{}
	}
	if cfg.Executor == nil {
		cfg.Executor = &action.ExecExecutor{}
	}
	if cfg.MaxChecksumSize <= 0 {
		cfg.MaxChecksumSize = DefaultMaxChecksumSize
	}
	if cfg.MaxMatchRead <= 0 {
		cfg.MaxMatchRead = DefaultMaxMatchRead
	}
	return &Checker{
		cfg:    cfg,
		events: events,
		log:    log,
		runs:   make(map[string]*programRun),
	}
}

// Check samples s and posts its rules. An error means the sample could not
// be taken; nothing was posted for the failing part and the caller should
// treat the data as stale.
func (c *Checker) Check(ctx context.Context, s *service.Service, env Env) error {
	var err error
	switch s.Type {
	case service.TypeFilesystem:
		err = c.checkFilesystem(ctx, s, env)
	case service.TypeFile, service.TypeDirectory, service.TypeFifo:
		err = c.checkFile(ctx, s, env)
	case service.TypeProcess:
		err = c.checkProcess(ctx, s, env)
	case service.TypeSystem:
		err = c.checkSystem(ctx, s, env)
	case service.TypeHost:
		err = c.checkHost(ctx, s, env)
	case service.TypeProgram:
		err = c.checkProgram(ctx, s, env)
	default:
		err = fmt.Errorf("unsupported service type %s", s.Type)
	}
	if err != nil {
		checkErrors.WithLabelValues(s.Type.String()).Inc()
		return err
	}
	s.Info.Collected = env.Now
	return nil
}

// compare posts r as failed when value op limit holds
func (c *Checker) compare(ctx context.Context, s *service.Service, r service.Rule, op service.Operator, value, limit float64, name, unit string) {
	if op.Compare(value, limit) {
		c.events.PostRule(ctx, s, r, service.StateFailed, "%s %s matches limit [%s %s %s]",
			name, format(value, unit), name, op, format(limit, unit))
		return
	}
	c.events.PostRule(ctx, s, r, service.StateSucceeded, "%s check succeeded [current %s = %s]",
		name, name, format(value, unit))
}

// changed posts a change-mode rule
func (c *Checker) changed(ctx context.Context, s *service.Service, r service.Rule, changed bool, format string, args ...any) {
	if changed {
		c.events.PostRule(ctx, s, r, service.StateChanged, format, args...)
		return
	}
	c.events.PostRule(ctx, s, r, service.StateChangedNot, "%s not changed", r.Kind())
}

func format(v float64, unit string) string {
	switch unit {
	case "%":
		return fmt.Sprintf("%.1f%%", v)
	case "B":
		return byteSize(v)
	case "s":
		return time.Duration(v * float64(time.Second)).String()
	case "":
		return fmt.Sprintf("%g", v)
	}
	return fmt.Sprintf("%g %s", v, unit)
}

func byteSize(v float64) string {
	const unit = 1024
	if v < unit {
		return fmt.Sprintf("%.0f B", v)
	}
	div, exp := float64(unit), 0
	for n := v / unit; n >= unit && exp < 5; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", v/div, "KMGTPE"[exp])
}
