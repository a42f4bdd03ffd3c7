// Package monitor owns the daemon state: the service list, the machine
// sample of the current cycle and the event engine. It runs the poll loop
// and serves status and control requests from other goroutines.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostmon/internal/types"
	"github.com/invisible-tech/hostmon/internal/version"
	"github.com/invisible-tech/hostmon/pkg/action"
	"github.com/invisible-tech/hostmon/pkg/check"
	"github.com/invisible-tech/hostmon/pkg/device"
	"github.com/invisible-tech/hostmon/pkg/event"
	"github.com/invisible-tech/hostmon/pkg/process"
	"github.com/invisible-tech/hostmon/pkg/sampler"
	"github.com/invisible-tech/hostmon/pkg/service"
)

var (
	// ErrUnknownService is returned for control requests on a missing service
	ErrUnknownService = errors.New("unknown service")
	// ErrInvalidAction is returned for actions that cannot be requested
	ErrInvalidAction = errors.New("invalid action")
)

var (
	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hostmon_cycle_duration_seconds",
		Help:    "Duration of a monitoring cycle",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	cyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hostmon_cycles_total",
		Help: "Number of monitoring cycles",
	})
	servicesMonitored = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hostmon_services_monitored",
		Help: "Number of monitored services",
	})
	servicesFailed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hostmon_services_failed",
		Help: "Number of services with a failed event",
	})
)

func init() {
	prometheus.MustRegister(cycleDuration, cyclesTotal, servicesMonitored, servicesFailed)
}

// Config holds the daemon settings used by the monitor
type Config struct {
	DaemonID    string
	Poll        time.Duration
	StartDelay  time.Duration
	HTTPAddress string
	// Self is the daemon pid, never matched by process services
	Self int
}

// Store persists events across restarts
type Store interface {
	event.Store
	LoadEvents() (map[string][]*service.Event, error)
}

// Deps are the collaborators of the monitor. Nil members get defaults,
// except Backend which is probed.
type Deps struct {
	Backend  sampler.Backend
	Resolver *device.Resolver
	Alert    event.Notifier
	Remote   event.Notifier
	Store    Store
	Executor action.Executor
	Prober   check.Prober
	Now      func() time.Time
}

// Monitor is the process-scoped daemon context
type Monitor struct {
	cfg  Config
	log  *logrus.Logger
	deps Deps

	engine     *event.Engine
	checker    *check.Checker
	controller *action.Controller

	mu        sync.Mutex
	services  []*service.Service
	byName    map[string]*service.Service
	schedules map[string]cron.Schedule
	reload    []*service.Service
	system    service.SystemInfo
	tree      *process.Tree
	started   time.Time
	cycles    uint64
	lastCycle time.Time
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a Monitor for services and restores their persisted events
func New(cfg Config, deps Deps, services []*service.Service, log *logrus.Logger) (*Monitor, error) {
	if cfg.Poll <= 0 {
		cfg.Poll = 30 * time.Second
	}
	if cfg.Self == 0 {
		cfg.Self = os.Getpid()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Backend == nil {
		b, err := sampler.Probe(sampler.Config{}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to select sampler: %w", err)
		}
		deps.Backend = b
	}
	if deps.Resolver == nil {
		deps.Resolver = device.New(device.Config{}, log)
	}
	if deps.Executor == nil {
		deps.Executor = &action.ExecExecutor{}
	}

	m := &Monitor{
		cfg:        cfg,
		log:        log,
		deps:       deps,
		controller: action.NewController(deps.Executor, log),
		started:    deps.Now(),
	}
	var store event.Store
	if deps.Store != nil {
		store = deps.Store
	}
	m.engine = event.New(event.Config{
		Alert:   deps.Alert,
		Remote:  deps.Remote,
		Actions: m.controller,
		Store:   store,
		Now:     deps.Now,
	}, log)
	m.checker = check.New(check.Config{
		Resolver: deps.Resolver,
		Prober:   deps.Prober,
		Executor: deps.Executor,
	}, m.engine, log)

	schedules, err := compileSchedules(services)
	if err != nil {
		return nil, err
	}
	m.setServices(services, schedules)

	if err := deps.Backend.Platform(&m.system); err != nil {
		log.WithError(err).Warn("Failed to read platform information")
	}
	if deps.Store != nil {
		m.restore()
	}
	for _, s := range services {
		if s.Mode == service.ModeManual && len(s.Events) == 0 {
			s.Monitor = service.MonitorNot
		}
	}
	return m, nil
}

func compileSchedules(services []*service.Service) (map[string]cron.Schedule, error) {
	out := make(map[string]cron.Schedule)
	seen := make(map[string]bool, len(services))
	for _, s := range services {
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate service name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Every.Cron == "" {
			continue
		}
		sched, err := cronParser.Parse(s.Every.Cron)
		if err != nil {
			return nil, fmt.Errorf("service %s: invalid cron %q: %w", s.Name, s.Every.Cron, err)
		}
		out[s.Name] = sched
	}
	return out, nil
}

func (m *Monitor) setServices(services []*service.Service, schedules map[string]cron.Schedule) {
	m.services = services
	m.schedules = schedules
	m.byName = make(map[string]*service.Service, len(services))
	for _, s := range services {
		m.byName[s.Name] = s
	}
}

func (m *Monitor) restore() {
	saved, err := m.deps.Store.LoadEvents()
	if err != nil {
		m.log.WithError(err).Warn("Failed to load persisted events")
		return
	}
	total := 0
	for name, events := range saved {
		s := m.byName[name]
		if s == nil {
			continue
		}
		total += m.engine.Restore(s, events)
	}
	if total > 0 {
		m.log.WithField("events", total).Info("Restored persisted events")
	}
}

// Services returns the names of all services in configuration order
func (m *Monitor) Services() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.services))
	for i, s := range m.services {
		names[i] = s.Name
	}
	return names
}

// Start runs a cycle at every poll interval until ctx is cancelled
func (m *Monitor) Start(ctx context.Context) error {
	m.log.WithFields(logrus.Fields{
		"services": len(m.Services()),
		"poll":     m.cfg.Poll.String(),
		"backend":  m.deps.Backend.Name(),
	}).Info("Starting monitor")

	if m.cfg.StartDelay > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.cfg.StartDelay):
		}
	}

	ticker := time.NewTicker(m.cfg.Poll)
	defer ticker.Stop()
	for {
		m.Cycle(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle samples the machine, checks every due service, delivers pending
// notifications and persists the event state
func (m *Monitor) Cycle(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	now := m.deps.Now()
	m.applyReload()

	if !m.deps.Backend.SystemUsage(&m.system) {
		m.log.Warn("System usage is stale")
	}
	m.sampleProcesses(now)

	env := check.Env{Now: now, System: &m.system, Tree: m.tree, Self: m.cfg.Self}
	var checked []*service.Service
	for _, s := range m.services {
		if ctx.Err() != nil {
			break
		}
		m.doControl(ctx, s)
		if !s.Monitored() || !s.Every.Due(now, m.schedules[s.Name]) {
			continue
		}
		if err := m.checker.Check(ctx, s, env); err != nil {
			m.log.WithError(err).WithField("service", s.Name).Warn("Check skipped, data is stale")
			continue
		}
		if s.Monitor == service.MonitorInit {
			s.Monitor = service.MonitorYes
		}
		checked = append(checked, s)
	}

	m.engine.Flush(ctx)
	if err := m.engine.Persist(); err != nil {
		m.log.WithError(err).Error("Failed to persist events")
	}
	for _, s := range checked {
		s.Info.Commit()
	}

	m.cycles++
	m.lastCycle = now
	cyclesTotal.Inc()
	cycleDuration.Observe(time.Since(start).Seconds())
	m.updateGauges()
	m.log.WithFields(logrus.Fields{
		"checked":  len(checked),
		"pending":  m.engine.Pending(),
		"duration": time.Since(start).String(),
	}).Debug("Cycle finished")
}

func (m *Monitor) sampleProcesses(now time.Time) {
	records, err := m.deps.Backend.Processes()
	if err != nil {
		m.log.WithError(err).Warn("Process enumeration failed, keeping previous process tree")
		return
	}
	m.tree = process.Build(records, m.tree, now, m.system.CPUs, m.system.MemMax)
	if cycles := m.tree.Cycles(); len(cycles) > 0 {
		m.log.WithField("pids", cycles).Error("Parent loop in process table, tree was cut")
	}
}

func (m *Monitor) updateGauges() {
	monitored, failed := 0, 0
	for _, s := range m.services {
		if s.Monitored() {
			monitored++
		}
		if s.Failed() {
			failed++
		}
	}
	servicesMonitored.Set(float64(monitored))
	servicesFailed.Set(float64(failed))
}

// Control queues kind for the service name; it runs at the start of the next cycle
func (m *Monitor) Control(name string, kind service.ActionKind) error {
	switch kind {
	case service.ActionStart, service.ActionStop, service.ActionRestart, service.ActionMonitor, service.ActionUnmonitor:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidAction, kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.byName[name]
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	if (kind == service.ActionStop || kind == service.ActionRestart) && commandFor(s, kind) == nil {
		return fmt.Errorf("%w: %s has no %s command", ErrInvalidAction, name, kind)
	}
	s.DoAction = kind
	m.log.WithFields(logrus.Fields{"service": name, "action": kind.String()}).Info("Control action queued")
	return nil
}

func commandFor(s *service.Service, kind service.ActionKind) *service.Command {
	switch kind {
	case service.ActionStart:
		return s.Start
	case service.ActionStop:
		return s.Stop
	case service.ActionRestart:
		if s.Restart != nil {
			return s.Restart
		}
		return s.Start
	}
	return nil
}

func (m *Monitor) doControl(ctx context.Context, s *service.Service) {
	kind := s.DoAction
	if kind == service.ActionIgnore {
		return
	}
	s.DoAction = service.ActionIgnore
	if kind == service.ActionStart && s.Start == nil {
		// services without a start program are only monitored
		kind = service.ActionMonitor
	}
	if err := m.controller.Do(ctx, s, kind, nil); err != nil {
		m.log.WithError(err).WithField("service", s.Name).Error("Control action failed")
		return
	}
	if !s.Monitored() {
		s.Info = service.Info{}
	}
}

// Reload replaces the service list at the start of the next cycle. Services
// that keep their name and type keep their data and open events.
func (m *Monitor) Reload(services []*service.Service) error {
	if _, err := compileSchedules(services); err != nil {
		return err
	}
	m.mu.Lock()
	m.reload = services
	m.mu.Unlock()
	m.log.WithField("services", len(services)).Info("Configuration reload scheduled")
	return nil
}

func (m *Monitor) applyReload() {
	if m.reload == nil {
		return
	}
	next := m.reload
	m.reload = nil
	schedules, err := compileSchedules(next)
	if err != nil {
		m.log.WithError(err).Error("Reload rejected")
		return
	}

	kept := make(map[string]bool, len(next))
	for _, s := range next {
		old := m.byName[s.Name]
		if old == nil || old.Type != s.Type {
			continue
		}
		kept[s.Name] = true
		s.Info = old.Info
		s.Monitor = old.Monitor
		s.NStart, s.NCycle = old.NStart, old.NCycle
		s.Every.Resume(old.Every)
		events := make([]*service.Event, 0, len(old.Events))
		for _, e := range old.Events {
			events = append(events, e)
		}
		m.engine.Rebind(old, s)
		s.Events = make(map[string]*service.Event)
		m.engine.Restore(s, events)
	}
	for _, old := range m.services {
		if kept[old.Name] {
			continue
		}
		m.engine.Forget(old.Name)
		m.checker.Forget(old.Name)
		if m.deps.Store != nil {
			if err := m.deps.Store.SaveEvents(old.Name, nil); err != nil {
				m.log.WithError(err).WithField("service", old.Name).Warn("Failed to drop events of removed service")
			}
		}
	}
	m.setServices(next, schedules)
	m.log.WithField("services", len(next)).Info("Configuration reloaded")
}

// Status returns the report of the daemon and all services
func (m *Monitor) Status() *types.StatusReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.deps.Now()
	r := &types.StatusReport{
		Server: types.ServerInfo{
			ID:          m.cfg.DaemonID,
			Version:     version.Version,
			Hostname:    m.system.Hostname,
			Started:     m.started,
			Uptime:      int64(now.Sub(m.started).Seconds()),
			Poll:        int64(m.cfg.Poll.Seconds()),
			Cycles:      m.cycles,
			LastCycle:   m.lastCycle,
			HTTPAddress: m.cfg.HTTPAddress,
		},
		Platform: types.PlatformInfo{
			Name:    m.system.OSName,
			Release: m.system.OSRelease,
			Version: m.system.OSVersion,
			Machine: m.system.Machine,
			CPU:     m.system.CPUs,
			Memory:  m.system.MemMax,
			Swap:    m.system.SwapMax,
		},
		Services: make([]types.ServiceStatus, 0, len(m.services)),
	}
	for _, s := range m.services {
		r.Services = append(r.Services, types.NewServiceStatus(s))
	}
	return r
}

// Cycles returns the number of completed cycles and the time of the last one
func (m *Monitor) Cycles() (uint64, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycles, m.lastCycle
}

// Shutdown delivers what can still be delivered, saves the event state and
// releases the mount notifier
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.log.Info("Shutting down monitor")
	m.mu.Lock()
	defer m.mu.Unlock()

	m.engine.Flush(ctx)
	err := m.engine.Persist()
	if cerr := m.deps.Resolver.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to shut down monitor: %w", err)
	}
	return nil
}
