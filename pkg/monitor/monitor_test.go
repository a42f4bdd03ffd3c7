package monitor

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostmon/pkg/device"
	"github.com/invisible-tech/hostmon/pkg/process"
	"github.com/invisible-tech/hostmon/pkg/service"
)

type fakeBackend struct {
	procErr error
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Platform(si *service.SystemInfo) error {
	si.Hostname = "test-host"
	si.OSName = "Linux"
	si.CPUs = 2
	si.MemMax = 4 << 30
	return nil
}

func (b *fakeBackend) SystemUsage(si *service.SystemInfo) bool {
	si.Collected = time.Now()
	si.Load = [3]float64{0.5, 0.4, 0.3}
	return true
}

func (b *fakeBackend) Processes() ([]process.Record, error) {
	if b.procErr != nil {
		return nil, b.procErr
	}
	return []process.Record{
		{PID: 1, PPID: 0, Name: "init", Cmdline: "/sbin/init"},
		{PID: 42, PPID: 1, Name: "nginx", Cmdline: "nginx: master process"},
	}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	states []service.State
}

func (n *recordingNotifier) Deliver(_ context.Context, e *service.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, e.State)
	return true
}

func (n *recordingNotifier) got() []service.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]service.State(nil), n.states...)
}

type memStore struct {
	saved map[string][]*service.Event
	load  map[string][]*service.Event
}

func (s *memStore) SaveEvents(name string, events []*service.Event) error {
	if s.saved == nil {
		s.saved = make(map[string][]*service.Event)
	}
	s.saved[name] = events
	return nil
}

func (s *memStore) LoadEvents() (map[string][]*service.Event, error) {
	return s.load, nil
}

type fixture struct {
	usage   device.Usage
	alerts  *recordingNotifier
	store   *memStore
	backend *fakeBackend
}

func newFixture() *fixture {
	return &fixture{
		usage:   device.Usage{BlockSize: 4096, Blocks: 1000, BlocksFree: 150, BlocksAvail: 150, Files: 100, FilesFree: 90},
		alerts:  &recordingNotifier{},
		store:   &memStore{},
		backend: &fakeBackend{},
	}
}

func (f *fixture) deps(t *testing.T) Deps {
	table := func() ([]device.Entry, error) {
		return []device.Entry{
			{Device: "/dev/root", Mountpoint: "/", Type: "ext4", Options: "rw"},
			{Device: "/dev/vdb1", Mountpoint: "/srv/data", Type: "xfs", Options: "rw"},
		}, nil
	}
	return Deps{
		Backend: f.backend,
		Resolver: device.New(device.Config{
			ProcRoot:        t.TempDir(),
			SysRoot:         t.TempDir(),
			DisableNotifier: true,
			Table:           table,
			Statfs:          func(string) (device.Usage, error) { return f.usage, nil },
		}, logrus.New()),
		Alert: f.alerts,
		Store: f.store,
	}
}

func spaceRule() *service.FilesystemRule {
	return &service.FilesystemRule{
		Resource: service.FSSpacePercent,
		Operator: service.OpGreater,
		Limit:    80,
		Action:   service.DefaultEventAction(service.ActionAlert),
	}
}

func dataService() *service.Service {
	s := service.New("data", service.TypeFilesystem)
	s.Path = "/srv/data"
	s.Rules = []service.Rule{spaceRule()}
	return s
}

func TestMonitor_AlertAndRecovery(t *testing.T) {
	f := newFixture()
	s := dataService()
	m, err := New(Config{Poll: time.Second}, f.deps(t), []*service.Service{s}, logrus.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	// 85% used
	m.Cycle(ctx)
	m.Cycle(ctx)
	if got := f.alerts.got(); len(got) != 1 || got[0] != service.StateFailed {
		t.Fatalf("alerts after failure = %v, want one failed", got)
	}
	if s.Monitor != service.MonitorYes {
		t.Errorf("monitor = %v, want monitored", s.Monitor)
	}
	if !s.Failed() {
		t.Error("service should be failed")
	}

	f.usage.BlocksAvail = 300 // 70% used
	m.Cycle(ctx)
	got := f.alerts.got()
	if len(got) != 2 || got[1] != service.StateSucceeded {
		t.Fatalf("alerts after recovery = %v, want failed then succeeded", got)
	}
	if len(s.Events) != 0 {
		t.Errorf("recovered event should be closed, got %d events", len(s.Events))
	}
	if _, ok := f.store.saved["data"]; !ok {
		t.Error("events of data should have been persisted")
	}

	cycles, last := m.Cycles()
	if cycles != 3 || last.IsZero() {
		t.Errorf("Cycles() = %d, %v", cycles, last)
	}
}

func TestMonitor_RestoreRedelivers(t *testing.T) {
	f := newFixture()
	s := dataService()
	rule := s.Rules[0]
	f.store.load = map[string][]*service.Event{
		"data": {{
			ID:      "ev-1",
			Kind:    service.EventResource,
			Rule:    rule.Key(),
			State:   service.StateFailed,
			Count:   3,
			Pending: service.HandlerAlert,
		}},
		"removed": {{ID: "ev-2", Kind: service.EventNonExist, Rule: "nonexist", State: service.StateFailed}},
	}
	m, err := New(Config{}, f.deps(t), []*service.Service{s}, logrus.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(s.Events) != 1 {
		t.Fatalf("restored events = %d, want 1", len(s.Events))
	}
	m.Cycle(context.Background())
	if got := f.alerts.got(); len(got) != 1 || got[0] != service.StateFailed {
		t.Errorf("alerts = %v, want the restored failure only", got)
	}
	if ev := s.Events[rule.Key()]; ev == nil || ev.Count != 4 {
		t.Errorf("restored event should keep counting, got %+v", ev)
	}
}

func TestMonitor_Control(t *testing.T) {
	f := newFixture()
	s := dataService()
	s.Mode = service.ModeManual
	m, err := New(Config{}, f.deps(t), []*service.Service{s}, logrus.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Monitored() {
		t.Fatal("manual service should start unmonitored")
	}
	m.Cycle(context.Background())
	if len(f.alerts.got()) != 0 {
		t.Fatal("unmonitored service must not be checked")
	}

	tests := []struct {
		name    string
		service string
		kind    service.ActionKind
		wantErr error
	}{
		{"unknown service", "nope", service.ActionMonitor, ErrUnknownService},
		{"alert is not a control action", "data", service.ActionAlert, ErrInvalidAction},
		{"stop without command", "data", service.ActionStop, ErrInvalidAction},
		{"restart without command", "data", service.ActionRestart, ErrInvalidAction},
		{"start", "data", service.ActionStart, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Control(tt.service, tt.kind)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Control() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	m.Cycle(context.Background())
	if s.Monitor != service.MonitorYes {
		t.Errorf("monitor = %v after start, want monitored", s.Monitor)
	}
	if len(f.alerts.got()) != 1 {
		t.Errorf("started service should have been checked")
	}

	if err := m.Control("data", service.ActionUnmonitor); err != nil {
		t.Fatal(err)
	}
	m.Cycle(context.Background())
	if s.Monitored() {
		t.Error("service should be unmonitored")
	}
	if !s.Info.Collected.IsZero() {
		t.Error("unmonitor should clear collected data")
	}
}

func TestMonitor_Reload(t *testing.T) {
	f := newFixture()
	old := dataService()
	gone := service.New("gone", service.TypeSystem)
	m, err := New(Config{}, f.deps(t), []*service.Service{old, gone}, logrus.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Cycle(context.Background())
	if !old.Failed() {
		t.Fatal("data should be failed before reload")
	}

	next := dataService()
	added := service.New("sys", service.TypeSystem)
	if err := m.Reload([]*service.Service{next, added}); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	m.Cycle(context.Background())

	if names := m.Services(); len(names) != 2 || names[0] != "data" || names[1] != "sys" {
		t.Errorf("Services() = %v", names)
	}
	if !next.Failed() {
		t.Error("reloaded service should keep its open event")
	}
	if len(f.alerts.got()) != 1 {
		t.Errorf("reload must not re-alert, got %v", f.alerts.got())
	}
	if events, ok := f.store.saved["gone"]; !ok || events != nil {
		t.Errorf("removed service should have its events dropped, got %v", events)
	}

	dup := []*service.Service{service.New("x", service.TypeSystem), service.New("x", service.TypeSystem)}
	if err := m.Reload(dup); err == nil {
		t.Error("duplicate names should be rejected")
	}
}

func TestMonitor_ReloadKeepsEveryCounter(t *testing.T) {
	f := newFixture()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	deps := f.deps(t)
	deps.Now = func() time.Time { return clock }

	old := dataService()
	old.Every.Cycles = 3
	m, err := New(Config{}, deps, []*service.Service{old}, logrus.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Cycle(context.Background())
	first := old.Info.Collected
	if first.IsZero() {
		t.Fatal("first cycle should check the service")
	}

	next := dataService()
	next.Every.Cycles = 3
	if err := m.Reload([]*service.Service{next}); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	for i := 1; i <= 3; i++ {
		clock = clock.Add(time.Minute)
		m.Cycle(context.Background())
		if i < 3 && !next.Info.Collected.Equal(first) {
			t.Fatalf("cycle %d after reload checked the service early", i+1)
		}
	}
	if !next.Info.Collected.Equal(clock) {
		t.Errorf("fourth cycle should check the service, collected %v", next.Info.Collected)
	}
}

func TestMonitor_Status(t *testing.T) {
	f := newFixture()
	s := dataService()
	sys := service.New("host", service.TypeSystem)
	m, err := New(Config{DaemonID: "daemon-1", Poll: 30 * time.Second}, f.deps(t), []*service.Service{s, sys}, logrus.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Cycle(context.Background())

	r := m.Status()
	if r.Server.ID != "daemon-1" || r.Server.Hostname != "test-host" || r.Server.Poll != 30 {
		t.Errorf("server = %+v", r.Server)
	}
	if r.Platform.CPU != 2 {
		t.Errorf("platform cpu = %d, want 2", r.Platform.CPU)
	}
	if len(r.Services) != 2 {
		t.Fatalf("services = %d, want 2", len(r.Services))
	}
	if !r.Services[0].Failed || r.Services[0].Filesystem == nil {
		t.Errorf("data status = %+v", r.Services[0])
	}
	if r.Services[1].System == nil {
		t.Error("system status should carry data")
	}
}

func mustMatch(t *testing.T, expr string) *regexp.Regexp {
	t.Helper()
	re, err := regexp.Compile(expr)
	if err != nil {
		t.Fatal(err)
	}
	return re
}

func TestMonitor_ProcessFailureKeepsTree(t *testing.T) {
	f := newFixture()
	s := service.New("nginx", service.TypeProcess)
	s.Match = mustMatch(t, "nginx")
	m, err := New(Config{Self: 99999}, f.deps(t), []*service.Service{s}, logrus.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Cycle(context.Background())
	if s.Info.Process.PID != 42 {
		t.Fatalf("pid = %d, want 42", s.Info.Process.PID)
	}

	f.backend.procErr = errors.New("proc unavailable")
	m.Cycle(context.Background())
	if s.Info.Process.PID != 42 {
		t.Errorf("previous tree should be used, pid = %d", s.Info.Process.PID)
	}
	if len(f.alerts.got()) != 0 {
		t.Errorf("no events expected, got %v", f.alerts.got())
	}
}

func TestNew_InvalidCron(t *testing.T) {
	f := newFixture()
	s := dataService()
	s.Every.Cron = "not a cron"
	if _, err := New(Config{}, f.deps(t), []*service.Service{s}, logrus.New()); err == nil {
		t.Error("invalid cron should be rejected")
	}
}

func TestMonitor_StartAndShutdown(t *testing.T) {
	f := newFixture()
	m, err := New(Config{Poll: 10 * time.Millisecond}, f.deps(t), []*service.Service{dataService()}, logrus.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := m.Cycles(); n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("monitor did not cycle")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
