package check

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostmon/pkg/action"
	"github.com/invisible-tech/hostmon/pkg/device"
	"github.com/invisible-tech/hostmon/pkg/process"
	"github.com/invisible-tech/hostmon/pkg/service"
)

type posted struct {
	key   string
	state service.State
	msg   string
}

type recorder struct {
	posts []posted
}

func (r *recorder) PostRule(_ context.Context, _ *service.Service, rule service.Rule, state service.State, format string, args ...any) {
	r.posts = append(r.posts, posted{rule.Key(), state, fmt.Sprintf(format, args...)})
}

func (r *recorder) PostImplicit(_ context.Context, _ *service.Service, kind service.EventKind, state service.State, format string, args ...any) {
	r.posts = append(r.posts, posted{kind.String(), state, fmt.Sprintf(format, args...)})
}

// last returns the most recent state posted for key
func (r *recorder) last(key string) (service.State, bool) {
	for i := len(r.posts) - 1; i >= 0; i-- {
		if r.posts[i].key == key {
			return r.posts[i].state, true
		}
	}
	return 0, false
}

func (r *recorder) reset() { r.posts = nil }

func expectState(t *testing.T, r *recorder, key string, want service.State) {
	t.Helper()
	got, ok := r.last(key)
	if !ok {
		t.Fatalf("nothing posted for %s; posts: %+v", key, r.posts)
	}
	if got != want {
		t.Errorf("%s = %s, want %s", key, got, want)
	}
}

func newChecker(cfg Config) (*Checker, *recorder) {
	rec := &recorder{}
	return New(cfg, rec, logrus.New()), rec
}

func TestCheckFile_NonExistAndType(t *testing.T) {
	dir := t.TempDir()
	c, rec := newChecker(Config{})
	env := Env{Now: time.Now()}

	t.Run("missing", func(t *testing.T) {
		s := service.New("missing", service.TypeFile)
		s.Path = filepath.Join(dir, "nope")
		if err := c.Check(context.Background(), s, env); err != nil {
			t.Fatalf("Check: %v", err)
		}
		expectState(t, rec, "nonexist", service.StateFailed)
	})

	t.Run("directory is not a file", func(t *testing.T) {
		rec.reset()
		s := service.New("dir", service.TypeFile)
		s.Path = dir
		if err := c.Check(context.Background(), s, env); err != nil {
			t.Fatalf("Check: %v", err)
		}
		expectState(t, rec, "nonexist", service.StateSucceeded)
		expectState(t, rec, "invalid", service.StateFailed)
	})

	t.Run("directory", func(t *testing.T) {
		rec.reset()
		s := service.New("dir", service.TypeDirectory)
		s.Path = dir
		if err := c.Check(context.Background(), s, env); err != nil {
			t.Fatalf("Check: %v", err)
		}
		expectState(t, rec, "invalid", service.StateSucceeded)
	})
}

func TestCheckFile_SizeAndTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.log")
	if err := os.WriteFile(path, []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, rec := newChecker(Config{})

	s := service.New("data", service.TypeFile)
	s.Path = path
	sizeLimit := &service.SizeRule{Operator: service.OpGreater, Limit: 10, Action: service.DefaultEventAction(service.ActionAlert)}
	sizeChanged := &service.SizeRule{Operator: service.OpChanged, Action: service.DefaultEventAction(service.ActionAlert)}
	age := &service.TimestampRule{Operator: service.OpGreater, Limit: time.Hour, Action: service.DefaultEventAction(service.ActionAlert)}
	s.Rules = []service.Rule{sizeLimit, sizeChanged, age}

	now := time.Now()
	if err := c.Check(context.Background(), s, Env{Now: now}); err != nil {
		t.Fatal(err)
	}
	expectState(t, rec, sizeLimit.Key(), service.StateSucceeded)
	expectState(t, rec, sizeChanged.Key(), service.StateChangedNot)
	expectState(t, rec, age.Key(), service.StateSucceeded)
	s.Info.Commit()

	if err := os.WriteFile(path, []byte("hello world, longer\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec.reset()
	if err := c.Check(context.Background(), s, Env{Now: now.Add(2 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	expectState(t, rec, sizeLimit.Key(), service.StateFailed)
	expectState(t, rec, sizeChanged.Key(), service.StateChanged)
	expectState(t, rec, age.Key(), service.StateFailed)
}

func TestCheckFile_Checksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf")
	if err := os.WriteFile(path, []byte("abc"), 0o600); err != nil {
		t.Fatal(err)
	}
	c, rec := newChecker(Config{})

	tests := []struct {
		name   string
		expect string
		want   service.State
	}{
		{"matching md5", "900150983CD24FB0D6963F7D28E17F72", service.StateSucceeded},
		{"mismatch", "00000000000000000000000000000000", service.StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec.reset()
			s := service.New("conf", service.TypeFile)
			s.Path = path
			r := &service.ChecksumRule{Hash: service.HashMD5, Expect: tt.expect, Action: service.DefaultEventAction(service.ActionAlert)}
			s.Rules = []service.Rule{r}
			if err := c.Check(context.Background(), s, Env{Now: time.Now()}); err != nil {
				t.Fatal(err)
			}
			expectState(t, rec, r.Key(), tt.want)
		})
	}

	t.Run("changed", func(t *testing.T) {
		rec.reset()
		s := service.New("conf", service.TypeFile)
		s.Path = path
		r := &service.ChecksumRule{Hash: service.HashSHA256, Action: service.DefaultEventAction(service.ActionAlert)}
		s.Rules = []service.Rule{r}
		c.Check(context.Background(), s, Env{Now: time.Now()})
		s.Info.Commit()
		os.WriteFile(path, []byte("abcd"), 0o600)
		c.Check(context.Background(), s, Env{Now: time.Now()})
		expectState(t, rec, r.Key(), service.StateChanged)
	})

	t.Run("too large", func(t *testing.T) {
		rec.reset()
		small, _ := newChecker(Config{MaxChecksumSize: 2})
		small.events = rec
		s := service.New("conf", service.TypeFile)
		s.Path = path
		r := &service.ChecksumRule{Hash: service.HashMD5, Expect: "x", Action: service.DefaultEventAction(service.ActionAlert)}
		s.Rules = []service.Rule{r}
		small.Check(context.Background(), s, Env{Now: time.Now()})
		if _, ok := rec.last(r.Key()); ok {
			t.Error("checksum of an oversized file should be skipped")
		}
	})
}

func TestCheckFile_MatchNewContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(path, []byte("ok\nERROR boot\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, rec := newChecker(Config{})
	s := service.New("log", service.TypeFile)
	s.Path = path
	r := &service.MatchRule{Pattern: regexp.MustCompile("ERROR"), Action: service.DefaultEventAction(service.ActionAlert)}
	s.Rules = []service.Rule{r}

	cycle := func() {
		t.Helper()
		rec.reset()
		if err := c.Check(context.Background(), s, Env{Now: time.Now()}); err != nil {
			t.Fatal(err)
		}
		s.Info.Commit()
	}

	cycle()
	expectState(t, rec, r.Key(), service.StateFailed)

	// nothing appended
	cycle()
	expectState(t, rec, r.Key(), service.StateSucceeded)

	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString("fine\nERROR again\npartial")
	f.Close()
	cycle()
	expectState(t, rec, r.Key(), service.StateFailed)
	if !strings.Contains(rec.posts[len(rec.posts)-1].msg, "ERROR again") {
		t.Errorf("match message = %q", rec.posts[len(rec.posts)-1].msg)
	}

	// truncation rewinds
	os.WriteFile(path, []byte("ERROR x\n"), 0o644)
	cycle()
	expectState(t, rec, r.Key(), service.StateFailed)
	if s.Info.File.ReadPos != int64(len("ERROR x\n")) {
		t.Errorf("ReadPos = %d", s.Info.File.ReadPos)
	}
}

func TestReadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	os.WriteFile(path, []byte("a\nbb\ncc"), 0o644)

	lines, n, err := readLines(path, 0, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 || lines[1] != "bb" || n != 5 {
		t.Errorf("lines=%q consumed=%d", lines, n)
	}

	// a full buffer without newline is consumed
	lines, n, _ = readLines(path, 5, 2)
	if len(lines) != 1 || lines[0] != "cc" || n != 2 {
		t.Errorf("lines=%q consumed=%d", lines, n)
	}
}

func TestCheckSystem(t *testing.T) {
	c, rec := newChecker(Config{})
	s := service.New("host", service.TypeSystem)
	load := &service.ResourceRule{Resource: service.ResourceLoad1, Operator: service.OpGreater, Limit: 4, Action: service.DefaultEventAction(service.ActionAlert)}
	cpu := &service.ResourceRule{Resource: service.ResourceCPUUser, Operator: service.OpGreater, Limit: 90, Action: service.DefaultEventAction(service.ActionAlert)}
	s.Rules = []service.Rule{load, cpu}

	si := &service.SystemInfo{Collected: time.Now(), Load: [3]float64{6, 2, 1}, CPUUser: -1, CPUSystem: -1, CPUWait: -1}
	if err := c.Check(context.Background(), s, Env{Now: time.Now(), System: si}); err != nil {
		t.Fatal(err)
	}
	expectState(t, rec, load.Key(), service.StateFailed)
	if _, ok := rec.last(cpu.Key()); ok {
		t.Error("cpu rule should be skipped before the second sample")
	}

	if err := c.Check(context.Background(), s, Env{Now: time.Now(), System: &service.SystemInfo{}}); err == nil {
		t.Error("expected error for an empty system sample")
	}
}

func testTree(records ...process.Record) *process.Tree {
	return process.Build(records, nil, time.Now(), 1, 1<<30)
}

func TestCheckProcess(t *testing.T) {
	dir := t.TempDir()
	pidfile := filepath.Join(dir, "app.pid")
	os.WriteFile(pidfile, []byte("200\n"), 0o644)

	tree := testTree(
		process.Record{PID: 1, PPID: 0, Name: "init"},
		process.Record{PID: 200, PPID: 1, Name: "app", Cmdline: "/usr/bin/app -d", UID: 1000, EUID: 0, Threads: 12},
		process.Record{PID: 201, PPID: 200, Name: "worker", Zombie: true},
	)

	c, rec := newChecker(Config{})
	s := service.New("app", service.TypeProcess)
	s.Path = pidfile
	threads := &service.ResourceRule{Resource: service.ResourceThreads, Operator: service.OpGreater, Limit: 10, Action: service.DefaultEventAction(service.ActionAlert)}
	euid := &service.UIDRule{UID: 0, Effective: true, Action: service.DefaultEventAction(service.ActionAlert)}
	s.Rules = []service.Rule{threads, euid}

	if err := c.Check(context.Background(), s, Env{Now: time.Now(), Tree: tree, Self: 999}); err != nil {
		t.Fatal(err)
	}
	expectState(t, rec, "nonexist", service.StateSucceeded)
	expectState(t, rec, threads.Key(), service.StateFailed)
	expectState(t, rec, euid.Key(), service.StateSucceeded)
	if s.Info.Process.Children != 1 || s.Info.Process.PID != 200 {
		t.Errorf("process info = %+v", s.Info.Process)
	}
	s.Info.Commit()

	t.Run("pid changed", func(t *testing.T) {
		rec.reset()
		os.WriteFile(pidfile, []byte("300"), 0o644)
		tree := testTree(process.Record{PID: 300, PPID: 1, Name: "app"}, process.Record{PID: 1, Name: "init"})
		c.Check(context.Background(), s, Env{Now: time.Now(), Tree: tree})
		expectState(t, rec, "pid", service.StateChanged)
		s.Info.Commit()
	})

	t.Run("not running", func(t *testing.T) {
		rec.reset()
		os.Remove(pidfile)
		c.Check(context.Background(), s, Env{Now: time.Now(), Tree: tree})
		expectState(t, rec, "nonexist", service.StateFailed)
	})

	t.Run("zombie by match", func(t *testing.T) {
		rec.reset()
		z := service.New("z", service.TypeProcess)
		z.Match = regexp.MustCompile("worker")
		c.Check(context.Background(), z, Env{Now: time.Now(), Tree: tree})
		// zombies are not matched by pattern
		expectState(t, rec, "nonexist", service.StateFailed)
	})

	t.Run("empty tree", func(t *testing.T) {
		err := c.Check(context.Background(), s, Env{Now: time.Now()})
		if !errors.Is(err, ErrNoProcessTree) {
			t.Errorf("err = %v, want ErrNoProcessTree", err)
		}
	})
}

func TestCheckActionRate(t *testing.T) {
	c, rec := newChecker(Config{})
	s := service.New("app", service.TypeProcess)
	r := &service.ActionRateRule{Count: 3, Cycles: 5, Action: service.DefaultEventAction(service.ActionUnmonitor)}
	s.Rules = []service.Rule{r}

	s.NStart = 3
	c.checkActionRate(context.Background(), s)
	expectState(t, rec, r.Key(), service.StateFailed)

	s.NStart = 1
	for i := 0; i < 4; i++ {
		c.checkActionRate(context.Background(), s)
	}
	expectState(t, rec, r.Key(), service.StateSucceeded)
	if s.NStart != 0 || s.NCycle != 0 {
		t.Errorf("counters not reset after window: nstart=%d ncycle=%d", s.NStart, s.NCycle)
	}
}

type fakeProber struct {
	portErr error
	pingErr error
}

func (f *fakeProber) Port(context.Context, string, int, string, time.Duration) (time.Duration, error) {
	return time.Millisecond, f.portErr
}

func (f *fakeProber) Ping(context.Context, string, int, time.Duration) (time.Duration, error) {
	return 2 * time.Millisecond, f.pingErr
}

func TestCheckHost(t *testing.T) {
	p := &fakeProber{}
	c, rec := newChecker(Config{Prober: p})
	s := service.New("web", service.TypeHost)
	s.Address = "example.internal"
	port := &service.PortRule{Port: 443, Action: service.DefaultEventAction(service.ActionAlert)}
	icmp := &service.IcmpRule{Count: 3, Action: service.DefaultEventAction(service.ActionAlert)}
	s.Rules = []service.Rule{port, icmp}

	c.Check(context.Background(), s, Env{Now: time.Now()})
	expectState(t, rec, port.Key(), service.StateSucceeded)
	expectState(t, rec, icmp.Key(), service.StateSucceeded)

	p.portErr = errors.New("connection refused")
	p.pingErr = errors.New("timeout")
	c.Check(context.Background(), s, Env{Now: time.Now()})
	expectState(t, rec, port.Key(), service.StateFailed)
	expectState(t, rec, icmp.Key(), service.StateFailed)
	if len(s.Info.Host.Ports) != 1 || s.Info.Host.Ports[0].OK {
		t.Errorf("ports = %+v", s.Info.Host.Ports)
	}
}

func TestFail2banProtocol(t *testing.T) {
	tests := []struct {
		name    string
		reply   []byte
		wantErr bool
	}{
		{"pong", fail2banPong, false},
		{"garbage", make([]byte, len(fail2banPong)), true},
		{"short", fail2banPong[:10], true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			go func() {
				defer server.Close()
				buf := make([]byte, len(fail2banPing))
				if _, err := server.Read(buf); err != nil {
					return
				}
				server.Write(tt.reply)
			}()
			client.SetDeadline(time.Now().Add(2 * time.Second))
			err := checkFail2ban(client)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNetProberPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot bind for test: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	if _, err := (NetProber{}).Port(context.Background(), "127.0.0.1", port, "", time.Second); err != nil {
		t.Errorf("Port: %v", err)
	}
	ln.Close()
	if _, err := (NetProber{}).Port(context.Background(), "127.0.0.1", port, "", time.Second); err == nil {
		t.Error("expected error after listener closed")
	}
	if _, err := (NetProber{}).Port(context.Background(), "127.0.0.1", port, "smtp", time.Second); err == nil {
		t.Error("expected error for unsupported protocol")
	}
}

type fakeExecutor struct {
	release chan struct{}
	result  action.Result
	err     error
}

func (f *fakeExecutor) Execute(ctx context.Context, _ *service.Command, _ time.Duration) (action.Result, error) {
	<-f.release
	return f.result, f.err
}

func TestCheckProgram_Async(t *testing.T) {
	x := &fakeExecutor{release: make(chan struct{}), result: action.Result{ExitStatus: 2, Output: "disk degraded\n"}}
	c, rec := newChecker(Config{Executor: x})
	s := service.New("raid", service.TypeProgram)
	s.Program = &service.Command{Args: []string{"/usr/local/bin/check-raid"}}
	r := &service.StatusRule{Operator: service.OpNotEqual, Limit: 0, Action: service.DefaultEventAction(service.ActionAlert)}
	s.Rules = []service.Rule{r}

	c.Check(context.Background(), s, Env{Now: time.Now()})
	if !s.Info.Program.Running {
		t.Fatal("program should be running after the first cycle")
	}
	// still running: nothing posted
	c.Check(context.Background(), s, Env{Now: time.Now()})
	if len(rec.posts) != 0 {
		t.Fatalf("unexpected posts while running: %+v", rec.posts)
	}

	close(x.release)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.Check(context.Background(), s, Env{Now: time.Now()})
		if _, ok := rec.last(r.Key()); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	expectState(t, rec, r.Key(), service.StateFailed)
	if s.Info.Program.ExitStatus != 2 || s.Info.Program.Output != "disk degraded" {
		t.Errorf("program info = %+v", s.Info.Program)
	}
}

func TestCheckFilesystem(t *testing.T) {
	usage := device.Usage{BlockSize: 4096, Blocks: 1000, BlocksFree: 150, BlocksAvail: 150, Files: 100, FilesFree: 90}
	mounted := true
	table := func() ([]device.Entry, error) {
		if !mounted {
			return []device.Entry{{Device: "/dev/root", Mountpoint: "/", Type: "ext4", Options: "rw"}}, nil
		}
		return []device.Entry{
			{Device: "/dev/root", Mountpoint: "/", Type: "ext4", Options: "rw"},
			{Device: "/dev/vdb1", Mountpoint: "/srv/data", Type: "xfs", Options: "rw,noatime"},
		}, nil
	}
	res := device.New(device.Config{
		ProcRoot:        t.TempDir(),
		SysRoot:         t.TempDir(),
		DisableNotifier: true,
		Table:           table,
		Statfs:          func(string) (device.Usage, error) { return usage, nil },
	}, logrus.New())

	c, rec := newChecker(Config{Resolver: res})
	s := service.New("data", service.TypeFilesystem)
	s.Path = "/srv/data"
	space := &service.FilesystemRule{Resource: service.FSSpacePercent, Operator: service.OpGreater, Limit: 80, Action: service.DefaultEventAction(service.ActionAlert)}
	inode := &service.FilesystemRule{Resource: service.FSInodePercent, Operator: service.OpGreater, Limit: 50, Action: service.DefaultEventAction(service.ActionAlert)}
	s.Rules = []service.Rule{space, inode}

	if err := c.Check(context.Background(), s, Env{Now: time.Now()}); err != nil {
		t.Fatal(err)
	}
	expectState(t, rec, "nonexist", service.StateSucceeded)
	expectState(t, rec, space.Key(), service.StateFailed)
	expectState(t, rec, inode.Key(), service.StateSucceeded)

	mounted = false
	rec.reset()
	if err := c.Check(context.Background(), s, Env{Now: time.Now()}); err != nil {
		t.Fatal(err)
	}
	expectState(t, rec, "nonexist", service.StateFailed)
	if _, ok := rec.last(space.Key()); ok {
		t.Error("usage rules must not run for an unmounted filesystem")
	}
}

func TestIsDevicePath(t *testing.T) {
	tests := map[string]bool{
		"/srv/data":         false,
		"server:/export":    true,
		"//fileserver/home": true,
	}
	for path, want := range tests {
		if got := isDevicePath(path); got != want {
			t.Errorf("isDevicePath(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		v    float64
		unit string
		want string
	}{
		{85, "%", "85.0%"},
		{512, "B", "512 B"},
		{1536, "B", "1.5 KB"},
		{3 * 1024 * 1024, "B", "3.0 MB"},
		{90, "s", "1m30s"},
		{2, "", "2"},
		{7, "ops/s", "7 ops/s"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := format(tt.v, tt.unit); got != tt.want {
				t.Errorf("format(%v, %q) = %q, want %q", tt.v, tt.unit, got, tt.want)
			}
		})
	}
}

func TestReadPidFile(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{"ok": "42\n", "bad": "abc", "zero": "0"} {
		os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)
	}
	if pid, err := readPidFile(filepath.Join(dir, "ok")); err != nil || pid != 42 {
		t.Errorf("ok: pid=%d err=%v", pid, err)
	}
	for _, name := range []string{"bad", "zero", "missing"} {
		if _, err := readPidFile(filepath.Join(dir, name)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
