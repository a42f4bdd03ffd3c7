package action

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostmon/pkg/service"
)

type fakeExecutor struct {
	ran    []string
	status int
}

func (f *fakeExecutor) Execute(_ context.Context, cmd *service.Command, _ time.Duration) (Result, error) {
	f.ran = append(f.ran, cmd.String())
	return Result{ExitStatus: f.status}, nil
}

func TestControllerRestartFallsBackToStopStart(t *testing.T) {
	x := &fakeExecutor{}
	c := NewController(x, logrus.New())
	s := service.New("db", service.TypeProcess)
	s.Start = &service.Command{Args: []string{"db", "start"}}
	s.Stop = &service.Command{Args: []string{"db", "stop"}}

	if err := c.Do(context.Background(), s, service.ActionRestart, nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if strings.Join(x.ran, ";") != "db stop;db start" {
		t.Errorf("ran %v, want stop then start", x.ran)
	}
	if s.NStart != 1 || s.Monitor != service.MonitorInit {
		t.Errorf("NStart = %d Monitor = %v", s.NStart, s.Monitor)
	}
}

func TestControllerStopUnmonitors(t *testing.T) {
	x := &fakeExecutor{}
	c := NewController(x, logrus.New())
	s := service.New("db", service.TypeProcess)
	s.Monitor = service.MonitorYes

	if err := c.Do(context.Background(), s, service.ActionStop, nil); !errors.Is(err, ErrNoCommand) {
		t.Fatalf("stop without command: err = %v, want ErrNoCommand", err)
	}
	s.Stop = &service.Command{Args: []string{"db", "stop"}}
	if err := c.Do(context.Background(), s, service.ActionStop, nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if s.Monitor != service.MonitorNot {
		t.Errorf("Monitor = %v, want not monitored", s.Monitor)
	}
	if err := c.Do(context.Background(), s, service.ActionMonitor, nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if s.Monitor != service.MonitorInit {
		t.Errorf("Monitor = %v, want initializing", s.Monitor)
	}
}

func TestControllerReportsExitStatus(t *testing.T) {
	x := &fakeExecutor{status: 3}
	c := NewController(x, logrus.New())
	s := service.New("job", service.TypeProgram)
	err := c.Do(context.Background(), s, service.ActionExec, &service.Command{Args: []string{"/bin/false"}})
	if err == nil || !strings.Contains(err.Error(), "status 3") {
		t.Errorf("err = %v, want exit status error", err)
	}
}

func TestExecExecutor(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	x := &ExecExecutor{MaxOutput: 5}
	res, err := x.Execute(context.Background(), &service.Command{Args: []string{"/bin/sh", "-c", "echo hello world; exit 4"}}, time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitStatus != 4 {
		t.Errorf("ExitStatus = %d, want 4", res.ExitStatus)
	}
	if res.Output != "hello" {
		t.Errorf("Output = %q, want %q", res.Output, "hello")
	}

	_, err = x.Execute(context.Background(), &service.Command{Args: []string{"/bin/sh", "-c", "exec sleep 5"}}, 50*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("err = %v, want timeout", err)
	}

	if _, err := x.Execute(context.Background(), nil, time.Second); !errors.Is(err, ErrNoCommand) {
		t.Errorf("err = %v, want ErrNoCommand", err)
	}
}
