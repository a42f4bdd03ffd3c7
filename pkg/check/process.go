package check

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/invisible-tech/hostmon/pkg/process"
	"github.com/invisible-tech/hostmon/pkg/service"
)

// ErrNoProcessTree is returned when the cycle has no process data
var ErrNoProcessTree = errors.New("process tree not available")

// readPidFile returns the pid stored in path
func readPidFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, 64))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid in %s", path)
	}
	return pid, nil
}

func (c *Checker) findProcess(s *service.Service, env Env) *process.Node {
	if s.Path != "" {
		pid, err := readPidFile(s.Path)
		if err != nil {
			c.log.WithError(err).WithField("service", s.Name).Debug("Cannot read pid file")
			return nil
		}
		if pid == env.Self {
			return nil
		}
		return env.Tree.Find(pid)
	}
	if s.Match != nil {
		return env.Tree.Match(s.Match, env.Self)
	}
	return nil
}

func (c *Checker) checkProcess(ctx context.Context, s *service.Service, env Env) error {
	if env.Tree.Len() == 0 {
		return ErrNoProcessTree
	}
	node := c.findProcess(s, env)
	p := &s.Info.Process
	if node == nil {
		s.Info.ResetProcess()
		c.events.PostImplicit(ctx, s, service.EventNonExist, service.StateFailed, "process is not running")
		c.checkActionRate(ctx, s)
		return nil
	}
	c.events.PostImplicit(ctx, s, service.EventNonExist, service.StateSucceeded, "process is running with pid %d", node.PID)

	p.PID = node.PID
	p.PPID = node.PPID
	p.UID = node.UID
	p.EUID = node.EUID
	p.GID = node.GID
	p.Zombie = node.Zombie
	p.Threads = node.Threads
	p.Children = len(node.Children)
	p.Descendants = node.Descendants
	p.CPUPercent = node.CPUPercent
	p.TotalCPUPercent = node.TotalCPUPercent
	p.MemPercent = node.MemPercent
	p.TotalMemPercent = node.TotalMemPercent
	p.Memory = node.Memory
	p.TotalMemory = node.TotalMemory
	p.Uptime = node.Uptime(env.Now)
	p.Cmdline = node.Cmdline

	if p.PrevPID != 0 && p.PrevPID != p.PID {
		c.events.PostImplicit(ctx, s, service.EventPid, service.StateChanged, "process PID changed from %d to %d", p.PrevPID, p.PID)
	} else {
		c.events.PostImplicit(ctx, s, service.EventPid, service.StateChangedNot, "process PID has not changed since last cycle")
	}
	if p.PrevPPID != 0 && p.PrevPPID != p.PPID {
		c.events.PostImplicit(ctx, s, service.EventPPid, service.StateChanged, "process PPID changed from %d to %d", p.PrevPPID, p.PPID)
	} else {
		c.events.PostImplicit(ctx, s, service.EventPPid, service.StateChangedNot, "process PPID has not changed since last cycle")
	}
	if p.Zombie {
		c.events.PostImplicit(ctx, s, service.EventData, service.StateFailed, "process with pid %d is a zombie", p.PID)
	} else {
		c.events.PostImplicit(ctx, s, service.EventData, service.StateSucceeded, "zombie check succeeded")
	}

	for _, r := range s.Rules {
		switch r := r.(type) {
		case *service.ResourceRule:
			value, unit, ok := processValue(p, r.Resource)
			if !ok {
				continue
			}
			c.compare(ctx, s, r, r.Operator, value, r.Limit, strings.ReplaceAll(r.Resource.String(), "_", " "), unit)
		case *service.UptimeRule:
			c.compare(ctx, s, r, r.Operator, p.Uptime.Seconds(), r.Limit.Seconds(), "uptime", "s")
		case *service.UIDRule:
			uid := p.UID
			if r.Effective {
				uid = p.EUID
			}
			if uid != r.UID {
				c.events.PostRule(ctx, s, r, service.StateFailed, "%s test failed -- current is %d", ruleName(r), uid)
			} else {
				c.events.PostRule(ctx, s, r, service.StateSucceeded, "%s test succeeded [current = %d]", ruleName(r), uid)
			}
		case *service.GIDRule:
			if p.GID != r.GID {
				c.events.PostRule(ctx, s, r, service.StateFailed, "gid test failed -- current gid is %d", p.GID)
			} else {
				c.events.PostRule(ctx, s, r, service.StateSucceeded, "gid test succeeded [current gid = %d]", p.GID)
			}
		}
	}
	c.checkActionRate(ctx, s)
	return nil
}

func ruleName(r *service.UIDRule) string {
	if r.Effective {
		return "euid"
	}
	return "uid"
}

// checkActionRate fails when the service was started Count times within
// Cycles cycles. The start counter restarts after the longest window.
func (c *Checker) checkActionRate(ctx context.Context, s *service.Service) {
	window := 0
	for _, r := range s.Rules {
		if r, ok := r.(*service.ActionRateRule); ok && r.Cycles > window {
			window = r.Cycles
		}
	}
	if window == 0 {
		return
	}
	s.NCycle++
	for _, r := range s.Rules {
		ar, ok := r.(*service.ActionRateRule)
		if !ok {
			continue
		}
		if s.NStart >= ar.Count && s.NCycle <= ar.Cycles {
			c.events.PostRule(ctx, s, ar, service.StateFailed, "service restarted %d times within %d cycles", s.NStart, s.NCycle)
		} else {
			c.events.PostRule(ctx, s, ar, service.StateSucceeded, "restart rate test succeeded")
		}
	}
	if s.NCycle >= window {
		s.NStart = 0
		s.NCycle = 0
	}
}

func processValue(p *service.ProcessInfo, res service.ResourceID) (float64, string, bool) {
	switch res {
	case service.ResourceCPUPercent:
		return p.CPUPercent, "%", true
	case service.ResourceTotalCPUPercent:
		return p.TotalCPUPercent, "%", true
	case service.ResourceMemPercent:
		return p.MemPercent, "%", true
	case service.ResourceMemBytes:
		return float64(p.Memory), "B", true
	case service.ResourceTotalMemPercent:
		return p.TotalMemPercent, "%", true
	case service.ResourceTotalMemBytes:
		return float64(p.TotalMemory), "B", true
	case service.ResourceChildren:
		return float64(p.Descendants), "", true
	case service.ResourceThreads:
		return float64(p.Threads), "", true
	}
	return 0, "", false
}
