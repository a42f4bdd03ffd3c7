package sampler

import (
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gproc "github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostmon/pkg/process"
	"github.com/invisible-tech/hostmon/pkg/service"
)

// GopsutilBackend samples through gopsutil, which covers macOS and the BSDs
type GopsutilBackend struct {
	log *logrus.Logger

	prevCPU cpuTimes
	hasPrev bool
}

// NewGopsutil returns the portable backend
func NewGopsutil(log *logrus.Logger) (*GopsutilBackend, error) {
	if _, err := host.BootTime(); err != nil {
		return nil, fmt.Errorf("gopsutil host: %w", err)
	}
	return &GopsutilBackend{log: log}, nil
}

func (b *GopsutilBackend) Name() string { return "gopsutil" }

func (b *GopsutilBackend) fail(source string, err error) {
	sampleFailures.WithLabelValues(b.Name(), source).Inc()
	b.log.WithError(err).WithField("source", source).Warn("Failed to read system statistics")
}

func (b *GopsutilBackend) Platform(si *service.SystemInfo) error {
	hi, err := host.Info()
	if err != nil {
		return fmt.Errorf("host info: %w", err)
	}
	si.Hostname = hi.Hostname
	si.OSName = hi.OS
	si.OSRelease = hi.PlatformVersion
	si.OSVersion = hi.KernelVersion
	si.Machine = hi.KernelArch
	if si.Machine == "" {
		si.Machine = runtime.GOARCH
	}
	si.BootTime = time.Unix(int64(hi.BootTime), 0)

	si.CPUs = runtime.NumCPU()
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		si.CPUs = n
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return fmt.Errorf("virtual memory: %w", err)
	}
	si.MemMax = vm.Total
	if sw, err := mem.SwapMemory(); err == nil {
		si.SwapMax = sw.Total
	}
	return nil
}

func (b *GopsutilBackend) SystemUsage(si *service.SystemInfo) bool {
	ok := true
	now := time.Now()

	if la, err := load.Avg(); err != nil {
		b.fail("load", err)
		ok = false
	} else {
		si.Load = [3]float64{la.Load1, la.Load5, la.Load15}
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		b.fail("memory", err)
		ok = false
	} else {
		used := vm.Total - min(vm.Available, vm.Total)
		si.MemMax = vm.Total
		si.MemUsed = used
		si.MemPercent = percent(used, vm.Total)
	}

	if sw, err := mem.SwapMemory(); err != nil {
		b.fail("swap", err)
		ok = false
	} else {
		si.SwapMax = sw.Total
		si.SwapUsed = sw.Used
		si.SwapPercent = percent(sw.Used, sw.Total)
	}

	if times, err := cpu.Times(false); err != nil || len(times) == 0 {
		if err == nil {
			err = fmt.Errorf("no cpu times")
		}
		b.fail("cpu", err)
		ok = false
	} else {
		c := times[0]
		cur := cpuTimes{
			user: c.User, nice: c.Nice, system: c.System, idle: c.Idle,
			iowait: c.Iowait, irq: c.Irq, softirq: c.Softirq, steal: c.Steal,
		}
		si.CPUUser, si.CPUSystem, si.CPUWait = cpuUsage(b.prevCPU, cur, b.hasPrev)
		b.prevCPU, b.hasPrev = cur, true
	}

	if up, err := host.Uptime(); err == nil {
		si.Uptime = time.Duration(up) * time.Second
	}
	si.Collected = now
	return ok
}

func (b *GopsutilBackend) Processes() ([]process.Record, error) {
	procs, err := gproc.Processes()
	if err != nil {
		sampleFailures.WithLabelValues(b.Name(), "procs").Inc()
		return nil, fmt.Errorf("enumerate processes: %w", err)
	}
	records := make([]process.Record, 0, len(procs))
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil {
			continue
		}
		r := process.Record{PID: int(p.Pid), PPID: int(ppid), UID: -1, EUID: -1, GID: -1}
		r.Name, _ = p.Name()
		r.Cmdline, _ = p.Cmdline()
		if uids, err := p.Uids(); err == nil && len(uids) >= 2 {
			r.UID, r.EUID = int(uids[0]), int(uids[1])
		}
		if gids, err := p.Gids(); err == nil && len(gids) >= 1 {
			r.GID = int(gids[0])
		}
		if t, err := p.Times(); err == nil {
			r.CPUTime = time.Duration((t.User + t.System) * float64(time.Second))
		}
		if mi, err := p.MemoryInfo(); err == nil {
			r.Memory = mi.RSS
		}
		if ms, err := p.CreateTime(); err == nil {
			r.StartTime = time.UnixMilli(ms)
		}
		if n, err := p.NumThreads(); err == nil {
			r.Threads = int(n)
		}
		if status, err := p.Status(); err == nil {
			for _, s := range status {
				if s == gproc.Zombie {
					r.Zombie = true
				}
			}
		}
		records = append(records, r)
	}
	return records, nil
}
