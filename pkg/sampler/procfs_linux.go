//go:build linux

package sampler

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostmon/pkg/process"
	"github.com/invisible-tech/hostmon/pkg/service"
)

// userHZ is the kernel clock tick rate exported through procfs
const userHZ = 100

// ProcfsBackend reads Linux procfs
type ProcfsBackend struct {
	fs       procfs.FS
	root     string
	log      *logrus.Logger
	bootTime time.Time

	prevCPU cpuTimes
	hasPrev bool
}

// NewProcfs returns a backend reading the procfs mounted at cfg.ProcRoot
func NewProcfs(cfg Config, log *logrus.Logger) (*ProcfsBackend, error) {
	root := cfg.ProcRoot
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	st, err := fs.Stat()
	if err != nil {
		return nil, fmt.Errorf("read %s/stat: %w", root, err)
	}
	return &ProcfsBackend{
		fs:       fs,
		root:     root,
		log:      log,
		bootTime: time.Unix(int64(st.BootTime), 0),
	}, nil
}

func (b *ProcfsBackend) Name() string { return "procfs" }

func (b *ProcfsBackend) fail(source string, err error) {
	sampleFailures.WithLabelValues(b.Name(), source).Inc()
	b.log.WithError(err).WithField("source", source).Warn("Failed to read system statistics")
}

// Platform reads host identity, cpu count and memory capacities
func (b *ProcfsBackend) Platform(si *service.SystemInfo) error {
	si.Hostname, _ = os.Hostname()
	si.OSName = b.readTrimmed("sys/kernel/ostype", "Linux")
	si.OSRelease = b.readTrimmed("sys/kernel/osrelease", "")
	si.OSVersion = b.readTrimmed("sys/kernel/version", "")
	si.Machine = runtime.GOARCH
	si.BootTime = b.bootTime

	si.CPUs = runtime.NumCPU()
	if infos, err := b.fs.CPUInfo(); err == nil && len(infos) > 0 {
		si.CPUs = len(infos)
	}

	mi, err := b.fs.Meminfo()
	if err != nil {
		return fmt.Errorf("read meminfo: %w", err)
	}
	si.MemMax = kb(mi.MemTotal)
	si.SwapMax = kb(mi.SwapTotal)
	return nil
}

func (b *ProcfsBackend) readTrimmed(rel, fallback string) string {
	data, err := os.ReadFile(filepath.Join(b.root, rel))
	if err != nil {
		return fallback
	}
	return strings.TrimSpace(string(data))
}

// SystemUsage reads loadavg, meminfo and the aggregate cpu line of stat
func (b *ProcfsBackend) SystemUsage(si *service.SystemInfo) bool {
	ok := true
	now := time.Now()

	if la, err := b.fs.LoadAvg(); err != nil {
		b.fail("loadavg", err)
		ok = false
	} else {
		si.Load = [3]float64{la.Load1, la.Load5, la.Load15}
	}

	if mi, err := b.fs.Meminfo(); err != nil {
		b.fail("meminfo", err)
		ok = false
	} else {
		total := kb(mi.MemTotal)
		var avail uint64
		if mi.MemAvailable != nil {
			avail = kb(mi.MemAvailable)
		} else {
			avail = kb(mi.MemFree) + kb(mi.Buffers) + kb(mi.Cached)
		}
		if avail > total {
			avail = total
		}
		si.MemMax = total
		si.MemUsed = total - avail
		si.MemPercent = percent(si.MemUsed, total)

		swapTotal, swapFree := kb(mi.SwapTotal), kb(mi.SwapFree)
		if swapFree > swapTotal {
			swapFree = swapTotal
		}
		si.SwapMax = swapTotal
		si.SwapUsed = swapTotal - swapFree
		si.SwapPercent = percent(si.SwapUsed, swapTotal)
	}

	if st, err := b.fs.Stat(); err != nil {
		b.fail("stat", err)
		ok = false
	} else {
		c := st.CPUTotal
		cur := cpuTimes{
			user: c.User, nice: c.Nice, system: c.System, idle: c.Idle,
			iowait: c.Iowait, irq: c.IRQ, softirq: c.SoftIRQ, steal: c.Steal,
		}
		si.CPUUser, si.CPUSystem, si.CPUWait = cpuUsage(b.prevCPU, cur, b.hasPrev)
		b.prevCPU, b.hasPrev = cur, true
	}

	if !b.bootTime.IsZero() {
		si.Uptime = now.Sub(b.bootTime).Truncate(time.Second)
	}
	si.Collected = now
	return ok
}

// Processes enumerates /proc. Processes that exit while being read are skipped.
func (b *ProcfsBackend) Processes() ([]process.Record, error) {
	procs, err := b.fs.AllProcs()
	if err != nil {
		sampleFailures.WithLabelValues(b.Name(), "procs").Inc()
		return nil, fmt.Errorf("enumerate processes: %w", err)
	}
	records := make([]process.Record, 0, len(procs))
	for _, p := range procs {
		st, err := p.Stat()
		if err != nil {
			continue
		}
		r := process.Record{
			PID:       p.PID,
			PPID:      st.PPID,
			Name:      st.Comm,
			CPUTime:   time.Duration(st.CPUTime() * float64(time.Second)),
			Memory:    uint64(st.ResidentMemory()),
			StartTime: b.bootTime.Add(time.Duration(st.Starttime) * time.Second / userHZ),
			Threads:   st.NumThreads,
			Zombie:    st.State == "Z",
		}
		if args, err := p.CmdLine(); err == nil && len(args) > 0 {
			r.Cmdline = strings.Join(args, " ")
		}
		r.UID, r.EUID, r.GID = b.owner(p.PID)
		records = append(records, r)
	}
	return records, nil
}

// owner reads the real and effective uid and the real gid from status
func (b *ProcfsBackend) owner(pid int) (uid, euid, gid int) {
	uid, euid, gid = -1, -1, -1
	f, err := os.Open(filepath.Join(b.root, strconv.Itoa(pid), "status"))
	if err != nil {
		return
	}
	defer f.Close()
	sc := bufio.NewScanner(io.LimitReader(f, 64*1024))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "Uid:"):
			fields := strings.Fields(line)
			if len(fields) >= 3 {
				uid, _ = strconv.Atoi(fields[1])
				euid, _ = strconv.Atoi(fields[2])
			}
		case strings.HasPrefix(line, "Gid:"):
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				gid, _ = strconv.Atoi(fields[1])
			}
			return
		}
	}
	return
}

func kb(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v * 1024
}
