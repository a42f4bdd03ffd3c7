package types

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// Title returns the heading of a service block, e.g. "Filesystem 'rootfs'"
func (s *ServiceStatus) Title() string {
	if s.Type == "" {
		return fmt.Sprintf("'%s'", s.Name)
	}
	return fmt.Sprintf("%s%s '%s'", strings.ToUpper(s.Type[:1]), s.Type[1:], s.Name)
}

// Filter returns a copy of the report holding only the named service, or
// the whole report when name is empty
func (r *StatusReport) Filter(name string) (*StatusReport, bool) {
	if name == "" {
		return r, true
	}
	out := *r
	out.Services = nil
	for _, s := range r.Services {
		if s.Name == name {
			out.Services = append(out.Services, s)
		}
	}
	return &out, len(out.Services) > 0
}

// WriteSummary writes one line per service
func (r *StatusReport) WriteSummary(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "Hostmon %s uptime: %s\n\n", r.Server.Hostname, time.Duration(r.Server.Uptime)*time.Second)
	fmt.Fprintln(tw, "Service Name\tStatus\tType")
	for _, s := range r.Services {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, s.Status, s.Type)
	}
	return tw.Flush()
}

// WriteText writes the full report, one block per service
func (r *StatusReport) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "Hostmon %s uptime: %s\n", r.Server.Hostname, time.Duration(r.Server.Uptime)*time.Second)
	for i := range r.Services {
		s := &r.Services[i]
		fmt.Fprintf(tw, "\n%s\n", s.Title())
		row(tw, "status", s.Status)
		row(tw, "monitoring status", s.Monitor)
		row(tw, "monitoring mode", s.Mode)
		if s.PendingAction != "" {
			row(tw, "pending action", s.PendingAction)
		}
		switch {
		case s.Filesystem != nil:
			writeFilesystem(tw, s.Filesystem)
		case s.File != nil:
			writeFile(tw, s.File)
		case s.Process != nil:
			writeProcess(tw, s.Process)
		case s.System != nil:
			writeSystem(tw, s.System)
		case s.Host != nil:
			writeHost(tw, s.Host)
		case s.Program != nil:
			writeProgram(tw, s.Program)
		}
		if !s.Collected.IsZero() {
			row(tw, "data collected", s.Collected.Format(time.RFC1123))
		}
	}
	return tw.Flush()
}

func row(w io.Writer, key string, value any) {
	fmt.Fprintf(w, "  %s\t%v\n", key, value)
}

func byteSize(v uint64) string {
	const unit = 1024
	if v < unit {
		return fmt.Sprintf("%d B", v)
	}
	div, exp := uint64(unit), 0
	for n := v / unit; n >= unit && exp < 5; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(v)/float64(div), "KMGTPE"[exp])
}

func writeFilesystem(w io.Writer, fs *FilesystemStatus) {
	row(w, "filesystem type", fs.FSType)
	row(w, "filesystem flags", fs.Flags)
	row(w, "device", fs.Device)
	row(w, "mountpoint", fs.Mountpoint)
	row(w, "space total", byteSize(fs.SpaceTotal))
	row(w, "space used", fmt.Sprintf("%s [%.1f%%]", byteSize(fs.SpaceUsed), fs.SpacePercent))
	if fs.InodeTotal > 0 {
		row(w, "inodes total", fs.InodeTotal)
		row(w, "inodes used", fmt.Sprintf("%d [%.1f%%]", fs.InodeUsed, fs.InodePercent))
	}
	if fs.IOStrategy != "none" {
		row(w, "read", fmt.Sprintf("%s/s, %.1f reads/s", byteSize(uint64(fs.ReadBytes)), fs.ReadOps))
		row(w, "write", fmt.Sprintf("%s/s, %.1f writes/s", byteSize(uint64(fs.WriteBytes)), fs.WriteOps))
	}
}

func writeFile(w io.Writer, f *FileStatus) {
	row(w, "permission", f.Mode)
	row(w, "uid", f.UID)
	row(w, "gid", f.GID)
	row(w, "size", byteSize(uint64(max(f.Size, 0))))
	row(w, "timestamp", f.Timestamp.Format(time.RFC1123))
	if f.Checksum != "" {
		row(w, "checksum", f.Checksum)
	}
}

func writeProcess(w io.Writer, p *ProcessStatus) {
	row(w, "pid", p.PID)
	row(w, "parent pid", p.PPID)
	row(w, "uid", p.UID)
	row(w, "effective uid", p.EUID)
	row(w, "gid", p.GID)
	row(w, "uptime", time.Duration(p.Uptime)*time.Second)
	row(w, "threads", p.Threads)
	row(w, "children", p.Children)
	row(w, "cpu", fmt.Sprintf("%.1f%%", p.CPUPercent))
	row(w, "cpu total", fmt.Sprintf("%.1f%%", p.TotalCPUPercent))
	row(w, "memory", fmt.Sprintf("%.1f%% [%s]", p.MemPercent, byteSize(p.Memory*1024)))
	row(w, "memory total", fmt.Sprintf("%.1f%% [%s]", p.TotalMemPercent, byteSize(p.TotalMemory*1024)))
	if p.Zombie {
		row(w, "zombie", "yes")
	}
}

func cpuValue(v float64) string {
	if v < 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", v)
}

func writeSystem(w io.Writer, s *SystemStatus) {
	row(w, "load average", fmt.Sprintf("[%.2f] [%.2f] [%.2f]", s.Load[0], s.Load[1], s.Load[2]))
	row(w, "cpu", fmt.Sprintf("%susr %ssys %swa", cpuValue(s.CPUUser), cpuValue(s.CPUSystem), cpuValue(s.CPUWait)))
	row(w, "memory usage", fmt.Sprintf("%s [%.1f%%]", byteSize(s.MemUsed*1024), s.MemPercent))
	row(w, "swap usage", fmt.Sprintf("%s [%.1f%%]", byteSize(s.SwapUsed*1024), s.SwapPercent))
	row(w, "uptime", time.Duration(s.Uptime)*time.Second)
}

func writeHost(w io.Writer, h *HostStatus) {
	row(w, "address", h.Address)
	for _, p := range h.Ports {
		state := "ok"
		if !p.OK {
			state = "failed: " + p.Error
		}
		row(w, fmt.Sprintf("port %d", p.Port), fmt.Sprintf("%s [%.3fs]", state, p.ResponseTime))
	}
	if h.Icmp != nil {
		state := "ok"
		if !h.Icmp.OK {
			state = "failed"
		}
		row(w, "ping", fmt.Sprintf("%s [%.3fs]", state, h.Icmp.ResponseTime))
	}
}

func writeProgram(w io.Writer, p *ProgramStatus) {
	row(w, "last started", p.Started.Format(time.RFC1123))
	if p.ExitStatus != nil {
		row(w, "last exit value", *p.ExitStatus)
	}
	if p.Output != "" {
		row(w, "last output", strings.ReplaceAll(p.Output, "\n", " "))
	}
}
