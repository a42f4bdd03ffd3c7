// Package types defines the status report and control API documents shared
// by the daemon HTTP interface and the command line client.
package types

import (
	"encoding/xml"
	"sort"
	"time"

	"github.com/invisible-tech/hostmon/pkg/service"
)

// StatusReport is the state of the daemon and all its services
type StatusReport struct {
	XMLName  xml.Name        `json:"-" xml:"hostmon"`
	Server   ServerInfo      `json:"server" xml:"server"`
	Platform PlatformInfo    `json:"platform" xml:"platform"`
	Services []ServiceStatus `json:"services" xml:"services>service"`
}

// ServerInfo describes the daemon
type ServerInfo struct {
	ID          string    `json:"id" xml:"id"`
	Version     string    `json:"version" xml:"version"`
	Hostname    string    `json:"hostname" xml:"localhostname"`
	Started     time.Time `json:"started" xml:"started"`
	Uptime      int64     `json:"uptime" xml:"uptime"`
	Poll        int64     `json:"poll" xml:"poll"`
	Cycles      uint64    `json:"cycles" xml:"cycles"`
	LastCycle   time.Time `json:"last_cycle" xml:"lastcycle"`
	HTTPAddress string    `json:"http_address,omitempty" xml:"httpd>address,omitempty"`
}

// PlatformInfo describes the machine
type PlatformInfo struct {
	Name    string `json:"name" xml:"name"`
	Release string `json:"release" xml:"release"`
	Version string `json:"version" xml:"version"`
	Machine string `json:"machine" xml:"machine"`
	CPU     int    `json:"cpu" xml:"cpu"`
	Memory  uint64 `json:"memory" xml:"memory"`
	Swap    uint64 `json:"swap" xml:"swap"`
}

// ServiceStatus is one service in the report
type ServiceStatus struct {
	Name          string    `json:"name" xml:"name,attr"`
	Type          string    `json:"type" xml:"type,attr"`
	Status        string    `json:"status" xml:"status"`
	Failed        bool      `json:"failed" xml:"failed"`
	Monitor       string    `json:"monitor" xml:"monitor"`
	Mode          string    `json:"mode" xml:"monitormode"`
	Collected     time.Time `json:"collected,omitempty" xml:"collected,omitempty"`
	PendingAction string    `json:"pending_action,omitempty" xml:"pendingaction,omitempty"`

	Filesystem *FilesystemStatus `json:"filesystem,omitempty" xml:"filesystem,omitempty"`
	File       *FileStatus       `json:"file,omitempty" xml:"file,omitempty"`
	Process    *ProcessStatus    `json:"process,omitempty" xml:"process,omitempty"`
	System     *SystemStatus     `json:"system,omitempty" xml:"system,omitempty"`
	Host       *HostStatus       `json:"host,omitempty" xml:"host,omitempty"`
	Program    *ProgramStatus    `json:"program,omitempty" xml:"program,omitempty"`

	Events []EventStatus `json:"events,omitempty" xml:"events>event,omitempty"`
}

// FilesystemStatus is the usage and activity of a filesystem
type FilesystemStatus struct {
	Device       string  `json:"device" xml:"device"`
	Mountpoint   string  `json:"mountpoint" xml:"mountpoint"`
	FSType       string  `json:"fstype" xml:"fstype"`
	Flags        string  `json:"flags" xml:"flags"`
	Mounted      bool    `json:"mounted" xml:"mounted"`
	SpaceTotal   uint64  `json:"space_total" xml:"block>total"`
	SpaceUsed    uint64  `json:"space_used" xml:"block>usage"`
	SpacePercent float64 `json:"space_percent" xml:"block>percent"`
	InodeTotal   uint64  `json:"inode_total,omitempty" xml:"inode>total,omitempty"`
	InodeUsed    uint64  `json:"inode_used,omitempty" xml:"inode>usage,omitempty"`
	InodePercent float64 `json:"inode_percent,omitempty" xml:"inode>percent,omitempty"`
	ReadBytes    float64 `json:"read_bytes_per_sec" xml:"read>bytes"`
	ReadOps      float64 `json:"read_ops_per_sec" xml:"read>operations"`
	WriteBytes   float64 `json:"write_bytes_per_sec" xml:"write>bytes"`
	WriteOps     float64 `json:"write_ops_per_sec" xml:"write>operations"`
	IOStrategy   string  `json:"io_source" xml:"iosource"`
}

// FileStatus is the inode data of a file, directory or fifo
type FileStatus struct {
	Mode      string    `json:"mode" xml:"mode"`
	UID       int       `json:"uid" xml:"uid"`
	GID       int       `json:"gid" xml:"gid"`
	Size      int64     `json:"size,omitempty" xml:"size,omitempty"`
	Timestamp time.Time `json:"timestamp" xml:"timestamp"`
	Checksum  string    `json:"checksum,omitempty" xml:"checksum,omitempty"`
}

// ProcessStatus is the sample of a process
type ProcessStatus struct {
	PID             int     `json:"pid" xml:"pid"`
	PPID            int     `json:"ppid" xml:"ppid"`
	UID             int     `json:"uid" xml:"uid"`
	EUID            int     `json:"euid" xml:"euid"`
	GID             int     `json:"gid" xml:"gid"`
	Uptime          int64   `json:"uptime" xml:"uptime"`
	Threads         int     `json:"threads" xml:"threads"`
	Children        int     `json:"children" xml:"children"`
	CPUPercent      float64 `json:"cpu_percent" xml:"cpu>percent"`
	TotalCPUPercent float64 `json:"cpu_percent_total" xml:"cpu>percenttotal"`
	Memory          uint64  `json:"memory" xml:"memory>kilobyte"`
	TotalMemory     uint64  `json:"memory_total" xml:"memory>kilobytetotal"`
	MemPercent      float64 `json:"memory_percent" xml:"memory>percent"`
	TotalMemPercent float64 `json:"memory_percent_total" xml:"memory>percenttotal"`
	Zombie          bool    `json:"zombie,omitempty" xml:"zombie,omitempty"`
	Cmdline         string  `json:"cmdline,omitempty" xml:"cmdline,omitempty"`
}

// SystemStatus is the machine-wide sample. CPU values are negative until known.
type SystemStatus struct {
	Load        [3]float64 `json:"load" xml:"-"`
	Load1       float64    `json:"-" xml:"load>avg01"`
	Load5       float64    `json:"-" xml:"load>avg05"`
	Load15      float64    `json:"-" xml:"load>avg15"`
	CPUUser     float64    `json:"cpu_user" xml:"cpu>user"`
	CPUSystem   float64    `json:"cpu_system" xml:"cpu>system"`
	CPUWait     float64    `json:"cpu_wait" xml:"cpu>wait"`
	MemUsed     uint64     `json:"memory_used" xml:"memory>kilobyte"`
	MemPercent  float64    `json:"memory_percent" xml:"memory>percent"`
	SwapUsed    uint64     `json:"swap_used" xml:"swap>kilobyte"`
	SwapPercent float64    `json:"swap_percent" xml:"swap>percent"`
	Uptime      int64      `json:"uptime" xml:"uptime"`
}

// HostStatus is the result of the network probes of a host
type HostStatus struct {
	Address string       `json:"address" xml:"address"`
	Ports   []PortStatus `json:"ports,omitempty" xml:"port,omitempty"`
	Icmp    *IcmpStatus  `json:"icmp,omitempty" xml:"icmp,omitempty"`
}

// PortStatus is one port probe
type PortStatus struct {
	Port         int     `json:"port" xml:"portnumber"`
	Protocol     string  `json:"protocol,omitempty" xml:"protocol,omitempty"`
	OK           bool    `json:"ok" xml:"ok"`
	ResponseTime float64 `json:"response_time" xml:"responsetime"`
	Error        string  `json:"error,omitempty" xml:"error,omitempty"`
}

// IcmpStatus is the last ping result
type IcmpStatus struct {
	OK           bool    `json:"ok" xml:"ok"`
	ResponseTime float64 `json:"response_time" xml:"responsetime"`
}

// ProgramStatus is the last run of a program
type ProgramStatus struct {
	Started    time.Time `json:"started" xml:"started"`
	Running    bool      `json:"running" xml:"running"`
	ExitStatus *int      `json:"exit_status,omitempty" xml:"status,omitempty"`
	Output     string    `json:"output,omitempty" xml:"output,omitempty"`
}

// EventStatus is an open event of a service
type EventStatus struct {
	ID        string    `json:"id" xml:"id,attr"`
	Event     string    `json:"event" xml:"type"`
	State     string    `json:"state" xml:"state"`
	Cycles    int       `json:"cycles" xml:"cycles"`
	StateMap  string    `json:"state_map" xml:"statemap"`
	Message   string    `json:"message" xml:"message"`
	Collected time.Time `json:"collected" xml:"collected"`
}

// NewServiceStatus builds the report entry of s
func NewServiceStatus(s *service.Service) ServiceStatus {
	st := ServiceStatus{
		Name:      s.Name,
		Type:      s.Type.String(),
		Status:    s.StatusText(),
		Failed:    s.Failed(),
		Monitor:   s.Monitor.String(),
		Mode:      s.Mode.String(),
		Collected: s.Info.Collected,
	}
	if s.DoAction != service.ActionIgnore {
		st.PendingAction = s.DoAction.String()
	}
	info := &s.Info
	if s.Monitored() && !info.Collected.IsZero() {
		switch s.Type {
		case service.TypeFilesystem:
			st.Filesystem = filesystemStatus(&info.Filesystem)
		case service.TypeFile, service.TypeDirectory, service.TypeFifo:
			st.File = fileStatus(info)
		case service.TypeProcess:
			st.Process = processStatus(&info.Process)
		case service.TypeSystem:
			st.System = systemStatus(&info.System)
		case service.TypeHost:
			st.Host = hostStatus(s.Address, &info.Host)
		case service.TypeProgram:
			st.Program = programStatus(&info.Program)
		}
	}
	for _, e := range s.Events {
		st.Events = append(st.Events, EventStatus{
			ID:        e.ID,
			Event:     e.Kind.String(),
			State:     e.State.String(),
			Cycles:    e.Count,
			StateMap:  e.Map.String(),
			Message:   e.Message,
			Collected: e.Collected,
		})
	}
	sort.Slice(st.Events, func(i, j int) bool { return st.Events[i].Event < st.Events[j].Event })
	return st
}

func filesystemStatus(fs *service.FilesystemInfo) *FilesystemStatus {
	o, u, a := &fs.Object, fs.Usage, &fs.Activity
	out := &FilesystemStatus{
		Device:     o.Device,
		Mountpoint: o.Mountpoint,
		FSType:     o.Type,
		Flags:      o.Options,
		Mounted:    o.Mounted,
		IOStrategy: o.Strategy.String(),
	}
	if fs.HasUsage {
		out.SpaceTotal = u.SpaceTotal()
		out.SpaceUsed = u.SpaceUsed()
		out.SpacePercent = u.SpacePercent()
		if u.HasInodes() {
			out.InodeTotal = u.Files
			out.InodeUsed = u.InodesUsed()
			out.InodePercent = u.InodePercent()
		}
	}
	out.ReadBytes = a.ReadBytes.Rate()
	out.WriteBytes = a.WriteBytes.Rate()
	out.ReadOps = a.ReadOps.Rate()
	out.WriteOps = a.WriteOps.Rate()
	return out
}

func fileStatus(info *service.Info) *FileStatus {
	return &FileStatus{
		Mode:      info.Stat.Mode.String(),
		UID:       info.Stat.UID,
		GID:       info.Stat.GID,
		Size:      info.File.Size,
		Timestamp: info.File.Timestamp,
		Checksum:  info.File.Checksum,
	}
}

func processStatus(p *service.ProcessInfo) *ProcessStatus {
	return &ProcessStatus{
		PID:             p.PID,
		PPID:            p.PPID,
		UID:             p.UID,
		EUID:            p.EUID,
		GID:             p.GID,
		Uptime:          int64(p.Uptime.Seconds()),
		Threads:         p.Threads,
		Children:        p.Descendants,
		CPUPercent:      p.CPUPercent,
		TotalCPUPercent: p.TotalCPUPercent,
		Memory:          p.Memory / 1024,
		TotalMemory:     p.TotalMemory / 1024,
		MemPercent:      p.MemPercent,
		TotalMemPercent: p.TotalMemPercent,
		Zombie:          p.Zombie,
		Cmdline:         p.Cmdline,
	}
}

func systemStatus(si *service.SystemInfo) *SystemStatus {
	return &SystemStatus{
		Load:        si.Load,
		Load1:       si.Load[0],
		Load5:       si.Load[1],
		Load15:      si.Load[2],
		CPUUser:     si.CPUUser,
		CPUSystem:   si.CPUSystem,
		CPUWait:     si.CPUWait,
		MemUsed:     si.MemUsed / 1024,
		MemPercent:  si.MemPercent,
		SwapUsed:    si.SwapUsed / 1024,
		SwapPercent: si.SwapPercent,
		Uptime:      int64(si.Uptime.Seconds()),
	}
}

func hostStatus(address string, h *service.HostInfo) *HostStatus {
	out := &HostStatus{Address: address}
	for _, p := range h.Ports {
		out.Ports = append(out.Ports, PortStatus{
			Port:         p.Port,
			Protocol:     p.Protocol,
			OK:           p.OK,
			ResponseTime: p.Response.Seconds(),
			Error:        p.Error,
		})
	}
	if h.HasIcmp {
		out.Icmp = &IcmpStatus{OK: h.IcmpOK, ResponseTime: h.IcmpRTT.Seconds()}
	}
	return out
}

func programStatus(p *service.ProgramInfo) *ProgramStatus {
	out := &ProgramStatus{Started: p.Started, Running: p.Running, Output: p.Output}
	if p.HasResult {
		code := p.ExitStatus
		out.ExitStatus = &code
	}
	return out
}
