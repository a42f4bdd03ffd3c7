package service

import (
	"os"
	"time"

	"github.com/invisible-tech/hostmon/pkg/device"
)

// Info is the sample of one service. Fields prefixed with Prev hold the
// value of the previous cycle and only move forward in Commit, after the
// cycle evaluation of the service completed.
type Info struct {
	Collected time.Time

	Stat       StatInfo
	File       FileInfo
	Filesystem FilesystemInfo
	Process    ProcessInfo
	Program    ProgramInfo
	Host       HostInfo
	System     SystemInfo
}

// StatInfo is the inode data shared by files, directories, fifos and mountpoints
type StatInfo struct {
	Exists    bool
	Mode      os.FileMode
	UID       int
	GID       int
	Inode     uint64
	Size      int64
	Timestamp time.Time
}

// FileInfo holds change tracking for file services
type FileInfo struct {
	Size     int64
	PrevSize int64
	HasSize  bool

	Timestamp     time.Time
	PrevTimestamp time.Time

	Checksum     string
	PrevChecksum string

	Inode     uint64
	PrevInode uint64
	// ReadPos is the offset up to which content was matched
	ReadPos int64
}

// FilesystemInfo is the resolved mount, its usage and I/O activity
type FilesystemInfo struct {
	Object   device.Object
	Usage    device.Usage
	Activity device.Activity
	// HasUsage is false until usage was read once
	HasUsage bool
}

// ProcessInfo is the sample of a process service
type ProcessInfo struct {
	PID      int
	PrevPID  int
	PPID     int
	PrevPPID int

	UID     int
	EUID    int
	GID     int
	Zombie  bool
	Threads int
	// Children counts direct children, Descendants the whole subtree
	Children    int
	Descendants int

	CPUPercent      float64
	TotalCPUPercent float64
	MemPercent      float64
	TotalMemPercent float64
	Memory          uint64
	TotalMemory     uint64

	Uptime  time.Duration
	Cmdline string
}

// ProgramInfo holds the last completed run of a program service
type ProgramInfo struct {
	Started    time.Time
	Running    bool
	HasResult  bool
	ExitStatus int
	Output     string
	Finished   time.Time
}

// PortStatus is the result of one port probe
type PortStatus struct {
	Rule     string
	Port     int
	Protocol string
	OK       bool
	Response time.Duration
	Error    string
}

// HostInfo is the sample of a host service
type HostInfo struct {
	Ports    []PortStatus
	IcmpOK   bool
	IcmpRTT  time.Duration
	HasIcmp  bool
	Resolved string
}

// SystemInfo is the machine-wide sample. CPU percentages are negative until
// two samples were taken.
type SystemInfo struct {
	Collected time.Time

	Hostname  string
	OSName    string
	OSRelease string
	OSVersion string
	Machine   string
	CPUs      int
	BootTime  time.Time
	Uptime    time.Duration

	MemMax      uint64
	MemUsed     uint64
	MemPercent  float64
	SwapMax     uint64
	SwapUsed    uint64
	SwapPercent float64

	Load [3]float64

	CPUUser   float64
	CPUSystem float64
	CPUWait   float64
}

// Commit moves current values into the previous-cycle fields
func (i *Info) Commit() {
	i.Process.PrevPID = i.Process.PID
	i.Process.PrevPPID = i.Process.PPID
	i.File.PrevSize = i.File.Size
	i.File.PrevTimestamp = i.File.Timestamp
	i.File.PrevChecksum = i.File.Checksum
	i.File.PrevInode = i.File.Inode
}

// ResetProcess clears process data when the process is gone
func (i *Info) ResetProcess() {
	prevPID, prevPPID := i.Process.PrevPID, i.Process.PrevPPID
	i.Process = ProcessInfo{PrevPID: prevPID, PrevPPID: prevPPID}
}
