package service

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Operator compares a sampled value with a rule limit
type Operator int

const (
	OpGreater Operator = iota
	OpLess
	OpEqual
	OpNotEqual
	OpChanged
)

var operatorNames = [...]string{
	OpGreater:  ">",
	OpLess:     "<",
	OpEqual:    "=",
	OpNotEqual: "!=",
	OpChanged:  "changed",
}

func (o Operator) String() string {
	if o >= 0 && int(o) < len(operatorNames) {
		return operatorNames[o]
	}
	return "?"
}

// ParseOperator accepts the symbolic and word forms of an operator
func ParseOperator(s string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case ">", "gt", "greater":
		return OpGreater, nil
	case "<", "lt", "less":
		return OpLess, nil
	case "=", "==", "eq", "equal":
		return OpEqual, nil
	case "!=", "<>", "ne", "notequal":
		return OpNotEqual, nil
	case "changed", "change":
		return OpChanged, nil
	}
	return OpGreater, fmt.Errorf("unknown operator %q", s)
}

// Compare applies the operator to value and limit. OpChanged compares the
// value with the previous one passed as limit.
func (o Operator) Compare(value, limit float64) bool {
	switch o {
	case OpGreater:
		return value > limit
	case OpLess:
		return value < limit
	case OpEqual:
		return value == limit
	case OpNotEqual, OpChanged:
		return value != limit
	}
	return false
}

// Rule is one configured check. Key identifies the rule within its service
// and pairs it with its Event.
type Rule interface {
	Key() string
	Kind() EventKind
	EventAction() *EventAction
}

// ResourceID names a process or system resource
type ResourceID int

const (
	ResourceCPUPercent ResourceID = iota
	ResourceMemPercent
	ResourceMemBytes
	ResourceLoad1
	ResourceLoad5
	ResourceLoad15
	ResourceChildren
	ResourceTotalMemBytes
	ResourceTotalMemPercent
	ResourceCPUUser
	ResourceCPUSystem
	ResourceCPUWait
	ResourceTotalCPUPercent
	ResourceSwapPercent
	ResourceSwapBytes
	ResourceThreads
)

var resourceNames = [...]string{
	ResourceCPUPercent:      "cpu_percent",
	ResourceMemPercent:      "mem_percent",
	ResourceMemBytes:        "mem_bytes",
	ResourceLoad1:           "load1",
	ResourceLoad5:           "load5",
	ResourceLoad15:          "load15",
	ResourceChildren:        "children",
	ResourceTotalMemBytes:   "total_mem_bytes",
	ResourceTotalMemPercent: "total_mem_percent",
	ResourceCPUUser:         "cpu_user",
	ResourceCPUSystem:       "cpu_system",
	ResourceCPUWait:         "cpu_wait",
	ResourceTotalCPUPercent: "total_cpu_percent",
	ResourceSwapPercent:     "swap_percent",
	ResourceSwapBytes:       "swap_bytes",
	ResourceThreads:         "threads",
}

func (r ResourceID) String() string {
	if r >= 0 && int(r) < len(resourceNames) {
		return resourceNames[r]
	}
	return "unknown"
}

// ParseResource converts a resource name to a ResourceID
func ParseResource(s string) (ResourceID, error) {
	for i, n := range resourceNames {
		if n == strings.ToLower(s) {
			return ResourceID(i), nil
		}
	}
	return 0, fmt.Errorf("unknown resource %q", s)
}

// ResourceRule tests a process or system resource against a limit
type ResourceRule struct {
	Resource ResourceID
	Operator Operator
	Limit    float64
	Action   EventAction
}

func (r *ResourceRule) Key() string {
	return fmt.Sprintf("resource:%s%s%g", r.Resource, r.Operator, r.Limit)
}
func (r *ResourceRule) Kind() EventKind            { return EventResource }
func (r *ResourceRule) EventAction() *EventAction { return &r.Action }

// FilesystemResource names a filesystem usage or activity value
type FilesystemResource int

const (
	FSSpacePercent FilesystemResource = iota
	FSSpaceBytes
	FSSpaceFreePercent
	FSSpaceFreeBytes
	FSInodePercent
	FSInodeCount
	FSInodeFreePercent
	FSInodeFreeCount
	FSReadBytesRate
	FSWriteBytesRate
	FSReadOpsRate
	FSWriteOpsRate
)

var fsResourceNames = [...]string{
	FSSpacePercent:     "space_percent",
	FSSpaceBytes:       "space_bytes",
	FSSpaceFreePercent: "space_free_percent",
	FSSpaceFreeBytes:   "space_free_bytes",
	FSInodePercent:     "inode_percent",
	FSInodeCount:       "inode_count",
	FSInodeFreePercent: "inode_free_percent",
	FSInodeFreeCount:   "inode_free_count",
	FSReadBytesRate:    "read_bytes_rate",
	FSWriteBytesRate:   "write_bytes_rate",
	FSReadOpsRate:      "read_ops_rate",
	FSWriteOpsRate:     "write_ops_rate",
}

func (r FilesystemResource) String() string {
	if r >= 0 && int(r) < len(fsResourceNames) {
		return fsResourceNames[r]
	}
	return "unknown"
}

// ParseFilesystemResource converts a name to a FilesystemResource
func ParseFilesystemResource(s string) (FilesystemResource, error) {
	for i, n := range fsResourceNames {
		if n == strings.ToLower(s) {
			return FilesystemResource(i), nil
		}
	}
	return 0, fmt.Errorf("unknown filesystem resource %q", s)
}

// FilesystemRule tests space, inode or I/O activity of a filesystem
type FilesystemRule struct {
	Resource FilesystemResource
	Operator Operator
	Limit    float64
	Action   EventAction
}

func (r *FilesystemRule) Key() string {
	return fmt.Sprintf("filesystem:%s%s%g", r.Resource, r.Operator, r.Limit)
}
func (r *FilesystemRule) Kind() EventKind            { return EventResource }
func (r *FilesystemRule) EventAction() *EventAction { return &r.Action }

// SizeRule tests a file size in bytes; OpChanged watches for any change
type SizeRule struct {
	Operator Operator
	Limit    uint64
	Action   EventAction
}

func (r *SizeRule) Key() string {
	if r.Operator == OpChanged {
		return "size:changed"
	}
	return fmt.Sprintf("size:%s%d", r.Operator, r.Limit)
}
func (r *SizeRule) Kind() EventKind            { return EventSize }
func (r *SizeRule) EventAction() *EventAction { return &r.Action }

// UptimeRule tests process or system uptime
type UptimeRule struct {
	Operator Operator
	Limit    time.Duration
	Action   EventAction
}

func (r *UptimeRule) Key() string {
	return fmt.Sprintf("uptime:%s%s", r.Operator, r.Limit)
}
func (r *UptimeRule) Kind() EventKind            { return EventUptime }
func (r *UptimeRule) EventAction() *EventAction { return &r.Action }

// TimestampRule tests the age of the newest of mtime and ctime;
// OpChanged watches for any change
type TimestampRule struct {
	Operator Operator
	Limit    time.Duration
	Action   EventAction
}

func (r *TimestampRule) Key() string {
	if r.Operator == OpChanged {
		return "timestamp:changed"
	}
	return fmt.Sprintf("timestamp:%s%s", r.Operator, r.Limit)
}
func (r *TimestampRule) Kind() EventKind            { return EventTimestamp }
func (r *TimestampRule) EventAction() *EventAction { return &r.Action }

// HashType selects the checksum algorithm
type HashType int

const (
	HashMD5 HashType = iota
	HashSHA1
	HashSHA256
)

func (h HashType) String() string {
	switch h {
	case HashSHA1:
		return "sha1"
	case HashSHA256:
		return "sha256"
	default:
		return "md5"
	}
}

// ParseHash converts an algorithm name to a HashType
func ParseHash(s string) (HashType, error) {
	switch strings.ToLower(s) {
	case "", "md5":
		return HashMD5, nil
	case "sha1":
		return HashSHA1, nil
	case "sha256":
		return HashSHA256, nil
	}
	return HashMD5, fmt.Errorf("unknown hash %q", s)
}

// ChecksumRule compares a file digest with Expect, or with the previous
// digest when Expect is empty
type ChecksumRule struct {
	Hash   HashType
	Expect string
	Action EventAction
}

// TestChanges reports whether the rule watches for changes
func (r *ChecksumRule) TestChanges() bool { return r.Expect == "" }

func (r *ChecksumRule) Key() string {
	if r.TestChanges() {
		return "checksum:" + r.Hash.String() + ":changed"
	}
	return "checksum:" + r.Hash.String() + ":" + r.Expect
}
func (r *ChecksumRule) Kind() EventKind            { return EventChecksum }
func (r *ChecksumRule) EventAction() *EventAction { return &r.Action }

// StatusRule tests the exit status of a program service
type StatusRule struct {
	Operator Operator
	Limit    int
	Action   EventAction
}

func (r *StatusRule) Key() string {
	return fmt.Sprintf("status:%s%d", r.Operator, r.Limit)
}
func (r *StatusRule) Kind() EventKind            { return EventStatus }
func (r *StatusRule) EventAction() *EventAction { return &r.Action }

// PermissionRule expects the permission bits of the object
type PermissionRule struct {
	Perm   os.FileMode
	Action EventAction
}

func (r *PermissionRule) Key() string                { return fmt.Sprintf("permission:%04o", uint32(r.Perm)) }
func (r *PermissionRule) Kind() EventKind            { return EventPermission }
func (r *PermissionRule) EventAction() *EventAction { return &r.Action }

// UIDRule expects the owner of the object, or the (effective) uid of a process
type UIDRule struct {
	UID       int
	Effective bool
	Action    EventAction
}

func (r *UIDRule) Key() string {
	if r.Effective {
		return fmt.Sprintf("euid:%d", r.UID)
	}
	return fmt.Sprintf("uid:%d", r.UID)
}
func (r *UIDRule) Kind() EventKind            { return EventUID }
func (r *UIDRule) EventAction() *EventAction { return &r.Action }

// GIDRule expects the group of the object or process
type GIDRule struct {
	GID    int
	Action EventAction
}

func (r *GIDRule) Key() string                { return fmt.Sprintf("gid:%d", r.GID) }
func (r *GIDRule) Kind() EventKind            { return EventGID }
func (r *GIDRule) EventAction() *EventAction { return &r.Action }

// MatchRule looks for lines matching Pattern in content appended to a file
// since the last cycle. Not inverts the match.
type MatchRule struct {
	Pattern *regexp.Regexp
	Not     bool
	Action  EventAction
}

func (r *MatchRule) Key() string {
	if r.Not {
		return "match:not:" + r.Pattern.String()
	}
	return "match:" + r.Pattern.String()
}
func (r *MatchRule) Kind() EventKind            { return EventContent }
func (r *MatchRule) EventAction() *EventAction { return &r.Action }

// PortRule connects to a TCP port of a host service
type PortRule struct {
	Port     int
	Protocol string
	Timeout  time.Duration
	Action   EventAction
}

func (r *PortRule) Key() string {
	if r.Protocol == "" {
		return fmt.Sprintf("port:%d", r.Port)
	}
	return fmt.Sprintf("port:%d:%s", r.Port, r.Protocol)
}
func (r *PortRule) Kind() EventKind            { return EventConnection }
func (r *PortRule) EventAction() *EventAction { return &r.Action }

// IcmpRule sends Count echo requests to a host service
type IcmpRule struct {
	Count   int
	Timeout time.Duration
	Action  EventAction
}

func (r *IcmpRule) Key() string                { return "icmp" }
func (r *IcmpRule) Kind() EventKind            { return EventIcmp }
func (r *IcmpRule) EventAction() *EventAction { return &r.Action }

// ActionRateRule fires when the service was (re)started Count times within Cycles cycles
type ActionRateRule struct {
	Count  int
	Cycles int
	Action EventAction
}

func (r *ActionRateRule) Key() string {
	return fmt.Sprintf("actionrate:%d/%d", r.Count, r.Cycles)
}
func (r *ActionRateRule) Kind() EventKind            { return EventTimeout }
func (r *ActionRateRule) EventAction() *EventAction { return &r.Action }
