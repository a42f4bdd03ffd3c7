// Package device resolves paths and device names to mounted filesystems and
// samples their usage and I/O activity.
package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/blockdevice"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when the target is not in the mount table
var ErrNotFound = errors.New("filesystem not mounted")

var mountScans = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "hostmon_mount_table_scans_total",
	Help: "Number of mount table scans",
})

func init() {
	prometheus.MustRegister(mountScans)
}

// Entry is one line of the mount table
type Entry struct {
	Device     string
	Mountpoint string
	Type       string
	Options    string
}

// Strategy selects how disk activity is sampled for a filesystem
type Strategy int

const (
	StrategyNone Strategy = iota
	StrategySysfs
	StrategyDiskstats
	StrategyNFS
	StrategyCIFS
	StrategyGeneric
)

func (s Strategy) String() string {
	switch s {
	case StrategySysfs:
		return "sysfs"
	case StrategyDiskstats:
		return "diskstats"
	case StrategyNFS:
		return "nfs"
	case StrategyCIFS:
		return "cifs"
	case StrategyGeneric:
		return "generic"
	default:
		return "none"
	}
}

// Object is the cached resolution of one filesystem service. It is valid
// only while Generation equals the resolver generation.
type Object struct {
	Device     string
	Mountpoint string
	Type       string
	Options    string
	// Key identifies the device for the activity strategy
	Key        string
	Strategy   Strategy
	Generation uint64
	Mounted    bool

	target       string
	flagsChanged bool
}

// TakeFlagsChanged returns true once after the mount options changed
func (o *Object) TakeFlagsChanged() bool {
	c := o.flagsChanged
	o.flagsChanged = false
	return c
}

// Notifier reports mount table changes since the previous call
type Notifier interface {
	Changed() bool
	Close() error
}

// StatfsFunc reads usage of the filesystem mounted at path
type StatfsFunc func(path string) (Usage, error)

// Config for the resolver. Zero values select the host defaults.
type Config struct {
	ProcRoot string
	SysRoot  string
	// Notifier overrides the platform mount notifier
	Notifier Notifier
	// DisableNotifier forces a table scan on every lookup
	DisableNotifier bool
	Table           func() ([]Entry, error)
	Statfs          StatfsFunc
}

// Resolver maps services to mount table entries
type Resolver struct {
	log        *logrus.Logger
	procRoot   string
	sysRoot    string
	generation atomic.Uint64
	notifier   Notifier
	table      func() ([]Entry, error)
	statfs     StatfsFunc
	scans      int

	sysfs   bool
	cifs    bool
	nfs     bool
	procFS  *procfs.FS
	blockFS *blockdevice.FS
}

// New probes the available interfaces and returns a Resolver
func New(cfg Config, log *logrus.Logger) *Resolver {
	r := &Resolver{
		log:      log,
		procRoot: cfg.ProcRoot,
		sysRoot:  cfg.SysRoot,
		notifier: cfg.Notifier,
		table:    cfg.Table,
		statfs:   cfg.Statfs,
	}
	if r.procRoot == "" {
		r.procRoot = procfs.DefaultMountPoint
	}
	if r.sysRoot == "" {
		r.sysRoot = "/sys"
	}
	r.generation.Store(1)

	if r.table == nil {
		r.table = r.defaultTable
	}
	if r.statfs == nil {
		r.statfs = statfs
	}
	if r.notifier == nil && !cfg.DisableNotifier {
		n, err := newPlatformNotifier(r.procRoot, log)
		if err != nil {
			log.WithError(err).Debug("Mount table notification unavailable, scanning every cycle")
		} else {
			r.notifier = n
		}
	}
	if cfg.DisableNotifier {
		r.notifier = nil
	}

	if fs, err := procfs.NewFS(r.procRoot); err == nil {
		r.procFS = &fs
		r.nfs = true
	}
	if bfs, err := blockdevice.NewFS(r.procRoot, r.sysRoot); err == nil {
		if _, err := bfs.ProcDiskstats(); err == nil {
			r.blockFS = &bfs
		}
	}
	if fi, err := os.Stat(filepath.Join(r.sysRoot, "class", "block")); err == nil && fi.IsDir() {
		r.sysfs = true
	}
	if _, err := os.Stat(r.cifsStatsPath()); err == nil {
		r.cifs = true
	}

	log.WithFields(logrus.Fields{
		"notifier":  r.notifier != nil,
		"sysfs":     r.sysfs,
		"diskstats": r.blockFS != nil,
		"cifs":      r.cifs,
	}).Debug("Device resolver initialized")
	return r
}

// Generation returns the current mount table generation
func (r *Resolver) Generation() uint64 {
	return r.generation.Load()
}

// Scans returns the number of mount table scans performed
func (r *Resolver) Scans() int {
	return r.scans
}

// Close releases the mount notifier
func (r *Resolver) Close() error {
	if r.notifier != nil {
		return r.notifier.Close()
	}
	return nil
}

func (r *Resolver) poll() {
	if r.notifier != nil && r.notifier.Changed() {
		g := r.generation.Add(1)
		r.log.WithField("generation", g).Debug("Mount table changed")
	}
}

func (r *Resolver) current(obj *Object, target string) bool {
	return r.notifier != nil && obj.Mounted && obj.target == target && obj.Generation == r.Generation()
}

// ByMountpoint resolves the filesystem mounted at path. When more entries
// share the mountpoint the last one wins.
func (r *Resolver) ByMountpoint(obj *Object, path string) error {
	r.poll()
	if r.current(obj, path) {
		return nil
	}
	entries, err := r.scan()
	if err != nil {
		return err
	}
	var found *Entry
	for i := range entries {
		e := &entries[i]
		if e.Mountpoint == path && e.Device != "rootfs" {
			found = e
		}
	}
	return r.apply(obj, path, found)
}

// ByDevice resolves the filesystem of a device, following symlinks such as
// /dev/mapper names when the direct comparison fails
func (r *Resolver) ByDevice(obj *Object, dev string) error {
	r.poll()
	if r.current(obj, dev) {
		return nil
	}
	entries, err := r.scan()
	if err != nil {
		return err
	}
	var found *Entry
	for i := range entries {
		if entries[i].Device == dev {
			found = &entries[i]
			break
		}
	}
	if found == nil {
		if real, err := filepath.EvalSymlinks(dev); err == nil {
			for i := range entries {
				if !strings.HasPrefix(entries[i].Device, "/") {
					continue
				}
				if other, err := filepath.EvalSymlinks(entries[i].Device); err == nil && other == real {
					found = &entries[i]
					break
				}
			}
		}
	}
	return r.apply(obj, dev, found)
}

func (r *Resolver) scan() ([]Entry, error) {
	r.scans++
	mountScans.Inc()
	entries, err := r.table()
	if err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}
	return entries, nil
}

func (r *Resolver) apply(obj *Object, target string, e *Entry) error {
	if e == nil {
		obj.Mounted = false
		obj.Generation = r.Generation()
		obj.target = target
		return fmt.Errorf("%s: %w", target, ErrNotFound)
	}

	if obj.Mounted && obj.target == target && obj.Options != e.Options {
		obj.flagsChanged = true
	}
	obj.Device = e.Device
	obj.Mountpoint = e.Mountpoint
	obj.Type = e.Type
	obj.Options = e.Options
	obj.Generation = r.Generation()
	obj.Mounted = true
	obj.target = target
	r.selectStrategy(obj)
	return nil
}

func (r *Resolver) selectStrategy(obj *Object) {
	obj.Strategy = StrategyNone
	obj.Key = ""
	switch {
	case strings.HasPrefix(obj.Type, "nfs"):
		if r.nfs {
			obj.Strategy = StrategyNFS
			obj.Key = obj.Mountpoint
		}
	case obj.Type == "cifs" || obj.Type == "smb3":
		if r.cifs {
			obj.Strategy = StrategyCIFS
			obj.Key = strings.ReplaceAll(obj.Device, "/", "\\")
		}
	case strings.HasPrefix(obj.Device, "/"):
		dev := obj.Device
		if real, err := filepath.EvalSymlinks(dev); err == nil {
			dev = real
		}
		obj.Key = filepath.Base(dev)
		switch {
		case r.sysfs && r.sysfsStatExists(obj.Key):
			obj.Strategy = StrategySysfs
		case r.blockFS != nil:
			obj.Strategy = StrategyDiskstats
		case r.procFS == nil:
			obj.Strategy = StrategyGeneric
		}
	}
}

// Usage reads space and inode usage of a mounted object
func (r *Resolver) Usage(obj *Object, u *Usage) error {
	if !obj.Mounted {
		return ErrNotFound
	}
	got, err := r.statfs(obj.Mountpoint)
	if err != nil {
		return fmt.Errorf("statfs %s: %w", obj.Mountpoint, err)
	}
	*u = got
	return nil
}

// Activity samples the I/O counters of a mounted object into a
func (r *Resolver) Activity(obj *Object, a *Activity, now time.Time) error {
	if !obj.Mounted {
		return ErrNotFound
	}
	var (
		c   counters
		err error
	)
	switch obj.Strategy {
	case StrategyNone:
		return nil
	case StrategySysfs:
		c, err = r.sysfsCounters(obj.Key)
	case StrategyDiskstats:
		c, err = r.diskstatsCounters(obj.Key)
	case StrategyNFS:
		c, err = r.nfsCounters(obj.Key)
	case StrategyCIFS:
		c, err = r.cifsCounters(obj.Key)
	case StrategyGeneric:
		c, err = genericCounters(obj.Key)
	}
	if err != nil {
		return fmt.Errorf("%s activity of %s: %w", obj.Strategy, obj.Key, err)
	}
	a.update(r.log.WithField("device", obj.Key), now, c)
	return nil
}
