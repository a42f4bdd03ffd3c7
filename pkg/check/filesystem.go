package check

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostmon/pkg/device"
	"github.com/invisible-tech/hostmon/pkg/service"
)

// isDevicePath reports whether a filesystem service names its device rather
// than its mountpoint: block devices, NFS exports and CIFS shares.
func isDevicePath(path string) bool {
	if strings.HasPrefix(path, "//") || (strings.Contains(path, ":") && !strings.HasPrefix(path, "/")) {
		return true
	}
	fi, err := os.Stat(path)
	return err == nil && fi.Mode()&os.ModeDevice != 0
}

func (c *Checker) checkFilesystem(ctx context.Context, s *service.Service, env Env) error {
	if c.cfg.Resolver == nil {
		return errors.New("no device resolver configured")
	}
	fs := &s.Info.Filesystem
	var err error
	if isDevicePath(s.Path) {
		err = c.cfg.Resolver.ByDevice(&fs.Object, s.Path)
	} else {
		err = c.cfg.Resolver.ByMountpoint(&fs.Object, s.Path)
	}
	if errors.Is(err, device.ErrNotFound) {
		fs.HasUsage = false
		c.events.PostImplicit(ctx, s, service.EventNonExist, service.StateFailed, "filesystem '%s' not mounted", s.Path)
		return nil
	}
	if err != nil {
		return err
	}
	c.events.PostImplicit(ctx, s, service.EventNonExist, service.StateSucceeded, "filesystem '%s' is mounted", s.Path)

	if fs.Object.TakeFlagsChanged() {
		c.events.PostImplicit(ctx, s, service.EventFsFlags, service.StateChanged, "filesystem flags changed to %s", fs.Object.Options)
	} else {
		c.events.PostImplicit(ctx, s, service.EventFsFlags, service.StateChangedNot, "filesystem flags not changed")
	}

	if err := c.cfg.Resolver.Usage(&fs.Object, &fs.Usage); err != nil {
		return err
	}
	fs.HasUsage = true
	if err := c.cfg.Resolver.Activity(&fs.Object, &fs.Activity, env.Now); err != nil {
		// usage rules stay valid without activity
		c.log.WithError(err).WithField("service", s.Name).Warn("Cannot read filesystem activity")
	}

	if st, err := statPath(fs.Object.Mountpoint); err == nil {
		s.Info.Stat = st
		c.checkOwnership(ctx, s, st)
	}

	for _, r := range s.Rules {
		fr, ok := r.(*service.FilesystemRule)
		if !ok {
			continue
		}
		value, unit, ok := filesystemValue(fs, fr.Resource)
		if !ok {
			c.log.WithFields(logrus.Fields{"service": s.Name, "resource": fr.Resource.String()}).Debug("Filesystem value not available, rule skipped")
			continue
		}
		c.compare(ctx, s, fr, fr.Operator, value, fr.Limit, strings.ReplaceAll(fr.Resource.String(), "_", " "), unit)
	}
	return nil
}

func filesystemValue(fs *service.FilesystemInfo, res service.FilesystemResource) (float64, string, bool) {
	u := fs.Usage
	a := &fs.Activity
	switch res {
	case service.FSSpacePercent:
		return u.SpacePercent(), "%", u.Blocks > 0
	case service.FSSpaceBytes:
		return float64(u.SpaceUsed()), "B", true
	case service.FSSpaceFreePercent:
		if u.Blocks == 0 {
			return 0, "%", false
		}
		return 100 * float64(u.BlocksAvail) / float64(u.Blocks), "%", true
	case service.FSSpaceFreeBytes:
		return float64(u.SpaceAvail()), "B", true
	case service.FSInodePercent:
		return u.InodePercent(), "%", u.HasInodes()
	case service.FSInodeCount:
		return float64(u.InodesUsed()), "", u.HasInodes()
	case service.FSInodeFreePercent:
		if !u.HasInodes() {
			return 0, "%", false
		}
		return 100 * float64(u.FilesFree) / float64(u.Files), "%", true
	case service.FSInodeFreeCount:
		return float64(u.FilesFree), "", u.HasInodes()
	case service.FSReadBytesRate:
		return a.ReadBytes.Rate(), "B/s", a.ReadBytes.HasRate()
	case service.FSWriteBytesRate:
		return a.WriteBytes.Rate(), "B/s", a.WriteBytes.HasRate()
	case service.FSReadOpsRate:
		return a.ReadOps.Rate(), "ops/s", a.ReadOps.HasRate()
	case service.FSWriteOpsRate:
		return a.WriteOps.Rate(), "ops/s", a.WriteOps.HasRate()
	}
	return 0, "", false
}
