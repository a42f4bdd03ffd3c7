//go:build linux

package device

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// pollNotifier watches /proc/self/mounts, which signals POLLERR|POLLPRI once
// per mount table change
type pollNotifier struct {
	f   *os.File
	log *logrus.Logger
}

func newPlatformNotifier(procRoot string, log *logrus.Logger) (Notifier, error) {
	f, err := os.Open(filepath.Join(procRoot, "self", "mounts"))
	if err != nil {
		return nil, err
	}
	return &pollNotifier{f: f, log: log}, nil
}

func (p *pollNotifier) Changed() bool {
	fds := []unix.PollFd{{Fd: int32(p.f.Fd()), Events: unix.POLLPRI}}
	n, err := unix.Poll(fds, 0)
	if err != nil {
		p.log.WithError(err).Debug("Mount table poll failed")
		return true
	}
	return n > 0 && fds[0].Revents&(unix.POLLERR|unix.POLLPRI) != 0
}

func (p *pollNotifier) Close() error {
	return p.f.Close()
}
