//go:build linux || darwin || freebsd

package check

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/invisible-tech/hostmon/pkg/service"
)

// fillOwner adds owner, inode and the newest of mtime and ctime
func fillOwner(path string, st *service.StatInfo) {
	var u unix.Stat_t
	if err := unix.Stat(path, &u); err != nil {
		return
	}
	st.UID = int(u.Uid)
	st.GID = int(u.Gid)
	st.Inode = uint64(u.Ino)
	mtime := time.Unix(u.Mtim.Unix())
	ctime := time.Unix(u.Ctim.Unix())
	st.Timestamp = mtime
	if ctime.After(mtime) {
		st.Timestamp = ctime
	}
}
