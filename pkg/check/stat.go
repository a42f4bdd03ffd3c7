package check

import (
	"context"
	"os"

	"github.com/invisible-tech/hostmon/pkg/service"
)

// statPath reads the inode data of path, following symlinks. UID and GID
// are -1 where the platform does not report them.
func statPath(path string) (service.StatInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return service.StatInfo{}, err
	}
	st := service.StatInfo{
		Exists:    true,
		Mode:      fi.Mode(),
		Size:      fi.Size(),
		Timestamp: fi.ModTime(),
		UID:       -1,
		GID:       -1,
	}
	fillOwner(path, &st)
	return st, nil
}

// checkOwnership posts the permission, uid and gid rules of s against st
func (c *Checker) checkOwnership(ctx context.Context, s *service.Service, st service.StatInfo) {
	for _, r := range s.Rules {
		switch r := r.(type) {
		case *service.PermissionRule:
			if st.Mode.Perm() != r.Perm.Perm() {
				c.events.PostRule(ctx, s, r, service.StateFailed, "permission test failed for %s -- current permission is %04o", s.Path, uint32(st.Mode.Perm()))
			} else {
				c.events.PostRule(ctx, s, r, service.StateSucceeded, "permission test succeeded [current permission = %04o]", uint32(st.Mode.Perm()))
			}
		case *service.UIDRule:
			if st.UID < 0 {
				continue
			}
			if st.UID != r.UID {
				c.events.PostRule(ctx, s, r, service.StateFailed, "uid test failed for %s -- current uid is %d", s.Path, st.UID)
			} else {
				c.events.PostRule(ctx, s, r, service.StateSucceeded, "uid test succeeded [current uid = %d]", st.UID)
			}
		case *service.GIDRule:
			if st.GID < 0 {
				continue
			}
			if st.GID != r.GID {
				c.events.PostRule(ctx, s, r, service.StateFailed, "gid test failed for %s -- current gid is %d", s.Path, st.GID)
			} else {
				c.events.PostRule(ctx, s, r, service.StateSucceeded, "gid test succeeded [current gid = %d]", st.GID)
			}
		}
	}
}
