//go:build darwin || freebsd

package device

import "golang.org/x/sys/unix"

func statfs(path string) (Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Usage{}, err
	}
	avail := int64(st.Bavail)
	if avail < 0 {
		avail = 0
	}
	ffree := int64(st.Ffree)
	if ffree < 0 {
		ffree = 0
	}
	return Usage{
		BlockSize:   int64(st.Bsize),
		Blocks:      uint64(st.Blocks),
		BlocksFree:  uint64(st.Bfree),
		BlocksAvail: uint64(avail),
		Files:       uint64(st.Files),
		FilesFree:   uint64(ffree),
	}, nil
}
