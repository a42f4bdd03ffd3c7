//go:build !linux && !darwin && !freebsd

package device

import "github.com/shirou/gopsutil/v3/disk"

func statfs(path string) (Usage, error) {
	st, err := disk.Usage(path)
	if err != nil {
		return Usage{}, err
	}
	return Usage{
		BlockSize:   1,
		Blocks:      st.Total,
		BlocksFree:  st.Free,
		BlocksAvail: st.Free,
		Files:       st.InodesTotal,
		FilesFree:   st.InodesFree,
	}, nil
}
