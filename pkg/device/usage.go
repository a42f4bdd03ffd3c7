package device

// Usage is the space and inode usage of a filesystem
type Usage struct {
	BlockSize   int64
	Blocks      uint64
	BlocksFree  uint64
	BlocksAvail uint64
	Files       uint64
	FilesFree   uint64
}

// SpacePercent is the share of blocks unavailable to unprivileged users
func (u Usage) SpacePercent() float64 {
	if u.Blocks == 0 {
		return 0
	}
	return 100 * float64(u.Blocks-min(u.BlocksAvail, u.Blocks)) / float64(u.Blocks)
}

// SpaceUsed returns the used bytes
func (u Usage) SpaceUsed() uint64 {
	return (u.Blocks - min(u.BlocksFree, u.Blocks)) * uint64(u.BlockSize)
}

// SpaceAvail returns the bytes available to unprivileged users
func (u Usage) SpaceAvail() uint64 {
	return u.BlocksAvail * uint64(u.BlockSize)
}

// SpaceTotal returns the filesystem size in bytes
func (u Usage) SpaceTotal() uint64 {
	return u.Blocks * uint64(u.BlockSize)
}

// HasInodes is false for filesystems that do not report inode counts
func (u Usage) HasInodes() bool {
	return u.Files > 0
}

// InodePercent is the share of used inodes
func (u Usage) InodePercent() float64 {
	if u.Files == 0 {
		return 0
	}
	return 100 * float64(u.Files-min(u.FilesFree, u.Files)) / float64(u.Files)
}

// InodesUsed returns the number of used inodes
func (u Usage) InodesUsed() uint64 {
	return u.Files - min(u.FilesFree, u.Files)
}
