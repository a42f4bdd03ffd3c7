package device

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostmon/pkg/stats"
)

// SectorSize is the unit of block layer sector counters
const SectorSize = 512

const maxStatsSize = 1 << 20

// Activity holds I/O rates of a filesystem. Times are milliseconds spent on I/O.
type Activity struct {
	ReadBytes  stats.Series
	ReadOps    stats.Series
	ReadTime   stats.Series
	WriteBytes stats.Series
	WriteOps   stats.Series
	WriteTime  stats.Series
}

// counters are absolute values in bytes, operations and milliseconds
type counters struct {
	readBytes, readOps, readTime    uint64
	writeBytes, writeOps, writeTime uint64
	hasTime                         bool
}

func (a *Activity) update(log *logrus.Entry, now time.Time, c counters) {
	ts := now.UnixMilli()
	series := []struct {
		name string
		s    *stats.Series
		v    uint64
		skip bool
	}{
		{"read_bytes", &a.ReadBytes, c.readBytes, false},
		{"read_ops", &a.ReadOps, c.readOps, false},
		{"read_time", &a.ReadTime, c.readTime, !c.hasTime},
		{"write_bytes", &a.WriteBytes, c.writeBytes, false},
		{"write_ops", &a.WriteOps, c.writeOps, false},
		{"write_time", &a.WriteTime, c.writeTime, !c.hasTime},
	}
	for _, x := range series {
		if x.skip {
			continue
		}
		if x.s.Update(ts, float64(x.v)) == stats.OutcomeReset {
			log.WithField("counter", x.name).Debug("I/O counter reset, restarting baseline")
		}
	}
}

func (r *Resolver) sysfsStatExists(name string) bool {
	_, err := os.Stat(filepath.Join(r.sysRoot, "class", "block", name, "stat"))
	return err == nil
}

// sysfsCounters reads /sys/class/block/<name>/stat
func (r *Resolver) sysfsCounters(name string) (counters, error) {
	data, err := readBounded(filepath.Join(r.sysRoot, "class", "block", name, "stat"))
	if err != nil {
		return counters{}, err
	}
	return parseBlockStat(string(data))
}

// parseBlockStat parses the sysfs block stat line: read I/Os, read merges,
// read sectors, read ticks, write I/Os, write merges, write sectors, write ticks, ...
func parseBlockStat(line string) (counters, error) {
	f := strings.Fields(line)
	if len(f) < 8 {
		return counters{}, fmt.Errorf("unexpected block stat format: %q", line)
	}
	v := make([]uint64, 8)
	for i := range v {
		n, err := strconv.ParseUint(f[i], 10, 64)
		if err != nil {
			return counters{}, fmt.Errorf("block stat field %d: %w", i, err)
		}
		v[i] = n
	}
	return counters{
		readOps:    v[0],
		readBytes:  v[2] * SectorSize,
		readTime:   v[3],
		writeOps:   v[4],
		writeBytes: v[6] * SectorSize,
		writeTime:  v[7],
		hasTime:    true,
	}, nil
}

func (r *Resolver) diskstatsCounters(name string) (counters, error) {
	if r.blockFS == nil {
		return counters{}, fmt.Errorf("diskstats unavailable")
	}
	all, err := r.blockFS.ProcDiskstats()
	if err != nil {
		return counters{}, err
	}
	for _, d := range all {
		if d.DeviceName != name {
			continue
		}
		return counters{
			readOps:    d.ReadIOs,
			readBytes:  d.ReadSectors * SectorSize,
			readTime:   d.ReadTicks,
			writeOps:   d.WriteIOs,
			writeBytes: d.WriteSectors * SectorSize,
			writeTime:  d.WriteTicks,
			hasTime:    true,
		}, nil
	}
	return counters{}, fmt.Errorf("device %s not in diskstats", name)
}

// nfsCounters sums READ and WRITE operation statistics of the mount
func (r *Resolver) nfsCounters(mountpoint string) (counters, error) {
	if r.procFS == nil {
		return counters{}, fmt.Errorf("procfs unavailable")
	}
	self, err := r.procFS.Self()
	if err != nil {
		return counters{}, err
	}
	mounts, err := self.MountStats()
	if err != nil {
		return counters{}, err
	}
	for _, m := range mounts {
		if m.Mount != mountpoint {
			continue
		}
		nfs, ok := m.Stats.(*procfs.MountStatsNFS)
		if !ok {
			return counters{}, fmt.Errorf("mount %s has no NFS statistics", mountpoint)
		}
		var c counters
		c.hasTime = true
		for _, op := range nfs.Operations {
			switch op.Operation {
			case "READ":
				c.readOps += op.Requests
				c.readBytes += op.BytesReceived
				c.readTime += op.CumulativeTotalRequestMilliseconds
			case "WRITE":
				c.writeOps += op.Requests
				c.writeBytes += op.BytesSent
				c.writeTime += op.CumulativeTotalRequestMilliseconds
			}
		}
		return c, nil
	}
	return counters{}, fmt.Errorf("mount %s not in mountstats", mountpoint)
}

func (r *Resolver) cifsStatsPath() string {
	return filepath.Join(r.procRoot, "fs", "cifs", "Stats")
}

func (r *Resolver) cifsCounters(share string) (counters, error) {
	f, err := os.Open(r.cifsStatsPath())
	if err != nil {
		return counters{}, err
	}
	defer f.Close()
	return parseCIFSStats(f, share)
}

// parseCIFSStats finds the "N) \\server\share" section and reads its
// "Reads: <ops> Bytes: <bytes>" and "Writes: <ops> Bytes: <bytes>" lines
func parseCIFSStats(rd io.Reader, share string) (counters, error) {
	var (
		c     counters
		found bool
		seen  int
	)
	sc := bufio.NewScanner(io.LimitReader(rd, maxStatsSize))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if num, rest, ok := strings.Cut(line, ") "); ok && isDigits(num) {
			if found {
				break
			}
			found = strings.EqualFold(strings.TrimSpace(rest), share)
			continue
		}
		if !found {
			continue
		}
		var ops, bytes uint64
		switch {
		case strings.HasPrefix(line, "Reads:"):
			if _, err := fmt.Sscanf(line, "Reads: %d Bytes: %d", &ops, &bytes); err == nil {
				c.readOps, c.readBytes = ops, bytes
				seen++
			}
		case strings.HasPrefix(line, "Writes:"):
			if _, err := fmt.Sscanf(line, "Writes: %d Bytes: %d", &ops, &bytes); err == nil {
				c.writeOps, c.writeBytes = ops, bytes
				seen++
			}
		}
	}
	if err := sc.Err(); err != nil {
		return counters{}, err
	}
	if !found {
		return counters{}, fmt.Errorf("share %s not in cifs stats", share)
	}
	if seen == 0 {
		return counters{}, fmt.Errorf("share %s has no read/write counters", share)
	}
	return c, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func genericCounters(name string) (counters, error) {
	all, err := disk.IOCounters(name)
	if err != nil {
		return counters{}, err
	}
	st, ok := all[name]
	if !ok {
		return counters{}, fmt.Errorf("device %s has no I/O counters", name)
	}
	return counters{
		readOps:    st.ReadCount,
		readBytes:  st.ReadBytes,
		readTime:   st.ReadTime,
		writeOps:   st.WriteCount,
		writeBytes: st.WriteBytes,
		writeTime:  st.WriteTime,
		hasTime:    true,
	}, nil
}

func readBounded(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxStatsSize))
}
