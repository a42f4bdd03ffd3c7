package device

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

// maxTableSize bounds a mount table read
const maxTableSize = 4 << 20

// ParseMounts parses the /proc/self/mounts text format:
// device mountpoint type options dump pass
func ParseMounts(r io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(io.LimitReader(r, maxTableSize))
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 4 {
			return entries, fmt.Errorf("malformed mount entry %q", sc.Text())
		}
		entries = append(entries, Entry{
			Device:     unescape(fields[0]),
			Mountpoint: unescape(fields[1]),
			Type:       fields[2],
			Options:    fields[3],
		})
	}
	return entries, sc.Err()
}

// unescape decodes the octal escapes used for whitespace and backslash
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func (r *Resolver) defaultTable() ([]Entry, error) {
	f, err := os.Open(filepath.Join(r.procRoot, "self", "mounts"))
	if err == nil {
		defer f.Close()
		return ParseMounts(f)
	}
	parts, perr := disk.Partitions(true)
	if perr != nil {
		return nil, fmt.Errorf("list partitions: %w", perr)
	}
	entries := make([]Entry, 0, len(parts))
	for _, p := range parts {
		entries = append(entries, Entry{
			Device:     p.Device,
			Mountpoint: p.Mountpoint,
			Type:       p.Fstype,
			Options:    strings.Join(p.Opts, ","),
		})
	}
	return entries, nil
}
