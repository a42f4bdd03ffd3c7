package check

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostmon/pkg/service"
)

// maxMatchLines bounds the lines quoted in a content match message
const maxMatchLines = 8

func (c *Checker) checkFile(ctx context.Context, s *service.Service, env Env) error {
	st, err := statPath(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		s.Info.Stat = service.StatInfo{}
		s.Info.File.HasSize = false
		c.events.PostImplicit(ctx, s, service.EventNonExist, service.StateFailed, "%s '%s' doesn't exist", s.Type, s.Path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", s.Path, err)
	}
	c.events.PostImplicit(ctx, s, service.EventNonExist, service.StateSucceeded, "%s '%s' exists", s.Type, s.Path)

	if !typeMatches(s.Type, st.Mode) {
		c.events.PostImplicit(ctx, s, service.EventInvalid, service.StateFailed, "'%s' is not a %s", s.Path, s.Type)
		return nil
	}
	c.events.PostImplicit(ctx, s, service.EventInvalid, service.StateSucceeded, "'%s' is a %s", s.Path, s.Type)

	s.Info.Stat = st
	f := &s.Info.File
	f.Timestamp = st.Timestamp
	f.Inode = st.Inode
	if s.Type == service.TypeFile {
		f.Size = st.Size
	}

	c.checkOwnership(ctx, s, st)
	for _, r := range s.Rules {
		switch r := r.(type) {
		case *service.TimestampRule:
			c.checkTimestamp(ctx, s, r, env)
		case *service.SizeRule:
			if s.Type == service.TypeFile {
				c.checkSize(ctx, s, r)
			}
		case *service.ChecksumRule:
			if s.Type == service.TypeFile {
				c.checkChecksum(ctx, s, r)
			}
		}
	}
	if s.Type == service.TypeFile {
		c.checkMatch(ctx, s)
		f.HasSize = true
	}
	return nil
}

func typeMatches(t service.Type, mode os.FileMode) bool {
	switch t {
	case service.TypeDirectory:
		return mode.IsDir()
	case service.TypeFifo:
		return mode&os.ModeNamedPipe != 0
	default:
		return mode.IsRegular()
	}
}

func (c *Checker) checkTimestamp(ctx context.Context, s *service.Service, r *service.TimestampRule, env Env) {
	f := &s.Info.File
	if r.Operator == service.OpChanged {
		changed := !f.PrevTimestamp.IsZero() && !f.PrevTimestamp.Equal(f.Timestamp)
		c.changed(ctx, s, r, changed, "timestamp changed from %s to %s", f.PrevTimestamp.Format("2006-01-02 15:04:05"), f.Timestamp.Format("2006-01-02 15:04:05"))
		return
	}
	age := env.Now.Sub(f.Timestamp)
	if age < 0 {
		age = 0
	}
	c.compare(ctx, s, r, r.Operator, age.Seconds(), r.Limit.Seconds(), "timestamp age", "s")
}

func (c *Checker) checkSize(ctx context.Context, s *service.Service, r *service.SizeRule) {
	f := &s.Info.File
	if r.Operator == service.OpChanged {
		changed := f.HasSize && f.PrevSize != f.Size
		c.changed(ctx, s, r, changed, "size changed from %d B to %d B", f.PrevSize, f.Size)
		return
	}
	c.compare(ctx, s, r, r.Operator, float64(f.Size), float64(r.Limit), "size", "B")
}

func newHash(h service.HashType) hash.Hash {
	switch h {
	case service.HashSHA1:
		return sha1.New()
	case service.HashSHA256:
		return sha256.New()
	default:
		return md5.New()
	}
}

// fileChecksum hashes path, refusing files larger than limit
func fileChecksum(path string, h service.HashType, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", err
	}
	if fi.Size() > limit {
		return "", fmt.Errorf("file size %d exceeds checksum limit %d", fi.Size(), limit)
	}
	d := newHash(h)
	if _, err := io.Copy(d, io.LimitReader(f, limit)); err != nil {
		return "", err
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}

func (c *Checker) checkChecksum(ctx context.Context, s *service.Service, r *service.ChecksumRule) {
	f := &s.Info.File
	sum, err := fileChecksum(s.Path, r.Hash, c.cfg.MaxChecksumSize)
	if err != nil {
		c.log.WithError(err).WithField("service", s.Name).Warn("Cannot compute checksum, test skipped")
		return
	}
	f.Checksum = sum
	if r.TestChanges() {
		changed := f.PrevChecksum != "" && f.PrevChecksum != sum
		c.changed(ctx, s, r, changed, "%s checksum changed to %s", r.Hash, sum)
		return
	}
	if !strings.EqualFold(sum, r.Expect) {
		c.events.PostRule(ctx, s, r, service.StateFailed, "%s checksum mismatch -- expected %s got %s", r.Hash, r.Expect, sum)
		return
	}
	c.events.PostRule(ctx, s, r, service.StateSucceeded, "%s checksum is valid", r.Hash)
}

// checkMatch scans content appended since the last cycle. Only complete
// lines are consumed; the read position rewinds when the file was replaced
// or truncated.
func (c *Checker) checkMatch(ctx context.Context, s *service.Service) {
	var rules []*service.MatchRule
	for _, r := range s.Rules {
		if mr, ok := r.(*service.MatchRule); ok {
			rules = append(rules, mr)
		}
	}
	if len(rules) == 0 {
		return
	}
	f := &s.Info.File
	if (f.PrevInode != 0 && f.Inode != f.PrevInode) || f.Size < f.ReadPos {
		f.ReadPos = 0
	}

	lines, consumed, err := readLines(s.Path, f.ReadPos, c.cfg.MaxMatchRead)
	if err != nil {
		c.log.WithError(err).WithField("service", s.Name).Warn("Cannot read content, match skipped")
		return
	}
	f.ReadPos += consumed

	for _, r := range rules {
		var hits []string
		for _, line := range lines {
			if r.Pattern.MatchString(line) != r.Not {
				hits = append(hits, line)
			}
		}
		if len(hits) == 0 {
			c.events.PostRule(ctx, s, r, service.StateSucceeded, "content doesn't match")
			continue
		}
		quoted := hits
		if len(quoted) > maxMatchLines {
			quoted = quoted[:maxMatchLines]
		}
		c.log.WithFields(logrus.Fields{"service": s.Name, "lines": len(hits)}).Debug("Content matched")
		c.events.PostRule(ctx, s, r, service.StateFailed, "content match:\n%s", strings.Join(quoted, "\n"))
	}
}

// readLines returns the complete lines after offset within limit bytes and
// the number of bytes consumed. A full buffer without a newline is consumed
// as one line.
func readLines(path string, offset, limit int64) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, 0, err
	}
	buf, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return nil, 0, err
	}
	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		if int64(len(buf)) < limit {
			return nil, 0, nil
		}
		end = len(buf) - 1
	}
	chunk := buf[:end+1]

	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(chunk))
	sc.Buffer(make([]byte, 0, 64*1024), int(limit)+1)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, int64(len(chunk)), sc.Err()
}
