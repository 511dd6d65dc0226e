package mount

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// procMountsPath is the kernel's view of what is currently mounted.
const procMountsPath = "/proc/mounts"

// MountedVolume is one line of the live mount table.
type MountedVolume struct {
	Device     string
	MountPoint string
	FsType     string
	Options    string
}

// Snapshot is a point-in-time copy of the live mount table. It is taken
// at the start of every mutating operation and discarded afterwards;
// caching one across operations would reintroduce exactly the staleness
// this layer exists to avoid.
type Snapshot struct {
	mounts []MountedVolume
}

// NewSnapshot builds a snapshot from explicit entries, mainly for tests.
func NewSnapshot(mounts ...MountedVolume) *Snapshot {
	return &Snapshot{mounts: mounts}
}

// FindByMountPoint returns the entry mounted at exactly mountPoint, or
// nil when nothing is mounted there.
func (s *Snapshot) FindByMountPoint(mountPoint string) *MountedVolume {
	for i := range s.mounts {
		if s.mounts[i].MountPoint == mountPoint {
			return &s.mounts[i]
		}
	}
	return nil
}

// Mounts returns all entries in table order.
func (s *Snapshot) Mounts() []MountedVolume {
	return s.mounts
}

// Scanner takes a fresh snapshot of the live mount table.
type Scanner interface {
	Scan(ctx context.Context) (*Snapshot, error)
}

// ProcScanner reads the mount table from /proc/mounts.
type ProcScanner struct {
	path string
}

func NewProcScanner() *ProcScanner {
	return &ProcScanner{path: procMountsPath}
}

// NewFileScanner reads the mount table from an arbitrary file in
// /proc/mounts format.
func NewFileScanner(path string) *ProcScanner {
	return &ProcScanner{path: path}
}

func (p *ProcScanner) Scan(ctx context.Context) (*Snapshot, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", p.path, err)
	}
	defer f.Close()

	var mounts []MountedVolume
	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 4 {
			continue
		}
		mounts = append(mounts, MountedVolume{
			Device:     unescapeOctal(fields[0]),
			MountPoint: unescapeOctal(fields[1]),
			FsType:     fields[2],
			Options:    fields[3],
		})
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p.path, err)
	}
	return &Snapshot{mounts: mounts}, nil
}

// unescapeOctal decodes the \ooo escapes the kernel uses for spaces,
// tabs and backslashes in mount table fields.
func unescapeOctal(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
