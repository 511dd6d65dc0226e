// Package mock provides in-memory mount collaborators so manager and
// format logic can be exercised without privileges or real devices.
package mock

import (
	"context"
	"os"
	"sync"

	"github.com/Vince1171/halium-bootable-recovery/internal/mount"
)

// Scanner serves queued snapshots in order, repeating the last one once
// the queue is exhausted. The zero value serves empty snapshots.
type Scanner struct {
	mu        sync.Mutex
	snapshots []*mount.Snapshot
	err       error
	scans     int
}

func NewScanner(snapshots ...*mount.Snapshot) *Scanner {
	return &Scanner{snapshots: snapshots}
}

// NewFailingScanner always fails the scan with err.
func NewFailingScanner(err error) *Scanner {
	return &Scanner{err: err}
}

func (s *Scanner) Scan(ctx context.Context) (*mount.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.snapshots) == 0 {
		return mount.NewSnapshot(), nil
	}
	snap := s.snapshots[0]
	if len(s.snapshots) > 1 {
		s.snapshots = s.snapshots[1:]
	}
	return snap, nil
}

// Scans reports how many snapshots were taken.
func (s *Scanner) Scans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}

// MountCall records one mount(2) invocation.
type MountCall struct {
	Source string
	Target string
	FsType string
	Flags  uintptr
	Data   string
}

// UnmountCall records one umount2(2) invocation.
type UnmountCall struct {
	Target string
	Flags  int
}

// Syscalls records mount syscalls and returns configured errors.
type Syscalls struct {
	mu           sync.Mutex
	MountErr     error
	UnmountErr   error
	MountCalls   []MountCall
	UnmountCalls []UnmountCall
	MkdirCalls   []string
}

func (s *Syscalls) Mount(source, target, fstype string, flags uintptr, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MountCalls = append(s.MountCalls, MountCall{Source: source, Target: target, FsType: fstype, Flags: flags, Data: data})
	return s.MountErr
}

func (s *Syscalls) Unmount(target string, flags int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UnmountCalls = append(s.UnmountCalls, UnmountCall{Target: target, Flags: flags})
	return s.UnmountErr
}

func (s *Syscalls) MkdirAll(path string, perm os.FileMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MkdirCalls = append(s.MkdirCalls, path)
	return nil
}
