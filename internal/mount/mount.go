// Package mount keeps the mount state of configured volumes in line
// with what callers ask for. Every mutating operation observes the live
// mount table first and treats already-mounted and already-unmounted as
// success, so repeated invocations are harmless.
package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Vince1171/halium-bootable-recovery/internal/logger"
	"github.com/Vince1171/halium-bootable-recovery/internal/volume"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// StoragePrefix is the shared namespace label-managed volumes are
	// mounted under; paths below it resolve by label, not by prefix.
	StoragePrefix = "/storage/"

	TmpMountPoint   = "/tmp"
	CacheMountPoint = "/cache"
	DataMountPoint  = "/data"
	rootMountPoint  = "/"

	mountPointMode = 0o755
)

var (
	// ErrUnsupportedFsType is returned for configured types this layer
	// cannot hand to mount(2).
	ErrUnsupportedFsType = errors.New("unsupported fs_type")
	// ErrRamdisk is returned for unmount attempts on the ramdisk
	// volume, which is always mounted.
	ErrRamdisk = errors.New("ramdisk volume cannot be unmounted")
	// ErrRootVolume is returned for any attempt to change the mount
	// state of the root volume.
	ErrRootVolume = errors.New("refusing to touch the root volume")
)

// Syscalls is the narrow slice of mount-related OS calls the manager
// needs, injectable so tests run without privileges.
type Syscalls interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
	MkdirAll(path string, perm os.FileMode) error
}

type unixSyscalls struct{}

func (unixSyscalls) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (unixSyscalls) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

func (unixSyscalls) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Manager performs idempotent mount and unmount operations against the
// configured volume table.
type Manager struct {
	table   *volume.Table
	scanner Scanner
	sys     Syscalls
	log     *logrus.Entry
}

// NewManager wires a manager to the table. A nil scanner or syscall set
// selects the real /proc/mounts scanner and mount(2)/umount2(2).
func NewManager(table *volume.Table, scanner Scanner, sys Syscalls, log *logrus.Entry) *Manager {
	if scanner == nil {
		scanner = NewProcScanner()
	}
	if sys == nil {
		sys = unixSyscalls{}
	}
	return &Manager{table: table, scanner: scanner, sys: sys, log: log}
}

// EnsurePathMounted mounts the volume owning path at its configured
// mount point, if it is not mounted already.
func (m *Manager) EnsurePathMounted(ctx context.Context, path string) error {
	return m.EnsurePathMountedAt(ctx, path, "")
}

// EnsureVolumeMounted mounts the given volume at its own mount point.
func (m *Manager) EnsureVolumeMounted(ctx context.Context, v *volume.Volume) error {
	if v == nil {
		return fmt.Errorf("cannot mount: %w", volume.ErrUnknownVolume)
	}
	return m.EnsurePathMountedAt(ctx, v.MountPoint, "")
}

// EnsurePathMountedAt mounts the volume owning path at mountPoint, or
// at the volume's configured mount point when mountPoint is empty.
func (m *Manager) EnsurePathMountedAt(ctx context.Context, path, mountPoint string) error {
	log := logger.WithContext(ctx, m.log).WithField(logger.PathKey, path)
	v, err := m.table.VolumeForPath(ctx, path)
	if err != nil {
		return fmt.Errorf("cannot mount: %w", err)
	}
	if v.FsType == volume.FsTypeRamdisk {
		// The ramdisk is always mounted.
		return nil
	}
	if v.MountPoint == rootMountPoint {
		return fmt.Errorf("cannot mount %q: %w", path, ErrRootVolume)
	}

	snapshot, err := m.scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan mounted volumes: %w", err)
	}

	if mountPoint == "" {
		mountPoint = v.MountPoint
	}
	log = log.WithFields(logrus.Fields{
		logger.MountPointKey: mountPoint,
		logger.DeviceKey:     v.Device,
		logger.FsTypeKey:     v.FsType,
	})

	if !v.VoldManaged {
		if mv := snapshot.FindByMountPoint(mountPoint); mv != nil {
			log.Debug("volume is already mounted")
			return nil
		}
	}

	// in case it doesn't already exist
	if err := m.sys.MkdirAll(mountPoint, mountPointMode); err != nil {
		log.WithError(err).Debug("unable to create mount point directory")
	}

	switch v.FsType {
	case volume.FsTypeExt4, volume.FsTypeSquashfs, volume.FsTypeVfat, volume.FsTypeF2fs:
		if err := m.sys.Mount(v.Device, mountPoint, string(v.FsType), v.Flags, v.FsOptions); err != nil {
			return fmt.Errorf("failed to mount %s: %w", mountPoint, err)
		}
		log.Info("mounted volume")
		return nil
	default:
		return fmt.Errorf("%w %q for %s", ErrUnsupportedFsType, v.FsType, mountPoint)
	}
}

// EnsurePathUnmounted unmounts the volume owning path. Paths under the
// shared storage namespace resolve by the label segment that follows
// the prefix instead of by mount-point matching.
func (m *Manager) EnsurePathUnmounted(ctx context.Context, path string, detach bool) error {
	var v *volume.Volume
	var err error
	if strings.HasPrefix(path, StoragePrefix) {
		label := path[len(StoragePrefix):]
		if i := strings.IndexByte(label, '/'); i >= 0 {
			label = label[:i]
		}
		v, err = m.table.VolumeForLabel(label)
	} else {
		v, err = m.table.VolumeForPath(ctx, path)
	}
	if err != nil {
		return fmt.Errorf("cannot unmount: %w", err)
	}
	return m.EnsureVolumeUnmounted(ctx, v, detach)
}

// EnsureVolumeUnmounted unmounts the volume if it is currently mounted.
// With detach the unmount is lazy (MNT_DETACH), which disconnects the
// mount immediately even while files on it are still open.
func (m *Manager) EnsureVolumeUnmounted(ctx context.Context, v *volume.Volume, detach bool) error {
	if v == nil {
		return fmt.Errorf("cannot unmount: %w", volume.ErrUnknownVolume)
	}
	if v.FsType == volume.FsTypeRamdisk {
		// The ramdisk is always mounted; you can't unmount it.
		return fmt.Errorf("%s: %w", v.MountPoint, ErrRamdisk)
	}
	if v.MountPoint == rootMountPoint {
		return fmt.Errorf("cannot unmount: %w", ErrRootVolume)
	}
	log := logger.WithContext(ctx, m.log).WithField(logger.MountPointKey, v.MountPoint)

	snapshot, err := m.scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan mounted volumes: %w", err)
	}
	if mv := snapshot.FindByMountPoint(v.MountPoint); mv == nil {
		log.Debug("volume is already unmounted")
		return nil
	}

	flags := 0
	if detach {
		flags = unix.MNT_DETACH
	}
	if err := m.sys.Unmount(v.MountPoint, flags); err != nil {
		// Racing against another actor unmounting is fine.
		if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
			log.Debug("volume was unmounted concurrently")
			return nil
		}
		return fmt.Errorf("failed to unmount %s: %w", v.MountPoint, err)
	}
	log.WithField("detach", detach).Info("unmounted volume")
	return nil
}

// SetupInstallMounts establishes the mount topology an install or
// format sequence expects: /tmp and /cache mounted, every other
// configured volume unmounted. /data is detached lazily so FUSE
// bridges backed by it keep working while it goes away.
func (m *Manager) SetupInstallMounts(ctx context.Context) error {
	vols, err := m.table.Volumes()
	if err != nil {
		return fmt.Errorf("can't set up install mounts: %w", err)
	}
	log := logger.WithContext(ctx, m.log)
	for i := range vols {
		v := &vols[i]

		// We don't want to do anything with "/".
		if v.MountPoint == rootMountPoint {
			continue
		}

		if v.MountPoint == TmpMountPoint || v.MountPoint == CacheMountPoint {
			if err := m.EnsurePathMounted(ctx, v.MountPoint); err != nil {
				log.WithError(err).WithField(logger.MountPointKey, v.MountPoint).Error("failed to mount")
				return err
			}
			continue
		}

		detach := v.MountPoint == DataMountPoint
		if err := m.EnsureVolumeUnmounted(ctx, v, detach); err != nil {
			log.WithError(err).WithField(logger.MountPointKey, v.MountPoint).Error("failed to unmount")
			return err
		}
	}
	return nil
}
