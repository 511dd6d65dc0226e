// Package format destructively rewrites volumes with a fresh
// filesystem. The engine only validates preconditions and constructs
// tool invocations; the actual filesystem creation is delegated to the
// external mke2fs/mkfs.f2fs binaries shipped in the recovery image.
package format

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/Vince1171/halium-bootable-recovery/internal/logger"
	"github.com/Vince1171/halium-bootable-recovery/internal/mount"
	"github.com/Vince1171/halium-bootable-recovery/internal/volume"
	"github.com/sirupsen/logrus"
)

const (
	mke2fsCmd    = "/sbin/mke2fs_static"
	e2fsdroidCmd = "/sbin/e2fsdroid_static"
	mkfsF2fsCmd  = "/sbin/mkfs.f2fs"
	sloadF2fsCmd = "/sbin/sload.f2fs"

	blockSize  = 4096
	sectorSize = 4096

	// cryptFooterOffset is the room reserved at the end of the data
	// partition for the encryption footer when key_loc is "footer".
	cryptFooterOffset = 16 * 1024

	wipeChunkSize = 64 * 1024
)

var (
	// ErrCannotFormat is returned for volumes this layer must never
	// format, such as the ramdisk.
	ErrCannotFormat = errors.New("volume cannot be formatted")
	// ErrNotMountPoint is returned when the given path is not exactly a
	// configured mount point. Formatting goes by canonical name only.
	ErrNotMountPoint = errors.New("path is not a volume mount point")
	// ErrUnsupportedFsType is returned for types without a formatter.
	ErrUnsupportedFsType = errors.New("unsupported fs_type")
	// ErrVoldManaged is returned for volumes owned by the volume daemon.
	ErrVoldManaged = errors.New("can't format vold volume")
)

// Engine formats volumes after validating that doing so cannot corrupt
// anything this layer is responsible for.
type Engine struct {
	table  *volume.Table
	mounts *mount.Manager
	exec   Execer
	log    *logrus.Entry
}

// NewEngine wires a format engine. A nil execer selects the real
// child-process runner.
func NewEngine(table *volume.Table, mounts *mount.Manager, exec Execer, log *logrus.Entry) *Engine {
	if exec == nil {
		exec = NewCommandRunner(log)
	}
	return &Engine{table: table, mounts: mounts, exec: exec, log: log}
}

// Format formats the volume whose mount point is volumePath.
func (e *Engine) Format(ctx context.Context, volumePath string) error {
	return e.FormatFrom(ctx, volumePath, "")
}

// FormatFrom formats the volume whose mount point is volumePath and,
// when sourceDir is non-empty, populates the fresh filesystem from that
// directory tree.
func (e *Engine) FormatFrom(ctx context.Context, volumePath, sourceDir string) error {
	log := logger.WithContext(ctx, e.log).WithField(logger.PathKey, volumePath)
	v, err := e.table.VolumeForPath(ctx, volumePath)
	if err != nil {
		return fmt.Errorf("cannot format: %w", err)
	}
	if v.FsType == volume.FsTypeRamdisk || v.MountPoint == "/" {
		return fmt.Errorf("%q: %w", volumePath, ErrCannotFormat)
	}
	if v.MountPoint != volumePath {
		return fmt.Errorf("%q resolves to %s: %w", volumePath, v.MountPoint, ErrNotMountPoint)
	}
	if err := e.mounts.EnsurePathUnmounted(ctx, volumePath, false); err != nil {
		return fmt.Errorf("failed to unmount %s before formatting: %w", v.MountPoint, err)
	}
	if !v.FsType.Formattable() {
		return fmt.Errorf("%w %q for %s", ErrUnsupportedFsType, v.FsType, v.MountPoint)
	}

	// A key location that looks like a path is a block device holding
	// encryption metadata. It must not survive the format.
	if strings.HasPrefix(v.KeyLocation, "/") {
		if err := e.wipeKeyLocation(ctx, v.KeyLocation); err != nil {
			return err
		}
	}

	length, err := e.usableLength(ctx, v)
	if err != nil {
		return err
	}

	if v.VoldManaged {
		return fmt.Errorf("%q: %w", volumePath, ErrVoldManaged)
	}

	log = log.WithFields(logrus.Fields{
		logger.DeviceKey: v.Device,
		logger.FsTypeKey: v.FsType,
		logger.LengthKey: length,
	})
	switch v.FsType {
	case volume.FsTypeExt4:
		err = e.formatExt4(ctx, v, length, sourceDir)
	case volume.FsTypeF2fs:
		err = e.formatF2fs(ctx, v, length, sourceDir)
	default:
		// Formattable() keeps us out of here; guard against drift.
		return fmt.Errorf("%w %q for %s", ErrUnsupportedFsType, v.FsType, v.MountPoint)
	}
	if err != nil {
		return fmt.Errorf("failed to make %s on %s: %w", v.FsType, v.Device, err)
	}
	log.Info("formatted volume")
	return nil
}

// usableLength determines how many bytes of the backing device the new
// filesystem may use. Zero means the format tool decides from the
// device size itself.
func (e *Engine) usableLength(ctx context.Context, v *volume.Volume) (int64, error) {
	if v.Length > 0 {
		return v.Length, nil
	}
	if v.Length == 0 && v.KeyLocation != volume.KeyLocationFooter {
		return 0, nil
	}

	// Negative length or a footer key location reserves space at the
	// end of the device; measure it and subtract.
	f, err := os.Open(v.Device)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", v.Device, err)
	}
	defer f.Close()

	reserve := int64(cryptFooterOffset)
	if v.Length != 0 {
		reserve = -v.Length
	}
	length, err := deviceSize(f, reserve)
	if err != nil {
		return 0, fmt.Errorf("failed to measure %s: %w", v.Device, err)
	}
	if length <= 0 {
		return 0, fmt.Errorf("invalid usable size %d for %s", length, v.Device)
	}
	return length, nil
}

// deviceSize returns the byte size of a regular file or block device
// minus the reserved trailer. Unsupported file kinds yield zero.
func deviceSize(f *os.File, reserve int64) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	switch {
	case fi.Mode().IsRegular():
		return fi.Size() - reserve, nil
	case fi.Mode()&os.ModeDevice != 0 && fi.Mode()&os.ModeCharDevice == 0:
		end, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, err
		}
		if end < reserve {
			return 0, nil
		}
		return end - reserve, nil
	default:
		return 0, nil
	}
}

// wipeKeyLocation scrubs the encryption-metadata device by overwriting
// it with zeros. Only the open can fail the format; a short or failed
// overwrite is logged and the format proceeds.
func (e *Engine) wipeKeyLocation(ctx context.Context, keyLocation string) error {
	log := logger.WithContext(ctx, e.log).WithField(logger.KeyLocationKey, keyLocation)
	log.Info("wiping key location")
	f, err := os.OpenFile(keyLocation, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", keyLocation, err)
	}
	defer f.Close()

	size, err := deviceSize(f, 0)
	if err != nil || size <= 0 {
		log.WithError(err).Warn("unable to determine key location size, skipping wipe")
		return nil
	}
	if err := zeroFill(f, size); err != nil {
		log.WithError(err).Warn("key location wipe incomplete")
	}
	return nil
}

func zeroFill(w io.Writer, size int64) error {
	zeros := make([]byte, wipeChunkSize)
	for size > 0 {
		n := int64(len(zeros))
		if size < n {
			n = size
		}
		if _, err := w.Write(zeros[:n]); err != nil {
			return err
		}
		size -= n
	}
	return nil
}

func (e *Engine) formatExt4(ctx context.Context, v *volume.Volume, length int64, sourceDir string) error {
	args := []string{mke2fsCmd, "-F", "-t", "ext4", "-b", strconv.Itoa(blockSize)}

	raidStride := v.LogicalBlkSize / blockSize
	raidStripeWidth := v.EraseBlkSize / blockSize
	// stride should be the max of 8KB and logical block size
	if v.LogicalBlkSize != 0 && v.LogicalBlkSize < 8192 {
		raidStride = 8192 / blockSize
	}
	if v.EraseBlkSize != 0 && v.LogicalBlkSize != 0 {
		args = append(args, "-E", fmt.Sprintf("stride=%d,stripe-width=%d", raidStride, raidStripeWidth))
	}
	args = append(args, v.Device)
	if length != 0 {
		args = append(args, strconv.FormatInt(length/blockSize, 10))
	}

	if err := e.run(ctx, args); err != nil {
		return err
	}
	if sourceDir == "" {
		return nil
	}
	return e.run(ctx, []string{e2fsdroidCmd, "-e", "-f", sourceDir, "-a", v.MountPoint, v.Device})
}

func (e *Engine) formatF2fs(ctx context.Context, v *volume.Volume, length int64, sourceDir string) error {
	args := []string{
		mkfsF2fsCmd,
		"-d1",
		"-f",
		"-O", "encrypt",
		"-O", "quota",
		"-O", "verity",
		"-w", strconv.Itoa(sectorSize),
		v.Device,
	}
	if length >= sectorSize {
		args = append(args, strconv.FormatInt(length/sectorSize, 10))
	}

	if err := e.run(ctx, args); err != nil {
		return err
	}
	if sourceDir == "" {
		return nil
	}
	return e.run(ctx, []string{sloadF2fsCmd, "-f", sourceDir, "-t", v.MountPoint, v.Device})
}

func (e *Engine) run(ctx context.Context, argv []string) error {
	logger.WithContext(ctx, e.log).WithFields(logrus.Fields{
		logger.CommandKey:     argv[0],
		logger.CommandArgsKey: argv[1:],
	}).Debug("executing command")

	status, err := e.exec.Run(ctx, argv)
	if err != nil {
		return fmt.Errorf("failed to execute %s: %w", argv[0], err)
	}
	if status != 0 {
		return fmt.Errorf("%s failed with status %d", argv[0], status)
	}
	return nil
}
