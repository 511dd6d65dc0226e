package volume

import (
	"context"
	"errors"
)

// FsType is the closed set of filesystem types a recovery fstab can
// declare. Dispatch sites (mounting, formatting, signature detection)
// switch over it exhaustively so a new type is a compile-visible change.
type FsType string

const (
	FsTypeRamdisk  FsType = "ramdisk"
	FsTypeExt4     FsType = "ext4"
	FsTypeF2fs     FsType = "f2fs"
	FsTypeVfat     FsType = "vfat"
	FsTypeSquashfs FsType = "squashfs"
	FsTypeMtd      FsType = "mtd"
	FsTypeEmmc     FsType = "emmc"
	FsTypeBml      FsType = "bml"
	FsTypeAuto     FsType = "auto"
)

// KeyLocationFooter is the sentinel key location meaning the encryption
// metadata lives in a footer at the end of the data partition instead of
// on a dedicated device.
const KeyLocationFooter = "footer"

var (
	ErrNotLoaded     = errors.New("no volume table loaded")
	ErrUnknownVolume = errors.New("unknown volume")
	ErrUnknownLabel  = errors.New("unknown volume label")
)

// Volume is a single configured volume record. Records are immutable
// after the table is loaded; the table is only ever replaced wholesale.
type Volume struct {
	MountPoint string
	Device     string
	FsType     FsType
	// Flags holds MS_* mount flags and FsOptions the remaining
	// fs-specific option string, both handed to mount(2) verbatim.
	Flags     uintptr
	FsOptions string
	// Length selects the usable byte length when formatting: positive
	// is a fixed size, negative reserves that many bytes at the end of
	// the device, zero means use the full device.
	Length      int64
	KeyLocation string
	Label       string
	// Geometry hints for RAID stride/stripe-width tuning, 0 if unknown.
	LogicalBlkSize int64
	EraseBlkSize   int64
	// VoldManaged volumes belong to the volume daemon; this layer never
	// mounts, unmounts or formats them.
	VoldManaged bool
}

// Mountable reports whether this layer knows how to mount the type.
func (t FsType) Mountable() bool {
	switch t {
	case FsTypeExt4, FsTypeSquashfs, FsTypeVfat, FsTypeF2fs:
		return true
	default:
		return false
	}
}

// Formattable reports whether this layer knows how to format the type.
func (t FsType) Formattable() bool {
	return t == FsTypeExt4 || t == FsTypeF2fs
}

// Detectable reports whether an on-disk signature probe can refine the
// configured type. Only types that are regular block filesystems with a
// blkid-visible superblock qualify.
func (t FsType) Detectable() bool {
	switch t {
	case FsTypeExt4, FsTypeF2fs, FsTypeVfat:
		return true
	default:
		return false
	}
}

// virtual types have no block-backed superblock and are excluded from
// the derived fstab file.
func (t FsType) virtual() bool {
	return t == FsTypeMtd || t == FsTypeEmmc || t == FsTypeBml
}

// Loader supplies the raw configured volume records, usually parsed from
// the recovery fstab. It is the table's only configuration input.
type Loader interface {
	Load() ([]Volume, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func() ([]Volume, error)

func (f LoaderFunc) Load() ([]Volume, error) { return f() }

// Prober reports the filesystem signature found on a device. A probe
// that finds no recognizable signature returns an empty type and a nil
// error; errors are reserved for the probe itself failing.
type Prober interface {
	Probe(ctx context.Context, device string) (FsType, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, device string) (FsType, error)

func (f ProberFunc) Probe(ctx context.Context, device string) (FsType, error) {
	return f(ctx, device)
}
