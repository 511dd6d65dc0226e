package volume

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Vince1171/halium-bootable-recovery/internal/logger"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDerivedFstabPath is where the simplified mount table is
	// written at load time so tools like busybox can consult it.
	DefaultDerivedFstabPath = "/etc/fstab"

	ramdiskMountPoint = "/tmp"
)

// Table is the process-wide registry of configured volumes. It is
// populated once by Load and only ever replaced wholesale; individual
// records are never mutated after a successful load.
type Table struct {
	loader Loader
	prober Prober
	log    *logrus.Entry

	derivedFstabPath string

	volumes []Volume
}

// Option adjusts table construction.
type Option func(*Table)

// WithDerivedFstabPath overrides the path the simplified fstab is
// written to at load time. An empty path disables the file entirely.
func WithDerivedFstabPath(p string) Option {
	return func(t *Table) { t.derivedFstabPath = p }
}

func NewTable(loader Loader, prober Prober, log *logrus.Entry, opts ...Option) *Table {
	t := &Table{
		loader:           loader,
		prober:           prober,
		log:              log,
		derivedFstabPath: DefaultDerivedFstabPath,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Load reads the configured volumes from the loader, appends the
// synthetic ramdisk entry for /tmp and installs the result as the live
// table. The previous table stays live if anything fails. As a side
// effect a simplified fstab file is derived for auxiliary tools; a
// failure to write it is logged but does not fail the load.
func (t *Table) Load(ctx context.Context) error {
	log := logger.WithContext(ctx, t.log)
	vols, err := t.loader.Load()
	if err != nil {
		return fmt.Errorf("failed to read fstab: %w", err)
	}
	if len(vols) == 0 {
		return errors.New("fstab contains no volumes")
	}

	vols = append(vols, Volume{
		MountPoint: ramdiskMountPoint,
		Device:     "ramdisk",
		FsType:     FsTypeRamdisk,
	})

	log.Info("recovery filesystem table")
	for i := range vols {
		v := &vols[i]
		log.WithFields(logrus.Fields{
			logger.MountPointKey: v.MountPoint,
			logger.FsTypeKey:     v.FsType,
			logger.DeviceKey:     v.Device,
			logger.LengthKey:     v.Length,
		}).Infof("  %d %s %s %s %d", i, v.MountPoint, v.FsType, v.Device, v.Length)
	}

	if t.derivedFstabPath != "" {
		if err := writeDerivedFstab(ctx, t.derivedFstabPath, vols, t.prober, log); err != nil {
			log.WithError(err).Errorf("unable to create %s", t.derivedFstabPath)
		}
	}

	t.volumes = vols
	return nil
}

// Loaded reports whether a table is live.
func (t *Table) Loaded() bool { return t.volumes != nil }

func (t *Table) Count() int { return len(t.volumes) }

// Volumes returns the live records. Callers must not modify the slice.
func (t *Table) Volumes() ([]Volume, error) {
	if !t.Loaded() {
		return nil, ErrNotLoaded
	}
	return t.volumes, nil
}

// VolumeForMountPoint returns the first record configured for exactly
// the given mount point, without signature detection.
func (t *Table) VolumeForMountPoint(mountPoint string) (*Volume, error) {
	if !t.Loaded() {
		return nil, ErrNotLoaded
	}
	if v := entryForMountPoint(t.volumes, 0, mountPoint); v != nil {
		return v, nil
	}
	return nil, fmt.Errorf("%w for mount point %q", ErrUnknownVolume, mountPoint)
}

// VolumeForLabel returns the first record whose label matches exactly.
func (t *Table) VolumeForLabel(label string) (*Volume, error) {
	if !t.Loaded() {
		return nil, ErrNotLoaded
	}
	for i := range t.volumes {
		if t.volumes[i].Label != "" && t.volumes[i].Label == label {
			return &t.volumes[i], nil
		}
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownLabel, label)
}

// VolumeForPath resolves an arbitrary path to its owning volume by
// trying the path itself and then each ancestor directory down to "/".
// This lets e.g. /cache/recovery/last_log resolve to the /cache volume
// without the table listing every sub-path.
func (t *Table) VolumeForPath(ctx context.Context, p string) (*Volume, error) {
	if !t.Loaded() {
		return nil, ErrNotLoaded
	}
	if p == "" {
		return nil, fmt.Errorf("%w for path %q", ErrUnknownVolume, p)
	}
	for cur := p; ; {
		if v, err := t.DetectedVolumeForMountPoint(ctx, cur); err == nil {
			return v, nil
		}
		if cur == "/" {
			break
		}
		slash := strings.LastIndexByte(cur, '/')
		if slash < 0 {
			break
		}
		if slash == 0 {
			cur = "/"
		} else {
			cur = cur[:slash]
		}
	}
	return nil, fmt.Errorf("%w for path %q", ErrUnknownVolume, p)
}

// DetectedVolumeForMountPoint returns the record for the mount point,
// refined by the on-disk filesystem signature of its backing device.
// When the probe disagrees with the configured type, later records for
// the same mount point are searched for one matching the probe; if none
// does, the originally configured record wins. A probe miss or a
// non-detectable type returns the configured record unchanged.
func (t *Table) DetectedVolumeForMountPoint(ctx context.Context, mountPoint string) (*Volume, error) {
	if !t.Loaded() {
		return nil, ErrNotLoaded
	}
	v := detectedEntryForMountPoint(ctx, t.volumes, mountPoint, t.prober, logger.WithContext(ctx, t.log))
	if v == nil {
		return nil, fmt.Errorf("%w for mount point %q", ErrUnknownVolume, mountPoint)
	}
	return v, nil
}

func entryForMountPoint(vols []Volume, from int, mountPoint string) *Volume {
	for i := from; i < len(vols); i++ {
		if vols[i].MountPoint == mountPoint {
			return &vols[i]
		}
	}
	return nil
}

func detectedEntryForMountPoint(ctx context.Context, vols []Volume, mountPoint string, prober Prober, log *logrus.Entry) *Volume {
	first := entryForMountPoint(vols, 0, mountPoint)
	if first == nil || !first.FsType.Detectable() || prober == nil {
		return first
	}

	detected, err := prober.Probe(ctx, first.Device)
	if err != nil {
		log.WithError(err).WithField(logger.DeviceKey, first.Device).Warn("filesystem signature probe failed")
		return first
	}
	if detected == "" || detected == first.FsType {
		return first
	}

	// Several fstab records may share a mount point, one per candidate
	// filesystem. Prefer the record matching what is actually on disk.
	for i := indexOf(vols, first) + 1; i < len(vols); i++ {
		if vols[i].MountPoint == mountPoint && vols[i].FsType == detected {
			return &vols[i]
		}
	}
	return first
}

func indexOf(vols []Volume, v *Volume) int {
	for i := range vols {
		if &vols[i] == v {
			return i
		}
	}
	return -1
}

// writeDerivedFstab produces the simplified mount table consumed by
// auxiliary tools. Only the first record per mount point whose
// configured type matches the detected signature makes it in, and only
// real block-backed, non-vold volumes are written.
func writeDerivedFstab(ctx context.Context, dst string, vols []Volume, prober Prober, log *logrus.Entry) error {
	var selected []Volume
	seen := make(map[string]bool, len(vols))
	for i := range vols {
		v := &vols[i]
		if seen[v.MountPoint] {
			continue
		}
		detected := detectedEntryForMountPoint(ctx, vols, v.MountPoint, prober, log)
		if detected != nil && detected.FsType == v.FsType {
			seen[v.MountPoint] = true
			selected = append(selected, Volume{
				MountPoint:  v.MountPoint,
				Device:      v.Device,
				FsType:      v.FsType,
				VoldManaged: v.VoldManaged,
			})
		}
	}

	var b strings.Builder
	for i := range selected {
		writeFstabEntry(&b, &selected[i])
	}
	return os.WriteFile(dst, []byte(b.String()), 0o644)
}

func writeFstabEntry(b *strings.Builder, v *Volume) {
	if v.FsType.virtual() || v.VoldManaged ||
		!strings.HasPrefix(v.Device, "/") || !strings.HasPrefix(v.MountPoint, "/") {
		return
	}
	opts := v.FsOptions
	if opts == "" {
		opts = "defaults"
	}
	fmt.Fprintf(b, "%s %s %s %s 0 0\n", v.Device, v.MountPoint, v.FsType, opts)
}
