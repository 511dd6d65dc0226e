package format

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Vince1171/halium-bootable-recovery/internal/mount"
	"github.com/Vince1171/halium-bootable-recovery/internal/mount/mock"
	"github.com/Vince1171/halium-bootable-recovery/internal/volume"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecer struct {
	calls  [][]string
	status map[string]int
	err    error
}

func (f *fakeExecer) Run(ctx context.Context, argv []string) (int, error) {
	f.calls = append(f.calls, argv)
	if f.err != nil {
		return -1, f.err
	}
	return f.status[argv[0]], nil
}

func newTestEngine(t *testing.T, vols []volume.Volume, exec Execer) *Engine {
	t.Helper()
	log := logrus.New().WithField("package", "format_test")
	loader := volume.LoaderFunc(func() ([]volume.Volume, error) { return vols, nil })
	table := volume.NewTable(loader, nil, log, volume.WithDerivedFstabPath(""))
	require.NoError(t, table.Load(context.Background()))
	mounts := mount.NewManager(table, mock.NewScanner(), &mock.Syscalls{}, log)
	return NewEngine(table, mounts, exec, log)
}

func deviceFile(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func TestFormatPreconditions(t *testing.T) {
	t.Parallel()
	vols := []volume.Volume{
		{MountPoint: "/", Device: "/dev/block/bootdevice/system", FsType: volume.FsTypeExt4},
		{MountPoint: "/cache", Device: "/dev/block/bootdevice/cache", FsType: volume.FsTypeExt4},
		{MountPoint: "/vendor", Device: "/dev/block/bootdevice/vendor", FsType: volume.FsTypeSquashfs},
		{MountPoint: "/sdcard", Device: "/dev/block/mmcblk1p1", FsType: volume.FsTypeF2fs, VoldManaged: true, Label: "sdcard1"},
	}

	tests := []struct {
		name    string
		path    string
		wantErr error
	}{
		{name: "unknown volume", path: "", wantErr: volume.ErrUnknownVolume},
		{name: "ramdisk", path: "/tmp", wantErr: ErrCannotFormat},
		{name: "root volume", path: "/", wantErr: ErrCannotFormat},
		{name: "sub path of a volume", path: "/cache/recovery", wantErr: ErrNotMountPoint},
		{name: "unsupported fs type", path: "/vendor", wantErr: ErrUnsupportedFsType},
		{name: "vold managed volume", path: "/sdcard", wantErr: ErrVoldManaged},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			exec := &fakeExecer{}
			e := newTestEngine(t, vols, exec)
			err := e.Format(context.Background(), tt.path)
			assert.ErrorIs(t, err, tt.wantErr)
			// no formatter may run when a precondition fails
			assert.Empty(t, exec.calls)
		})
	}
}

func TestFormatUnmountsFirst(t *testing.T) {
	t.Parallel()
	vols := []volume.Volume{
		{MountPoint: "/", Device: "/dev/sys", FsType: volume.FsTypeExt4},
		{MountPoint: "/cache", Device: "/dev/cache", FsType: volume.FsTypeExt4},
	}
	log := logrus.New().WithField("package", "format_test")
	loader := volume.LoaderFunc(func() ([]volume.Volume, error) { return vols, nil })
	table := volume.NewTable(loader, nil, log, volume.WithDerivedFstabPath(""))
	require.NoError(t, table.Load(context.Background()))

	sys := &mock.Syscalls{}
	scanner := mock.NewScanner(mount.NewSnapshot(mount.MountedVolume{MountPoint: "/cache", Device: "/dev/cache"}))
	mounts := mount.NewManager(table, scanner, sys, log)
	exec := &fakeExecer{}
	e := NewEngine(table, mounts, exec, log)

	require.NoError(t, e.Format(context.Background(), "/cache"))
	require.Len(t, sys.UnmountCalls, 1)
	assert.Equal(t, "/cache", sys.UnmountCalls[0].Target)
}

func TestFormatExt4Args(t *testing.T) {
	t.Parallel()

	t.Run("plain volume", func(t *testing.T) {
		t.Parallel()
		exec := &fakeExecer{}
		e := newTestEngine(t, []volume.Volume{
			{MountPoint: "/cache", Device: "/dev/cache", FsType: volume.FsTypeExt4},
		}, exec)

		require.NoError(t, e.Format(context.Background(), "/cache"))
		require.Len(t, exec.calls, 1)
		assert.Equal(t, []string{"/sbin/mke2fs_static", "-F", "-t", "ext4", "-b", "4096", "/dev/cache"}, exec.calls[0])
	})

	t.Run("geometry hints emit stride and stripe width", func(t *testing.T) {
		t.Parallel()
		exec := &fakeExecer{}
		e := newTestEngine(t, []volume.Volume{
			{MountPoint: "/cache", Device: "/dev/cache", FsType: volume.FsTypeExt4, LogicalBlkSize: 4096, EraseBlkSize: 16384},
		}, exec)

		require.NoError(t, e.Format(context.Background(), "/cache"))
		require.Len(t, exec.calls, 1)
		// stride is raised to 8KB because the logical block size is smaller
		assert.Equal(t, []string{
			"/sbin/mke2fs_static", "-F", "-t", "ext4", "-b", "4096",
			"-E", "stride=2,stripe-width=4", "/dev/cache",
		}, exec.calls[0])
	})

	t.Run("fixed length adds a block count", func(t *testing.T) {
		t.Parallel()
		exec := &fakeExecer{}
		e := newTestEngine(t, []volume.Volume{
			{MountPoint: "/cache", Device: "/dev/cache", FsType: volume.FsTypeExt4, Length: 8192},
		}, exec)

		require.NoError(t, e.Format(context.Background(), "/cache"))
		require.Len(t, exec.calls, 1)
		assert.Equal(t, "2", exec.calls[0][len(exec.calls[0])-1])
	})

	t.Run("source directory triggers the loader tool", func(t *testing.T) {
		t.Parallel()
		exec := &fakeExecer{}
		e := newTestEngine(t, []volume.Volume{
			{MountPoint: "/cache", Device: "/dev/cache", FsType: volume.FsTypeExt4},
		}, exec)

		require.NoError(t, e.FormatFrom(context.Background(), "/cache", "/tmp/seed"))
		require.Len(t, exec.calls, 2)
		assert.Equal(t, []string{"/sbin/e2fsdroid_static", "-e", "-f", "/tmp/seed", "-a", "/cache", "/dev/cache"}, exec.calls[1])
	})

	t.Run("formatter failure skips the loader tool", func(t *testing.T) {
		t.Parallel()
		exec := &fakeExecer{status: map[string]int{"/sbin/mke2fs_static": 1}}
		e := newTestEngine(t, []volume.Volume{
			{MountPoint: "/cache", Device: "/dev/cache", FsType: volume.FsTypeExt4},
		}, exec)

		assert.Error(t, e.FormatFrom(context.Background(), "/cache", "/tmp/seed"))
		assert.Len(t, exec.calls, 1)
	})
}

func TestFormatF2fsArgs(t *testing.T) {
	t.Parallel()

	t.Run("full device", func(t *testing.T) {
		t.Parallel()
		exec := &fakeExecer{}
		e := newTestEngine(t, []volume.Volume{
			{MountPoint: "/data", Device: "/dev/userdata", FsType: volume.FsTypeF2fs},
		}, exec)

		require.NoError(t, e.Format(context.Background(), "/data"))
		require.Len(t, exec.calls, 1)
		assert.Equal(t, []string{
			"/sbin/mkfs.f2fs", "-d1", "-f",
			"-O", "encrypt", "-O", "quota", "-O", "verity",
			"-w", "4096", "/dev/userdata",
		}, exec.calls[0])
	})

	t.Run("length at least one sector adds a sector count", func(t *testing.T) {
		t.Parallel()
		exec := &fakeExecer{}
		e := newTestEngine(t, []volume.Volume{
			{MountPoint: "/data", Device: "/dev/userdata", FsType: volume.FsTypeF2fs, Length: 8192},
		}, exec)

		require.NoError(t, e.Format(context.Background(), "/data"))
		require.Len(t, exec.calls, 1)
		assert.Equal(t, "2", exec.calls[0][len(exec.calls[0])-1])
	})

	t.Run("source directory triggers the loader tool", func(t *testing.T) {
		t.Parallel()
		exec := &fakeExecer{}
		e := newTestEngine(t, []volume.Volume{
			{MountPoint: "/data", Device: "/dev/userdata", FsType: volume.FsTypeF2fs},
		}, exec)

		require.NoError(t, e.FormatFrom(context.Background(), "/data", "/tmp/seed"))
		require.Len(t, exec.calls, 2)
		assert.Equal(t, []string{"/sbin/sload.f2fs", "-f", "/tmp/seed", "-t", "/data", "/dev/userdata"}, exec.calls[1])
	})
}

func TestUsableLength(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, []volume.Volume{
		{MountPoint: "/cache", Device: "/dev/cache", FsType: volume.FsTypeExt4},
	}, &fakeExecer{})

	t.Run("positive length wins regardless of device size", func(t *testing.T) {
		t.Parallel()
		v := &volume.Volume{Device: deviceFile(t, 2048), Length: 512}
		got, err := e.usableLength(context.Background(), v)
		require.NoError(t, err)
		assert.Equal(t, int64(512), got)
	})

	t.Run("negative length reserves from the end", func(t *testing.T) {
		t.Parallel()
		v := &volume.Volume{Device: deviceFile(t, 2048), Length: -1024}
		got, err := e.usableLength(context.Background(), v)
		require.NoError(t, err)
		assert.Equal(t, int64(1024), got)
	})

	t.Run("footer key location reserves the crypt footer", func(t *testing.T) {
		t.Parallel()
		v := &volume.Volume{Device: deviceFile(t, 3*cryptFooterOffset), KeyLocation: volume.KeyLocationFooter}
		got, err := e.usableLength(context.Background(), v)
		require.NoError(t, err)
		assert.Equal(t, int64(2*cryptFooterOffset), got)
	})

	t.Run("zero length without footer is unconstrained", func(t *testing.T) {
		t.Parallel()
		v := &volume.Volume{Device: deviceFile(t, 2048)}
		got, err := e.usableLength(context.Background(), v)
		require.NoError(t, err)
		assert.Zero(t, got)
	})

	t.Run("reserve larger than the device is invalid", func(t *testing.T) {
		t.Parallel()
		v := &volume.Volume{Device: deviceFile(t, 512), Length: -1024}
		_, err := e.usableLength(context.Background(), v)
		assert.Error(t, err)
	})

	t.Run("unopenable device", func(t *testing.T) {
		t.Parallel()
		v := &volume.Volume{Device: filepath.Join(t.TempDir(), "nope"), Length: -1024}
		_, err := e.usableLength(context.Background(), v)
		assert.Error(t, err)
	})
}

func TestFormatWipesKeyLocation(t *testing.T) {
	t.Parallel()
	keyLoc := filepath.Join(t.TempDir(), "metadata")
	require.NoError(t, os.WriteFile(keyLoc, bytes.Repeat([]byte{0xa5}, 600), 0o644))

	dev := deviceFile(t, 64*1024)
	exec := &fakeExecer{}
	e := newTestEngine(t, []volume.Volume{
		{MountPoint: "/data", Device: dev, FsType: volume.FsTypeExt4, Length: 4096, KeyLocation: keyLoc},
	}, exec)

	require.NoError(t, e.Format(context.Background(), "/data"))

	got, err := os.ReadFile(keyLoc)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 600), got)
}

func TestFormatKeyLocationOpenFailure(t *testing.T) {
	t.Parallel()
	exec := &fakeExecer{}
	e := newTestEngine(t, []volume.Volume{
		// directories cannot be opened for writing
		{MountPoint: "/data", Device: "/dev/userdata", FsType: volume.FsTypeExt4, Length: 4096, KeyLocation: t.TempDir()},
	}, exec)

	assert.Error(t, e.Format(context.Background(), "/data"))
	assert.Empty(t, exec.calls)
}

func TestFormatSpawnFailure(t *testing.T) {
	t.Parallel()
	exec := &fakeExecer{err: errors.New("no such binary")}
	e := newTestEngine(t, []volume.Volume{
		{MountPoint: "/cache", Device: "/dev/cache", FsType: volume.FsTypeExt4},
	}, exec)

	assert.Error(t, e.Format(context.Background(), "/cache"))
}
