// Package fstab reads recovery fstab files into volume records.
//
// The accepted format is the classic five column fstab used by early
// boot environments:
//
//	<device> <mount_point> <fs_type> <mount_options> <fs_mgr_flags>
//
// Mount options that correspond to mount(2) flags are folded into the
// record's flag word; the rest are passed through as the fs-specific
// option string. fs_mgr flags carry the recovery-specific metadata
// (length=, voldmanaged=, encryptable=, geometry hints).
package fstab

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/Vince1171/halium-bootable-recovery/internal/volume"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultPath is where the recovery image ships its fstab.
const DefaultPath = "/etc/recovery.fstab"

// mountFlags maps fstab mount-option words onto MS_* flags. Words not
// listed here are filesystem-specific and are passed through verbatim.
var mountFlags = map[string]uintptr{
	"defaults":   0,
	"rw":         0,
	"ro":         unix.MS_RDONLY,
	"noatime":    unix.MS_NOATIME,
	"nodiratime": unix.MS_NODIRATIME,
	"nosuid":     unix.MS_NOSUID,
	"nodev":      unix.MS_NODEV,
	"noexec":     unix.MS_NOEXEC,
	"sync":       unix.MS_SYNCHRONOUS,
	"remount":    unix.MS_REMOUNT,
	"bind":       unix.MS_BIND,
	"rec":        unix.MS_REC,
	"relatime":   unix.MS_RELATIME,
}

// File loads volume records from an fstab file on disk.
type File struct {
	path string
	log  *logrus.Entry
}

func NewFile(path string, log *logrus.Entry) *File {
	return &File{path: path, log: log}
}

func (f *File) Load() ([]volume.Volume, error) {
	r, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fstab %s: %w", f.path, err)
	}
	defer r.Close()
	vols, err := Parse(r, f.log)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fstab %s: %w", f.path, err)
	}
	return vols, nil
}

// Parse reads fstab records from r. Blank lines and # comments are
// skipped; a malformed record fails the whole parse so a broken fstab
// never yields a partial volume table.
func Parse(r io.Reader, log *logrus.Entry) ([]volume.Volume, error) {
	var vols []volume.Volume
	s := bufio.NewScanner(r)
	lineno := 0
	for s.Scan() {
		lineno++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		v, err := parseRecord(line, log)
		if err != nil {
			return nil, fmt.Errorf("fstab line %d: %w", lineno, err)
		}
		vols = append(vols, v)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return vols, nil
}

func parseRecord(line string, log *logrus.Entry) (volume.Volume, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return volume.Volume{}, fmt.Errorf("expected at least 4 fields, got %d", len(fields))
	}

	v := volume.Volume{
		Device:     fields[0],
		MountPoint: fields[1],
		FsType:     volume.FsType(strings.ToLower(fields[2])),
	}
	v.Flags, v.FsOptions = parseMountOptions(fields[3])

	if len(fields) >= 5 {
		if err := parseFsMgrFlags(&v, fields[4], log); err != nil {
			return volume.Volume{}, err
		}
	}
	return v, nil
}

func parseMountOptions(opts string) (flags uintptr, rest string) {
	var passthrough []string
	for _, opt := range strings.Split(opts, ",") {
		if opt == "" {
			continue
		}
		if f, ok := mountFlags[opt]; ok {
			flags |= f
			continue
		}
		passthrough = append(passthrough, opt)
	}
	return flags, strings.Join(passthrough, ",")
}

func parseFsMgrFlags(v *volume.Volume, flags string, log *logrus.Entry) error {
	for _, flag := range strings.Split(flags, ",") {
		name, value := flag, ""
		if i := strings.IndexByte(flag, '='); i >= 0 {
			name, value = flag[:i], flag[i+1:]
		}
		switch name {
		case "", "defaults", "wait", "check", "nofail", "formattable", "nonremovable", "notrim":
			// carried for mount-time behaviour this layer does not implement
		case "length":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid length %q: %w", value, err)
			}
			v.Length = n
		case "voldmanaged":
			v.VoldManaged = true
			v.Label = value
			if i := strings.IndexByte(value, ':'); i >= 0 {
				v.Label = value[:i]
			}
		case "encryptable", "forceencrypt":
			v.KeyLocation = value
		case "logicalblksize":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid logicalblksize %q: %w", value, err)
			}
			v.LogicalBlkSize = n
		case "eraseblksize":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid eraseblksize %q: %w", value, err)
			}
			v.EraseBlkSize = n
		default:
			if log != nil {
				log.WithField("flag", flag).Debug("ignoring unknown fs_mgr flag")
			}
		}
	}
	return nil
}
