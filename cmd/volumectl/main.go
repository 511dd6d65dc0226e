package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/Vince1171/halium-bootable-recovery/internal/config"
	"github.com/Vince1171/halium-bootable-recovery/internal/format"
	"github.com/Vince1171/halium-bootable-recovery/internal/fstab"
	"github.com/Vince1171/halium-bootable-recovery/internal/logger"
	"github.com/Vince1171/halium-bootable-recovery/internal/mount"
	"github.com/Vince1171/halium-bootable-recovery/internal/probe"
	"github.com/Vince1171/halium-bootable-recovery/internal/volume"
	"github.com/sirupsen/logrus"
)

// When building, pass the version via ldflags:
//
//	go build -ldflags "-X main.version=0.1.0"
var version = "devel" //nolint: gochecknoglobals // set by build

const usageText = `usage: volumectl [flags] <operation> [args]

operations:
  list                        print the loaded volume table
  mount <path>                ensure the volume owning path is mounted
  unmount <path>              ensure the volume owning path is unmounted (--detach for lazy)
  format <mount-point>        reformat the volume (--from DIR to seed contents)
  setup-install-mounts        establish the install-time mount topology
`

func main() {
	c, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	if c.PrintVersion {
		fmt.Printf("volumectl %s\n", version) //nolint: forbidigo // allow printing to console
		os.Exit(0)
	}
	if len(c.Args) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	logg := logger.New(c.LogLevel)
	if err := run(c, logg); err != nil {
		logg.Fatal(err)
	}
}

func run(c config.Config, logg *logrus.Logger) error {
	op := c.Args[0]
	ctx := logger.WithOperation(context.Background(), op)

	table := volume.NewTable(
		fstab.NewFile(c.FstabPath, logg.WithField("package", "fstab")),
		probe.NewBlkid(logg.WithField("package", "probe")),
		logg.WithField("package", "volume"),
		volume.WithDerivedFstabPath(c.DerivedFstabPath),
	)
	if err := table.Load(ctx); err != nil {
		return err
	}
	mounts := mount.NewManager(table, nil, nil, logg.WithField("package", "mount"))
	engine := format.NewEngine(table, mounts, nil, logg.WithField("package", "format"))

	switch op {
	case "list":
		return list(table)
	case "mount":
		if len(c.Args) != 2 {
			return fmt.Errorf("mount expects exactly one path argument")
		}
		return mounts.EnsurePathMounted(ctx, c.Args[1])
	case "unmount":
		if len(c.Args) != 2 {
			return fmt.Errorf("unmount expects exactly one path argument")
		}
		return mounts.EnsurePathUnmounted(ctx, c.Args[1], c.Detach)
	case "format":
		if len(c.Args) != 2 {
			return fmt.Errorf("format expects exactly one mount point argument")
		}
		return engine.FormatFrom(ctx, c.Args[1], c.SourceDir)
	case "setup-install-mounts":
		return mounts.SetupInstallMounts(ctx)
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
}

func list(table *volume.Table) error {
	vols, err := table.Volumes()
	if err != nil {
		return err
	}
	for i := range vols {
		v := &vols[i]
		//nolint: forbidigo // listing is console output
		fmt.Printf("%d %s %s %s %d\n", i, v.MountPoint, v.FsType, v.Device, v.Length)
	}
	return nil
}
