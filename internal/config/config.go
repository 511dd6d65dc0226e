// Package config parses command line flags and environment fallbacks
// for the recovery volume manager.
package config

import (
	"os"

	"github.com/Vince1171/halium-bootable-recovery/internal/fstab"
	"github.com/Vince1171/halium-bootable-recovery/internal/volume"
	"github.com/spf13/pflag"
)

const (
	envRecoveryFstab = "RECOVERY_FSTAB"
)

type Config struct {
	FstabPath        string
	DerivedFstabPath string
	LogLevel         string
	PrintVersion     bool

	// Detach selects lazy unmounting for the unmount operation.
	Detach bool
	// SourceDir optionally seeds a freshly formatted volume.
	SourceDir string

	// Args holds the operation and its positional arguments.
	Args []string
}

func Parse(osArgs []string) (Config, error) {
	flagSet := pflag.NewFlagSet("default", pflag.ContinueOnError)
	c := Config{}
	flagSet.StringVar(&c.FstabPath, "fstab", fstab.DefaultPath, "Path to the recovery fstab describing configured volumes")
	flagSet.StringVar(&c.DerivedFstabPath, "derived-fstab", volume.DefaultDerivedFstabPath, "Path the simplified fstab is written to at load time, empty to disable")
	flagSet.StringVar(&c.LogLevel, "log-level", "info", "Logging level: panic, fatal, error, warn, warning, info, debug or trace")
	flagSet.BoolVar(&c.PrintVersion, "version", false, "Print the version and exit.")
	flagSet.BoolVar(&c.Detach, "detach", false, "Use a lazy (detach) unmount for the unmount operation")
	flagSet.StringVar(&c.SourceDir, "from", "", "Populate the formatted volume from this directory tree")

	if err := flagSet.Parse(osArgs); err != nil {
		return c, err
	}

	if c.FstabPath == fstab.DefaultPath {
		if p := os.Getenv(envRecoveryFstab); p != "" {
			c.FstabPath = p
		}
	}

	c.Args = flagSet.Args()
	return c, nil
}
