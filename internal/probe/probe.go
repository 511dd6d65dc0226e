// Package probe answers what filesystem actually lives on a block
// device, as opposed to what the fstab claims.
package probe

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/Vince1171/halium-bootable-recovery/internal/logger"
	"github.com/Vince1171/halium-bootable-recovery/internal/volume"
	"github.com/sirupsen/logrus"
)

const (
	blkidCmd = "blkid"
	// blkid exits with 2 when the device carries no recognizable signature.
	blkidCmdErrCodeNotFound = 2
)

// Blkid probes device superblocks with the blkid tool.
type Blkid struct {
	log *logrus.Entry
}

func NewBlkid(log *logrus.Entry) *Blkid {
	return &Blkid{log: log}
}

// Probe returns the filesystem signature found on device, or an empty
// type when the device carries none.
func (b *Blkid) Probe(ctx context.Context, device string) (volume.FsType, error) {
	if device == "" {
		return "", errors.New("device is not specified for probing")
	}
	blkidArgs := []string{
		// low-level superblocks probing (bypass cache)
		"--probe",
		// output format
		"--output", "value",
		// show specified tag
		"--match-tag", "TYPE",
		device,
	}

	logger.WithContext(ctx, b.log).WithFields(logrus.Fields{logger.CommandKey: blkidCmd, logger.CommandArgsKey: blkidArgs}).Debug("executing command")
	output, err := exec.CommandContext(ctx, blkidCmd, blkidArgs...).CombinedOutput()
	if err != nil {
		if cmdExitCode(err) == blkidCmdErrCodeNotFound {
			return "", nil
		}
		return "", fmt.Errorf("probing %s filesystem signature failed: %w (%s)", device, err, formatCmdError(output))
	}
	return volume.FsType(strings.TrimSpace(strings.ToLower(string(output)))), nil
}

func cmdExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func formatCmdError(output []byte) string {
	return strings.TrimSpace(string(output))
}
