package format

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/Vince1171/halium-bootable-recovery/internal/logger"
	"github.com/sirupsen/logrus"
)

// Execer runs one external tool to completion and reports its exit
// status. It is the engine's only way to touch the outside world, so
// argument construction stays testable without spawning processes.
type Execer interface {
	Run(ctx context.Context, argv []string) (int, error)
}

// CommandRunner executes argv as a synchronous child process. There is
// no timeout: a wedged formatter blocks the whole flow, which is the
// accepted behaviour in an interactive recovery session.
type CommandRunner struct {
	log *logrus.Entry
}

func NewCommandRunner(log *logrus.Entry) *CommandRunner {
	return &CommandRunner{log: log}
}

// Run spawns argv[0] with the remaining arguments and waits for it.
// A non-zero exit status is reported via the status value, not the
// error; the error is reserved for failing to run the tool at all.
func (r *CommandRunner) Run(ctx context.Context, argv []string) (int, error) {
	if len(argv) == 0 {
		return -1, errors.New("empty argv")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // argv is built from the static tool table
	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			r.log.WithFields(logrus.Fields{
				logger.CommandKey:    argv[0],
				logger.ExitStatusKey: exitErr.ExitCode(),
			}).Errorf("%s failed: %s", argv[0], strings.TrimSpace(string(output)))
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}
