//go:build unix

package ossvc

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/AdguardTeam/golibs/errors"
)

// reload sends SIGHUP to the process with the ID from pidFile.
func reload(pidFile string) (err error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return fmt.Errorf("reading pid file: %w", err)
	}

	pidStr := string(bytes.TrimSpace(data))
	if pidStr == "" {
		return fmt.Errorf("parsing %q: %w", pidFile, errors.ErrEmptyValue)
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return fmt.Errorf("parsing pid from %q: %w", pidFile, err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process with pid %d: %w", pid, err)
	}

	err = proc.Signal(syscall.SIGHUP)
	if err != nil {
		return fmt.Errorf("sending sighup to process with pid %d: %w", pid, err)
	}

	return nil
}
