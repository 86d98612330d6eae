// Package aghos contains utilities for functions requiring system calls and
// other OS-specific APIs.
package aghos

import (
	"fmt"
	"io/fs"
	"runtime"

	"github.com/AdguardTeam/golibs/errors"
)

// Default file, binary, and directory permissions.
const (
	DefaultPermDir  fs.FileMode = 0o700
	DefaultPermFile fs.FileMode = 0o600
)

// Unsupported is a helper that returns a wrapped [errors.ErrUnsupported].
func Unsupported(op string) (err error) {
	return fmt.Errorf("%s: not supported on %s: %w", op, runtime.GOOS, errors.ErrUnsupported)
}

// HaveAdminRights checks if the current user has root (administrator) rights,
// which are required to create network interfaces.
func HaveAdminRights() (ok bool, err error) {
	return haveAdminRights()
}
