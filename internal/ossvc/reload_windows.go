//go:build windows

package ossvc

import (
	"github.com/AdguardTeam/golibs/errors"
)

// reload is not supported on Windows.
func reload(_ string) (err error) {
	return errors.ErrUnsupported
}
