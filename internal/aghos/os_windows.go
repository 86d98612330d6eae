//go:build windows

package aghos

import (
	"fmt"
	"unsafe"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/sys/windows"
)

func haveAdminRights() (ok bool, err error) {
	var token windows.Token
	err = windows.OpenProcessToken(windows.CurrentProcess(), windows.TOKEN_QUERY, &token)
	if err != nil {
		return false, fmt.Errorf("opening process token: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, token.Close()) }()

	var elevation uint32
	var n uint32
	err = windows.GetTokenInformation(
		token,
		windows.TokenElevation,
		(*byte)(unsafe.Pointer(&elevation)),
		uint32(unsafe.Sizeof(elevation)),
		&n,
	)
	if err != nil {
		return false, fmt.Errorf("getting token elevation: %w", err)
	}

	return elevation != 0, nil
}
