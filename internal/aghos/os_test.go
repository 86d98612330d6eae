package aghos_test

import (
	"runtime"
	"testing"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/carrotproxy/daedalus/internal/aghos"
	"github.com/stretchr/testify/assert"
)

func TestUnsupported(t *testing.T) {
	t.Parallel()

	err := aghos.Unsupported("test op")
	assert.ErrorIs(t, err, errors.ErrUnsupported)
	assert.Contains(t, err.Error(), "test op: not supported on "+runtime.GOOS)
}
