package rulelist

import (
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
)

const (
	// ErrEmptyDomain is returned when a rule contains an empty domain name.
	ErrEmptyDomain errors.Error = "empty domain name"

	// ErrFileUnavailable is recorded in [FileResult] when a rule file cannot
	// be opened or read.
	ErrFileUnavailable errors.Error = "rule file unavailable"

	// ErrNoDomains is returned for dnsmasq directives without domains.
	ErrNoDomains errors.Error = "no domains"

	// ErrUnknownDirective is returned for lines that are neither comments nor
	// supported directives.
	ErrUnknownDirective errors.Error = "unknown directive"
)

// ParseError is an error about a single line of a rule file.  Such lines are
// skipped.
type ParseError struct {
	// Err is the underlying error.  It must not be nil.
	Err error

	// Source is the name of the file.
	Source string

	// Line is the one-based number of the line.
	Line int
}

// type check
var _ errors.Wrapper = (*ParseError)(nil)

// Error implements the error interface for *ParseError.
func (err *ParseError) Error() (msg string) {
	return fmt.Sprintf("%s: line %d: %s", err.Source, err.Line, err.Err)
}

// Unwrap implements the [errors.Wrapper] interface for *ParseError.
func (err *ParseError) Unwrap() (unwrapped error) {
	return err.Err
}
