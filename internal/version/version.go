// Package version contains the build information of the daemon.
package version

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/stringutil"
)

// These are set by the linker.  Go has no immutable variables, so they are
// only exported through getters.
var (
	version    string = "v0.0.0-dev"
	committime string
)

// Name is the name of the program.
const Name = "Daedalus"

// Version returns the build version.
func Version() (v string) {
	return version
}

// Full returns the name and the version of the program.
func Full() (v string) {
	return fmt.Sprintf("%s, version %s", Name, version)
}

// UserAgent returns the User-Agent string of the program.  It is also used as
// the value of the Server HTTP header.
func UserAgent() (ua string) {
	return fmt.Sprintf("%s/%s", Name, version)
}

// CommitTime returns the time of the commit the program was built from.  ok
// is false if the time isn't known or is malformed.
func CommitTime() (t time.Time, ok bool) {
	sec, err := strconv.ParseInt(committime, 10, 64)
	if err != nil {
		return time.Time{}, false
	}

	return time.Unix(sec, 0).UTC(), true
}

// fmtModule returns formatted information about module.  The result looks
// like:
//
//	github.com/Username/module@v1.2.3 (sum: someHASHSUM=)
func fmtModule(m *debug.Module) (formatted string) {
	if m == nil {
		return ""
	}

	if repl := m.Replace; repl != nil {
		return fmtModule(repl)
	}

	b := &strings.Builder{}

	stringutil.WriteToBuilder(b, m.Path)
	if ver := m.Version; ver != "" {
		sep := "@"
		if ver == "(devel)" {
			sep = " "
		}

		stringutil.WriteToBuilder(b, sep, ver)
	}

	if sum := m.Sum; sum != "" {
		stringutil.WriteToBuilder(b, " (sum: ", sum, ")")
	}

	return b.String()
}

// WriteVerbose writes the build information to w.  schemaVersion is the
// version of the configuration schema.  Output example:
//
//	Daedalus
//	Version: v0.1.0
//	Schema version: 1
//	Go version: go1.24.5
//	Commit time: 2025-06-30 12:00:00 +0000 UTC
//	GOOS: linux
//	GOARCH: arm64
//	Dependencies:
//	        ...
func WriteVerbose(w io.Writer, schemaVersion uint) (err error) {
	b := &strings.Builder{}

	const nl = "\n"
	stringutil.WriteToBuilder(b, Name, nl)
	stringutil.WriteToBuilder(b, "Version: ", version, nl)
	stringutil.WriteToBuilder(b, "Schema version: ", strconv.FormatUint(uint64(schemaVersion), 10), nl)
	stringutil.WriteToBuilder(b, "Go version: ", runtime.Version(), nl)

	if t, ok := CommitTime(); ok {
		stringutil.WriteToBuilder(b, "Commit time: ", t.String(), nl)
	}

	stringutil.WriteToBuilder(b, "GOOS: ", runtime.GOOS, nl)
	stringutil.WriteToBuilder(b, "GOARCH: ", runtime.GOARCH, nl)

	info, ok := debug.ReadBuildInfo()
	if ok && len(info.Deps) > 0 {
		stringutil.WriteToBuilder(b, "Dependencies:", nl)
		for _, dep := range info.Deps {
			if depStr := fmtModule(dep); depStr != "" {
				stringutil.WriteToBuilder(b, "\t", depStr, nl)
			}
		}
	}

	_, err = io.WriteString(w, b.String())

	return err
}
