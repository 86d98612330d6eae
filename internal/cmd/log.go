package cmd

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/carrotproxy/daedalus/internal/configmgr"
	"github.com/carrotproxy/daedalus/internal/logbuf"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newBaseLogger returns the logger writing to output.
func newBaseLogger(output io.Writer, verbose bool) (l *slog.Logger) {
	return slogutil.New(&slogutil.Config{
		Output:       output,
		Format:       slogutil.FormatDefault,
		Level:        logLevel(verbose),
		AddTimestamp: true,
	})
}

// newLogger returns the logger configured by c.  A relative log file path is
// resolved against confDir.  The lines are also written to buf.  closer is
// not nil if the output must be closed on exit.
func newLogger(
	c *configmgr.LogConfig,
	verbose bool,
	confDir string,
	buf *logbuf.Buffer,
) (l *slog.Logger, closer io.Closer) {
	if c.File == "" {
		return newBaseLogger(io.MultiWriter(os.Stderr, buf), verbose || c.Verbose), nil
	}

	fileName := c.File
	if !filepath.IsAbs(fileName) {
		fileName = filepath.Join(confDir, fileName)
	}

	file := &lumberjack.Logger{
		Filename:   fileName,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
		Compress:   c.Compress,
	}

	l = slogutil.New(&slogutil.Config{
		Output:       io.MultiWriter(file, buf),
		Format:       slogutil.FormatAdGuardLegacy,
		Level:        logLevel(verbose || c.Verbose),
		AddTimestamp: true,
	})

	return l, file
}

// logLevel returns the level of the logger.
func logLevel(verbose bool) (lvl slog.Level) {
	if verbose {
		return slog.LevelDebug
	}

	return slog.LevelInfo
}
