package rulelist

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/c2h5oh/datasize"
)

// BuildConfig is the configuration for [Build].
type BuildConfig struct {
	// Logger is used to log the progress of the build.  It must not be nil.
	Logger *slog.Logger

	// NullAddrs are the blocking addresses of hosts-file rules.  See
	// [ParserConfig.NullAddrs].
	NullAddrs []netip.Addr

	// Files are the paths of the rule files in their order.  Entries from
	// later files replace the entries from earlier ones.
	Files []string

	// Format is the declared format of all files.  It must be valid.
	Format Format

	// MaxFileSize is the maximum number of bytes read from a single file.  If
	// zero, [DefaultMaxFileSize] is used.
	MaxFileSize datasize.ByteSize
}

// FileResult contains the statistics of a single file of a build.
type FileResult struct {
	// Err is the error of reading the file, if any.  It wraps
	// [ErrFileUnavailable] if the file could not be opened.
	Err error

	// Name is the path of the file.
	Name string

	// Rules is the number of parsed entries.
	Rules int

	// Skipped is the number of skipped lines.
	Skipped int
}

// BuildResult contains the statistics of a build.
type BuildResult struct {
	// Files are the results of the files in the order of [BuildConfig.Files].
	Files []*FileResult
}

// Loaded returns the number of files that have been read without errors.
func (r *BuildResult) Loaded() (n int) {
	for _, f := range r.Files {
		if f.Err == nil {
			n++
		}
	}

	return n
}

// Build reads the rule files from c and returns the set built from them.
// Unreadable files and bad lines are logged and skipped.  err is only returned
// if ctx is canceled.  res is never nil.
func Build(ctx context.Context, c *BuildConfig) (s *Set, res *BuildResult, err error) {
	res = &BuildResult{
		Files: make([]*FileResult, 0, len(c.Files)),
	}

	maxSize := c.MaxFileSize
	if maxSize == 0 {
		maxSize = DefaultMaxFileSize
	}

	entries := map[string]*Entry{}
	add := func(e *Entry) {
		entries[e.Domain] = e
	}

	buf := make([]byte, DefaultRuleBufSize)
	for _, name := range c.Files {
		if err = ctx.Err(); err != nil {
			return nil, res, fmt.Errorf("building rule set: %w", err)
		}

		p := NewParser(&ParserConfig{
			Logger:    c.Logger,
			NullAddrs: c.NullAddrs,
			Source:    name,
			Format:    c.Format,
		})

		fr := buildFile(ctx, c.Logger, p, name, maxSize, buf, add)
		res.Files = append(res.Files, fr)
		if errors.Is(fr.Err, context.Canceled) || errors.Is(fr.Err, context.DeadlineExceeded) {
			return nil, res, fmt.Errorf("building rule set: %w", fr.Err)
		}
	}

	return &Set{entries: entries}, res, nil
}

// buildFile parses a single file with p.  fr is never nil.
func buildFile(
	ctx context.Context,
	l *slog.Logger,
	p *Parser,
	name string,
	maxSize datasize.ByteSize,
	buf []byte,
	add func(e *Entry),
) (fr *FileResult) {
	fr = &FileResult{
		Name: name,
	}

	f, err := os.Open(name)
	if err != nil {
		fr.Err = fmt.Errorf("%w: %w", ErrFileUnavailable, err)
		l.WarnContext(ctx, "skipping rule file", "file", name, slogutil.KeyError, err)

		return fr
	}
	defer slogutil.CloseAndLog(ctx, l, f, slog.LevelDebug)

	if fi, statErr := f.Stat(); statErr == nil && fi.Size() > int64(maxSize) {
		l.WarnContext(
			ctx,
			"rule file is too large, reading only the beginning",
			"file", name,
			"size", fi.Size(),
			"max", maxSize,
		)
	}

	pr, err := p.Parse(ctx, io.LimitReader(f, int64(maxSize)), buf, add)
	fr.Rules, fr.Skipped = pr.Rules, pr.Skipped
	if err != nil {
		fr.Err = err
		l.WarnContext(ctx, "reading rule file", "file", name, slogutil.KeyError, err)

		return fr
	}

	l.DebugContext(ctx, "parsed rule file", "file", name, "rules", fr.Rules, "skipped", fr.Skipped)

	return fr
}
