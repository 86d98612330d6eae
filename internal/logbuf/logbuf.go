// Package logbuf contains an in-memory buffer of the most recent log lines.
package logbuf

import (
	"bytes"
	"io"
	"sync"
)

// DefaultSize is the default number of lines kept by a [Buffer].
const DefaultSize uint = 1000

// MaxLineLen is the maximum length of a kept line in bytes.  Longer lines are
// truncated.
const MaxLineLen = 16 * 1024

// Buffer is an [io.Writer] that keeps the last lines written to it.  It is
// safe for concurrent use.
type Buffer struct {
	// mu protects the fields below.
	mu *sync.Mutex

	lines [][]byte
	cur   uint
	full  bool

	// partial is the unterminated tail of the last write.
	partial []byte
}

// New returns a new buffer keeping up to size lines.  If size is zero,
// [DefaultSize] is used.
func New(size uint) (b *Buffer) {
	if size == 0 {
		size = DefaultSize
	}

	return &Buffer{
		mu:    &sync.Mutex{},
		lines: make([][]byte, size),
	}
}

// type check
var _ io.Writer = (*Buffer)(nil)

// Write implements the [io.Writer] interface for *Buffer.  p is split into
// lines, and an unterminated tail is kept until the next write completes it.
// Lines longer than [MaxLineLen] are truncated.
func (b *Buffer) Write(p []byte) (n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n = len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			b.partial = appendLimited(b.partial, p)

			break
		}

		line := appendLimited(b.partial, p[:i])
		b.partial = nil
		p = p[i+1:]

		b.append(line)
	}

	return n, nil
}

// appendLimited appends as much of data to line as fits into [MaxLineLen].
func appendLimited(line, data []byte) (res []byte) {
	free := MaxLineLen - len(line)
	if len(data) > free {
		data = data[:free]
	}

	return append(line, data...)
}

// append adds a line, overwriting the oldest one if b is full.  b.mu must be
// locked.
func (b *Buffer) append(line []byte) {
	b.lines[b.cur] = line
	b.cur = (b.cur + 1) % uint(len(b.lines))
	if b.cur == 0 {
		b.full = true
	}
}

// Lines returns the copies of the kept lines in chronological order.
func (b *Buffer) Lines() (lines []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	older, newer := b.split()
	lines = make([]string, 0, len(older)+len(newer))
	for _, l := range older {
		lines = append(lines, string(l))
	}

	for _, l := range newer {
		lines = append(lines, string(l))
	}

	return lines
}

// split returns the kept lines before and after the current position in
// chronological order.  b.mu must be locked.
func (b *Buffer) split() (older, newer [][]byte) {
	if !b.full {
		return b.lines[:b.cur], nil
	}

	return b.lines[b.cur:], b.lines[:b.cur]
}

// type check
var _ io.WriterTo = (*Buffer)(nil)

// WriteTo implements the [io.WriterTo] interface for *Buffer.  Each line is
// terminated with a newline.
func (b *Buffer) WriteTo(w io.Writer) (n int64, err error) {
	for _, l := range b.Lines() {
		var written int
		written, err = io.WriteString(w, l+"\n")
		n += int64(written)
		if err != nil {
			return n, err
		}
	}

	return n, nil
}

// Clear removes all kept lines, including the unterminated tail.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.lines)
	b.cur = 0
	b.full = false
	b.partial = nil
}

// Len returns the number of kept lines.
func (b *Buffer) Len() (n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.full {
		return len(b.lines)
	}

	return int(b.cur)
}
