// Package termbuf keeps the output of one terminal session in two shapes:
// a raw byte history for exact replay, and a rendered view (escape
// sequences interpreted) for humans and for readiness checks.
package termbuf

import (
	"bytes"
	"regexp"
	"strings"
	"sync"

	"github.com/vito/midterm"

	apperrors "github.com/agentfleet/host/internal/errors"
)

const (
	// DefaultMaxHistoryBytes bounds the raw history when Options leaves it unset.
	DefaultMaxHistoryBytes = 10 * 1024 * 1024

	// DefaultMaxScrollbackLines bounds the rendered scrollback.
	DefaultMaxScrollbackLines = 10000

	DefaultCols = 120
	DefaultRows = 40
)

// Options configures a Buffer. Zero values fall back to the package defaults.
type Options struct {
	Cols               int
	Rows               int
	MaxHistoryBytes    int
	MaxScrollbackLines int
}

// Buffer is a bounded, thread-safe store of a session's output.
//
// Every Write goes to two places:
//
//   - history: the raw chunks, in order, exactly as received. The sum of
//     their lengths never exceeds MaxHistoryBytes; when it would, the oldest
//     chunks are dropped first (FIFO). A single chunk larger than the whole
//     bound keeps only its newest MaxHistoryBytes bytes.
//   - vt: a midterm terminal emulator that interprets cursor movement,
//     colors and erasures so Content can return what a person would see.
//
// After Dispose, reads return zero values and Write/Resize fail with
// buffer.disposed. Clear and Dispose stay safe to call.
type Buffer struct {
	mu sync.RWMutex

	cols int
	rows int

	maxHistory    int
	maxScrollback int

	vt *midterm.Terminal

	// history holds the retained chunks oldest first; size is always the
	// sum of their lengths.
	history [][]byte
	size    int

	// written counts every byte ever passed to Write, evicted or not.
	written int64

	disposed bool
}

// New creates an empty Buffer.
func New(opts Options) *Buffer {
	if opts.Cols <= 0 {
		opts.Cols = DefaultCols
	}
	if opts.Rows <= 0 {
		opts.Rows = DefaultRows
	}
	if opts.MaxHistoryBytes <= 0 {
		opts.MaxHistoryBytes = DefaultMaxHistoryBytes
	}
	if opts.MaxScrollbackLines <= 0 {
		opts.MaxScrollbackLines = DefaultMaxScrollbackLines
	}

	b := &Buffer{
		cols:          opts.Cols,
		rows:          opts.Rows,
		maxHistory:    opts.MaxHistoryBytes,
		maxScrollback: opts.MaxScrollbackLines,
	}
	b.vt = b.newTerminal()
	return b
}

func (b *Buffer) newTerminal() *midterm.Terminal {
	vt := midterm.NewTerminal(b.rows, b.cols)
	vt.AutoResizeY = true
	vt.AppendOnly = true
	return vt
}

// Write appends data to the raw history and feeds it to the renderer.
func (b *Buffer) Write(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return apperrors.BufferDisposed()
	}
	if len(data) == 0 {
		return nil
	}

	chunk := data
	if len(chunk) > b.maxHistory {
		chunk = chunk[len(chunk)-b.maxHistory:]
	}
	// Callers commonly reuse their read buffers.
	owned := make([]byte, len(chunk))
	copy(owned, chunk)

	b.history = append(b.history, owned)
	b.size += len(owned)
	b.written += int64(len(data))
	b.evict()

	// midterm never returns a meaningful error for in-memory writes.
	_, _ = b.vt.Write(data)
	b.compactScrollback()
	return nil
}

// evict drops whole chunks from the front until size fits the bound.
func (b *Buffer) evict() {
	drop := 0
	for b.size > b.maxHistory && drop < len(b.history) {
		b.size -= len(b.history[drop])
		b.history[drop] = nil
		drop++
	}
	if drop > 0 {
		b.history = b.history[drop:]
	}
}

// compactScrollback re-seeds the renderer with its newest lines once the
// rendered content grows past rows+maxScrollback. Formatting of the dropped
// region is lost; the text of the kept region is preserved.
func (b *Buffer) compactScrollback() {
	limit := b.rows + b.maxScrollback
	if len(b.vt.Content) <= limit {
		return
	}

	lines := b.renderedLines()
	if len(lines) > b.maxScrollback {
		lines = lines[len(lines)-b.maxScrollback:]
	}
	trailingBlank := len(b.vt.Content) > 0 && strings.TrimSpace(string(b.vt.Content[len(b.vt.Content)-1])) == ""

	vt := b.newTerminal()
	seed := strings.Join(lines, "\r\n")
	if trailingBlank {
		seed += "\r\n"
	}
	_, _ = vt.Write([]byte(seed))
	b.vt = vt
}

// renderedLines returns the rendered rows with trailing padding removed and
// trailing empty rows dropped. Caller must hold mu.
func (b *Buffer) renderedLines() []string {
	if b.vt == nil {
		return nil
	}
	lines := make([]string, 0, len(b.vt.Content))
	for _, row := range b.vt.Content {
		lines = append(lines, strings.TrimRight(string(row), " \x00"))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Content returns the last maxLines rendered lines joined by newlines.
// maxLines <= 0 returns everything. Disposed buffers return "".
func (b *Buffer) Content(maxLines int) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.disposed {
		return ""
	}
	lines := b.renderedLines()
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}

// AllContent returns every rendered line still held by the renderer.
func (b *Buffer) AllContent() string {
	return b.Content(0)
}

// History returns a copy of the retained raw chunks, oldest first.
func (b *Buffer) History() [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.disposed || len(b.history) == 0 {
		return nil
	}
	out := make([][]byte, len(b.history))
	for i, chunk := range b.history {
		out[i] = append([]byte(nil), chunk...)
	}
	return out
}

// HistoryString returns the retained raw bytes, escape sequences included.
func (b *Buffer) HistoryString() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.disposed || b.size == 0 {
		return ""
	}
	var buf bytes.Buffer
	buf.Grow(b.size)
	for _, chunk := range b.history {
		buf.Write(chunk)
	}
	return buf.String()
}

// Since returns the retained raw bytes from stream offset pos onward and the
// offset to pass on the next call. Offsets count every byte ever written, so
// bytes evicted or cleared since pos are skipped rather than repeated.
func (b *Buffer) Since(pos int64) (string, int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.disposed {
		return "", pos
	}
	skip := pos - (b.written - int64(b.size))
	if skip < 0 {
		skip = 0
	}
	if skip >= int64(b.size) {
		return "", b.written
	}
	var buf bytes.Buffer
	buf.Grow(b.size - int(skip))
	for _, chunk := range b.history {
		if skip >= int64(len(chunk)) {
			skip -= int64(len(chunk))
			continue
		}
		buf.Write(chunk[skip:])
		skip = 0
	}
	return buf.String(), b.written
}

// HistorySize returns the number of raw bytes currently retained.
func (b *Buffer) HistorySize() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.disposed {
		return 0
	}
	return b.size
}

// MaxHistorySize returns the configured history bound.
func (b *Buffer) MaxHistorySize() int {
	return b.maxHistory
}

// Resize changes the rendering dimensions.
func (b *Buffer) Resize(cols, rows int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return apperrors.BufferDisposed()
	}
	if cols <= 0 || rows <= 0 {
		return nil
	}

	b.cols, b.rows = cols, rows
	height := rows
	if len(b.vt.Content) > height {
		height = len(b.vt.Content)
	}
	b.vt.Resize(height, cols)
	return nil
}

// Size returns the current dimensions. Disposed buffers report 0x0.
func (b *Buffer) Size() (cols, rows int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.disposed {
		return 0, 0
	}
	return b.cols, b.rows
}

// Clear resets the renderer and drops all history.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return
	}
	b.vt = b.newTerminal()
	b.history = nil
	b.size = 0
}

// Dispose releases the renderer and history. It is idempotent.
func (b *Buffer) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.vt = nil
	b.history = nil
	b.size = 0
	b.disposed = true
}

// Disposed reports whether Dispose has been called.
func (b *Buffer) Disposed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.disposed
}

// Contains reports whether the rendered content contains substr.
func (b *Buffer) Contains(substr string) bool {
	if substr == "" {
		return false
	}
	return strings.Contains(b.AllContent(), substr)
}

// FindLines returns the rendered lines matching re.
func (b *Buffer) FindLines(re *regexp.Regexp) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.disposed || re == nil {
		return nil
	}
	var matches []string
	for _, line := range b.renderedLines() {
		if re.MatchString(line) {
			matches = append(matches, line)
		}
	}
	return matches
}
