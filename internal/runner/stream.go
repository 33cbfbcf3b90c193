package runner

import (
	"bytes"
	"sync"
)

// BoundedBuffer is an io.Writer that keeps the first Max bytes and counts
// the rest. Runner output is unbounded; run records and log files are not.
type BoundedBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	max     int
	dropped int64
}

// NewBoundedBuffer returns a buffer capped at max bytes.
func NewBoundedBuffer(max int) *BoundedBuffer {
	return &BoundedBuffer{max: max}
}

func (b *BoundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.max - b.buf.Len()
	if room <= 0 {
		b.dropped += int64(len(p))
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.dropped += int64(len(p) - room)
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// Bytes returns the retained prefix.
func (b *BoundedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

// Truncated reports whether any bytes were discarded.
func (b *BoundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped > 0
}

// LineWriter is an io.Writer that splits its input into lines and hands each
// complete line to a callback. A trailing unterminated line is delivered on
// Close. Carriage returns before the newline are stripped.
type LineWriter struct {
	mu      sync.Mutex
	pending []byte
	onLine  func(line string)
}

// NewLineWriter returns a writer feeding complete lines to onLine.
func NewLineWriter(onLine func(line string)) *LineWriter {
	return &LineWriter{onLine: onLine}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			return len(p), nil
		}
		line := w.pending[:idx]
		w.pending = w.pending[idx+1:]
		w.emit(line)
	}
}

// Close flushes any unterminated final line.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) > 0 {
		w.emit(w.pending)
		w.pending = nil
	}
	return nil
}

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if w.onLine != nil {
		w.onLine(string(line))
	}
}
