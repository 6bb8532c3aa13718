package joblog

import (
	"bytes"
	"context"
	"sync"

	"github.com/cuongbtq/taskq/internal/store"
)

// Writer turns a byte stream into log entries, one per line. Store errors
// never fail a Write so a child process pipe is never cut short; the first
// one is kept for Err.
type Writer struct {
	ctx   context.Context
	logs  store.LogStore
	tags  Tags
	level string

	mu  sync.Mutex
	buf []byte
	err error
}

// NewWriter creates a Writer tagging every line with tags and level
func NewWriter(ctx context.Context, logs store.LogStore, tags Tags, level string) *Writer {
	return &Writer{
		ctx:   context.WithoutCancel(ctx),
		logs:  logs,
		tags:  tags,
		level: level,
	}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(bytes.TrimRight(w.buf[:i], "\r")))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Close flushes a trailing partial line
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
	return w.err
}

// Err returns the first store error seen
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Writer) emit(line string) {
	if err := w.logs.AppendLog(w.ctx, w.tags.entry(w.level, line)); err != nil && w.err == nil {
		w.err = err
	}
}
