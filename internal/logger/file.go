package logger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
)

// appendFile is an io.Writer that opens, appends to and closes path on every
// Write, so no descriptor is held between training steps.
type appendFile struct {
	path string
}

func (f appendFile) Write(p []byte) (int, error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return 0, err
	}
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	n, werr := fh.Write(p)
	return n, errors.Join(werr, fh.Close())
}

// NewFileHandler returns a plain-text handler appending one line per record to path.
func NewFileHandler(path string, level slog.Level) slog.Handler {
	return NewPlainHandler(appendFile{path: path}, &slog.HandlerOptions{Level: level})
}

// teeHandler fans each record out to every child handler.
type teeHandler []slog.Handler

// Tee returns a Logger writing to all of the given handlers.
func Tee(handlers ...slog.Handler) Logger {
	return New(teeHandler(handlers))
}

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
