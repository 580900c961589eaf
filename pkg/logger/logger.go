package logger

import (
	"context"
	"log/slog"
	"os"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

// New returns a production-friendly structured logger.
// When filePath is set, records are also appended as JSON to that file.
// The returned cleanup closes the file and is safe to call when no file was opened.
func New(appEnv, filePath string) (*slog.Logger, func() error) {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}

	stdout := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if filePath == "" {
		return slog.New(stdout), func() error { return nil }
	}

	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l := slog.New(stdout)
		l.Error("log file open failed, using stdout only", "err", err, "file", filePath)
		return l, func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stdout, fileHandler)), f.Close
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// ShutdownFlush runs cleanup with a bounded wait so a stuck file close cannot hang shutdown.
func ShutdownFlush(ctx context.Context, timeout time.Duration, cleanup func() error) error {
	if cleanup == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- cleanup() }()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}
