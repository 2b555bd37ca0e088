package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// DefaultMaxBackups is the number of rotated files kept when rotation is on
// and FileOptions.MaxBackups is zero.
const DefaultMaxBackups = 3

// FileOptions controls rotation of the JSONL audit file.
type FileOptions struct {
	// MaxBytes rotates the file before a write would grow it past this size.
	// Zero disables rotation.
	MaxBytes int64
	// MaxBackups bounds the rotated files kept as path.1 (newest) to path.N.
	MaxBackups int
}

// FileLogger appends events to a JSONL file, one event per line. With
// rotation enabled the active file is renamed to path.1 once it is full and
// older backups shift up by one; the oldest is removed.
type FileLogger struct {
	path string
	opts FileOptions

	mu   sync.Mutex // guards file and size
	file *os.File
	size int64

	logger *slog.Logger
}

// NewFileLogger opens path for appending, creating it and its directory as
// needed. The file is readable by its owner only.
func NewFileLogger(path string, opts FileOptions, logger *slog.Logger) (*FileLogger, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxBytes > 0 && opts.MaxBackups <= 0 {
		opts.MaxBackups = DefaultMaxBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	l := &FileLogger{path: path, opts: opts, logger: logger}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) open() error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening audit log %s: %w", l.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat audit log %s: %w", l.path, err)
	}
	l.file, l.size = f, info.Size()
	return nil
}

// Record appends event as one line, rotating first when the line would not
// fit. An event larger than MaxBytes still goes to a fresh file on its own.
func (l *FileLogger) Record(ctx context.Context, event Event) error {
	stamp(&event)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return os.ErrClosed
	}
	if l.opts.MaxBytes > 0 && l.size > 0 && l.size+int64(len(data)) > l.opts.MaxBytes {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotating audit log: %w", err)
		}
	}
	n, err := l.file.Write(data)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	l.logger.DebugContext(ctx, "audit event logged", eventAttrs(event)...)
	return nil
}

// rotate moves the active file to path.1, shifting older backups up, and
// reopens path. The file is reopened even when shifting fails so later
// events are not lost. Callers hold mu.
func (l *FileLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	l.file = nil
	size := l.size

	err := l.shift()
	if openErr := l.open(); openErr != nil {
		return errors.Join(err, openErr)
	}
	if err != nil {
		return err
	}
	l.logger.Info("audit log rotated", slog.String("path", l.path), slog.Int64("bytes", size))
	return nil
}

func (l *FileLogger) shift() error {
	if err := os.Remove(l.backup(l.opts.MaxBackups)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for i := l.opts.MaxBackups - 1; i >= 1; i-- {
		if err := os.Rename(l.backup(i), l.backup(i+1)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return os.Rename(l.path, l.backup(1))
}

func (l *FileLogger) backup(n int) string {
	return l.path + "." + strconv.Itoa(n)
}

// eventAttrs picks the log fields that identify an event of its action.
func eventAttrs(e Event) []any {
	attrs := []any{slog.String("action", e.Action), slog.String("result", e.Result)}
	switch e.Action {
	case ActionHostToolCall:
		attrs = append(attrs,
			slog.String("server", e.Server),
			slog.String("tool", e.Tool),
			slog.Int64("duration_ms", e.DurationMS),
		)
		if e.Error != "" {
			attrs = append(attrs, slog.String("error", e.Error))
		}
	case ActionHookPre:
		attrs = append(attrs, slog.String("tool", e.Tool), slog.String("tool_use_id", e.ToolUseID))
		if e.Reason != "" {
			attrs = append(attrs, slog.String("reason", e.Reason))
		}
	default:
		attrs = append(attrs, slog.String("tool", e.Tool))
	}
	return append(attrs, slog.String("request_id", e.RequestID))
}

// Close closes the active file. Record fails afterwards.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
