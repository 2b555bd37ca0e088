package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"
)

// DefaultMaxLineSize bounds a single line read from the channel.
const DefaultMaxLineSize = 16 << 20 // 16 MiB

var (
	// ErrEmbeddedNewline is returned by SendRaw for lines that would split on the wire.
	ErrEmbeddedNewline = errors.New("line contains embedded newline")
	// ErrChannelClosed is returned by Send after Close.
	ErrChannelClosed = errors.New("channel closed")
)

// Channel is one end of the NDJSON transport: lines are read from r and
// written to w. Writes are serialized so concurrent senders never interleave.
type Channel struct {
	r io.Reader

	mu     sync.Mutex // guards w, closer and closed
	w      *bufio.Writer
	file   *os.File // set when the writer is a file, for Sync
	closer io.Closer
	closed bool

	readMu   sync.Mutex
	consumed bool
	readErr  error

	maxLine int
	settle  time.Duration
	logger  *slog.Logger
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithMaxLineSize sets the largest accepted line in bytes.
func WithMaxLineSize(n int) ChannelOption {
	return func(c *Channel) {
		if n > 0 {
			c.maxLine = n
		}
	}
}

// WithSettleDelay adds a short pause after each flushed write. Some multiplexed
// process-stream transports drop or merge lines written back to back.
func WithSettleDelay(d time.Duration) ChannelOption {
	return func(c *Channel) { c.settle = d }
}

// WithChannelLogger sets the logger used for protocol traffic at debug level.
func WithChannelLogger(l *slog.Logger) ChannelOption {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewChannel creates a Channel reading from r and writing to w. Either side may
// be nil for a one-directional channel. If w implements io.Closer, Close closes it.
func NewChannel(r io.Reader, w io.Writer, opts ...ChannelOption) *Channel {
	c := &Channel{
		r:       r,
		maxLine: DefaultMaxLineSize,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if w != nil {
		c.w = bufio.NewWriter(w)
		if f, ok := w.(*os.File); ok {
			c.file = f
		}
		if cl, ok := w.(io.Closer); ok {
			c.closer = cl
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send encodes v as one JSON line and writes it atomically.
func (c *Channel) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding line: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw writes a pre-encoded line. A trailing newline is added if missing.
// The write, flush and sync happen under one lock.
func (c *Channel) SendRaw(line []byte) error {
	line = bytes.TrimRight(line, "\r\n")
	if bytes.IndexByte(line, '\n') >= 0 {
		return ErrEmbeddedNewline
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.w == nil {
		return errors.New("channel has no writer")
	}
	if c.closed {
		return ErrChannelClosed
	}
	if _, err := c.w.Write(line); err != nil {
		return fmt.Errorf("writing line: %w", err)
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("writing line: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("flushing line: %w", err)
	}
	if c.file != nil {
		if err := c.file.Sync(); err != nil && !ignorableSyncError(err) {
			return fmt.Errorf("syncing line: %w", err)
		}
	}
	if c.settle > 0 {
		time.Sleep(c.settle)
	}

	c.logger.Debug("line sent", slog.Int("bytes", len(line)))
	return nil
}

// ignorableSyncError reports errors fsync returns for pipes and terminals.
func ignorableSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) ||
		errors.Is(err, syscall.ENOTSUP) ||
		errors.Is(err, syscall.EBADF) ||
		errors.Is(err, os.ErrClosed)
}

// Lines returns the lazy sequence of non-empty lines read from the channel.
// Lines longer than the configured maximum are discarded up to the next
// newline and reading continues. The sequence ends at EOF or on a read error
// (see Err) and can be consumed only once; later calls yield nothing.
func (c *Channel) Lines() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		c.readMu.Lock()
		if c.consumed || c.r == nil {
			c.readMu.Unlock()
			return
		}
		c.consumed = true
		c.readMu.Unlock()

		br := bufio.NewReaderSize(c.r, 64*1024)
		var buf []byte
		oversized := false
		for {
			chunk, err := br.ReadSlice('\n')
			if !oversized {
				buf = append(buf, chunk...)
				// Room for a trailing CRLF; the exact limit is checked after trimming.
				if len(buf) > c.maxLine+2 {
					oversized = true
					buf = buf[:0]
				}
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if oversized {
				c.logger.Debug("oversized line dropped", slog.Int("max_bytes", c.maxLine))
				oversized = false
			} else if line := bytes.TrimSpace(buf); len(line) > 0 {
				if len(line) > c.maxLine {
					c.logger.Debug("oversized line dropped", slog.Int("max_bytes", c.maxLine))
				} else if !yield(bytes.Clone(line)) {
					return
				}
			}
			buf = buf[:0]
			if err != nil {
				if !errors.Is(err, io.EOF) {
					c.readMu.Lock()
					c.readErr = err
					c.readMu.Unlock()
				}
				return
			}
		}
	}
}

// Err returns the error that ended Lines, or nil on a clean EOF.
func (c *Channel) Err() error {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.readErr
}

// Close flushes pending output and closes the writer if it is closable.
// Close is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	if c.w != nil {
		if err := c.w.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.closer != nil {
		if err := c.closer.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
