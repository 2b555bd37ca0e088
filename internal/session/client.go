package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"sync"

	"github.com/jkaninda/agentbox/internal/message"
	"github.com/jkaninda/agentbox/internal/sandbox"
)

var (
	// ErrNoQuery is returned by Receive when no turn is pending.
	ErrNoQuery = errors.New("no query pending: call Query first")
	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("client closed")
)

// Client holds a multi-turn conversation. One sandbox is reused across turns
// and each turn resumes the agent session reported by the previous one.
type Client struct {
	orch *Orchestrator
	opts Options

	mu        sync.Mutex
	sb        sandbox.Sandbox
	pending   *Execution
	sessionID string
	history   []message.Message
	closed    bool
}

// NewClient creates a client. No sandbox exists until Connect or the first Query.
func NewClient(orch *Orchestrator, opts Options) *Client {
	return &Client{orch: orch, opts: opts, sessionID: opts.Resume}
}

// Connect creates the sandbox. It is a no-op when one is already running.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.closed {
		return ErrClientClosed
	}
	if c.sb != nil {
		return nil
	}
	if c.opts.Sandbox != nil {
		c.sb = c.opts.Sandbox
		return nil
	}
	sb, err := c.orch.CreateSandbox(ctx, c.opts)
	if err != nil {
		return err
	}
	c.sb = sb
	return nil
}

// Query sends a turn. Its messages are read with Receive or ReceiveResponse.
func (c *Client) Query(ctx context.Context, prompt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return err
	}
	if c.pending != nil && !c.pending.started.Load() {
		return fmt.Errorf("previous query has not been received")
	}

	opts := c.opts
	opts.Sandbox = c.sb
	opts.KeepSandbox = true
	opts.Resume = c.sessionID
	c.pending = c.orch.Execute(prompt, opts)
	return nil
}

// Receive yields every message of the pending turn.
func (c *Client) Receive(ctx context.Context) iter.Seq2[message.Message, error] {
	return func(yield func(message.Message, error) bool) {
		c.mu.Lock()
		exec := c.pending
		c.pending = nil
		c.mu.Unlock()
		if exec == nil {
			yield(nil, ErrNoQuery)
			return
		}

		for msg, err := range exec.Messages(ctx) {
			if msg != nil {
				c.record(msg)
			}
			if !yield(msg, err) {
				break
			}
		}
		c.afterTurn(exec)
	}
}

// ReceiveResponse yields messages up to and including the Result. The rest
// of the turn is drained so the sandbox stays usable.
func (c *Client) ReceiveResponse(ctx context.Context) iter.Seq2[message.Message, error] {
	return func(yield func(message.Message, error) bool) {
		done := false
		for msg, err := range c.Receive(ctx) {
			if done {
				continue
			}
			if !yield(msg, err) {
				done = true
				continue
			}
			if _, ok := msg.(*message.ResultMessage); ok {
				done = true
			}
		}
	}
}

func (c *Client) record(msg message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, msg)
	if r, ok := msg.(*message.ResultMessage); ok && r.SessionID != "" {
		c.sessionID = r.SessionID
	}
}

// afterTurn forgets a sandbox the turn tore down. A turn the caller stopped
// early only killed its relay, so the sandbox is reused.
func (c *Client) afterTurn(exec *Execution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id := exec.SessionID(); id != "" {
		c.sessionID = id
	}
	switch exec.State() {
	case StateTimedOut, StateTerminated:
		if !exec.kept.Load() {
			c.sb = nil
		}
	}
}

// SessionID returns the agent session id reported by the last turn.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// History returns every message received so far.
func (c *Client) History() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.history)
}

type historyExport struct {
	SessionID string            `json:"session_id,omitempty"`
	Messages  []message.Message `json:"messages"`
}

// ExportHistory writes the conversation as indented JSON.
func (c *Client) ExportHistory(w io.Writer) error {
	c.mu.Lock()
	out := historyExport{SessionID: c.sessionID, Messages: slices.Clone(c.history)}
	c.mu.Unlock()
	if out.Messages == nil {
		out.Messages = []message.Message{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("exporting history: %w", err)
	}
	return nil
}

// Close terminates the sandbox unless the caller supplied it.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.pending = nil
	sb := c.sb
	c.sb = nil
	if sb == nil || sb == c.opts.Sandbox {
		return nil
	}
	if err := sb.Terminate(ctx); err != nil {
		return fmt.Errorf("terminating sandbox: %w", err)
	}
	return nil
}
