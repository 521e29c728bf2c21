package sidecar

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helmd/helmd/internal/metrics"
	"github.com/helmd/helmd/internal/protocol"
)

var (
	// ErrChannelClosed is reported to every pending request when the
	// sidecar's stdout stream ends, whatever the reason.
	ErrChannelClosed = errors.New("sidecar channel closed")
	// ErrAckTimeout means the sidecar did not acknowledge receipt in time.
	// It says nothing about whether the operation itself ran.
	ErrAckTimeout = errors.New("sidecar ack timeout")
)

// maxLineSize bounds a single stdout record. The sidecar emits compact
// JSON lines; anything larger is a misbehaving stream.
const maxLineSize = 1024 * 1024

// Pending is the in-flight handle for one sent command. Done is closed
// exactly once, after which Err reports the ACK outcome.
type Pending struct {
	ID      string
	Command string
	done    chan struct{}
	err     error
}

// Done returns a channel closed when the ACK arrives, times out, or the
// channel shuts down.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Err is valid only after Done is closed.
func (p *Pending) Err() error { return p.err }

// Channel is the duplex JSON-lines wire between the host and one sidecar
// process: commands out over stdin, events in over stdout. It does not
// own the process; Daemon does. One Channel serves one sidecar session.
type Channel struct {
	stdin      io.Writer
	ackTimeout time.Duration
	log        *slog.Logger

	mu      sync.Mutex
	pending map[string]*Pending
	closed  bool

	events  chan protocol.Event
	runOnce sync.Once
}

// NewChannel wires a channel over an already-connected pipe pair. Events
// that are not ACKs are delivered on Events in arrival order.
func NewChannel(stdin io.Writer, ackTimeout time.Duration, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Second
	}
	return &Channel{
		stdin:      stdin,
		ackTimeout: ackTimeout,
		log:        log,
		pending:    make(map[string]*Pending),
		events:     make(chan protocol.Event, 64),
	}
}

// Events is the stream of non-ACK events. It is closed when the stdout
// stream ends.
func (c *Channel) Events() <-chan protocol.Event { return c.events }

// Send writes one command and registers it in the pending table. The
// returned Pending resolves when the sidecar ACKs the id, the ACK window
// elapses, or the channel closes. Callers that need the operation's
// business outcome subscribe to Events separately.
func (c *Channel) Send(ctx context.Context, command, profileID string, data map[string]any) (*Pending, error) {
	cmd := protocol.Command{
		Command:   command,
		ID:        uuid.NewString(),
		ProfileID: profileID,
		Data:      data,
	}
	return c.send(ctx, cmd)
}

// SendShutdown asks the sidecar to exit gracefully. The ACK for the fixed
// shutdown id may race the process exit; both resolutions are normal.
func (c *Channel) SendShutdown(ctx context.Context) (*Pending, error) {
	return c.send(ctx, protocol.ShutdownCommand())
}

func (c *Channel) send(ctx context.Context, cmd protocol.Command) (*Pending, error) {
	p := &Pending{ID: cmd.ID, Command: cmd.Command, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	c.pending[cmd.ID] = p
	c.mu.Unlock()

	if err := protocol.EncodeCommand(c.stdin, cmd); err != nil {
		c.resolve(cmd.ID, fmt.Errorf("send %q: %w", cmd.Command, err))
		return nil, err
	}
	metrics.CommandSent(cmd.Command)
	c.log.Debug("command sent", "command", cmd.Command, "id", cmd.ID, "profile", cmd.ProfileID)

	go c.watchAck(ctx, p)
	return p, nil
}

// watchAck enforces the ACK window for one pending request.
func (c *Channel) watchAck(ctx context.Context, p *Pending) {
	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		if c.resolve(p.ID, ErrAckTimeout) {
			metrics.AckResolved("timeout")
			c.log.Warn("ack timeout", "command", p.Command, "id", p.ID)
		}
	case <-ctx.Done():
		c.resolve(p.ID, ctx.Err())
	}
}

// resolve completes one pending entry at most once. It reports whether
// this call performed the resolution.
func (c *Channel) resolve(id string, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.err = err
	close(p.done)
	return true
}

// Run consumes the sidecar's stdout until EOF or read error. Lines that
// are not protocol records are logged and skipped. On stream end every
// pending request is rejected with ErrChannelClosed and Events is closed.
// Run returns the terminal read error, or nil on clean EOF.
func (c *Channel) Run(ctx context.Context, stdout io.Reader) error {
	var runErr error
	c.runOnce.Do(func() {
		runErr = c.readLoop(ctx, stdout)
		c.shutdownPending()
	})
	return runErr
}

func (c *Channel) readLoop(ctx context.Context, stdout io.Reader) error {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := sc.Bytes()
		ev, ok := protocol.DecodeEvent(line)
		if !ok {
			if len(line) > 0 {
				c.log.Debug("sidecar noise", "line", string(line))
			}
			continue
		}
		if ev.IsAck() {
			if c.resolve(ev.ID, nil) {
				metrics.AckResolved("ok")
				c.log.Debug("ack", "id", ev.ID)
			} else {
				c.log.Debug("ack for unknown or resolved id", "id", ev.ID)
			}
			continue
		}
		metrics.EventRouted(ev.Type)
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("sidecar stdout: %w", err)
	}
	return nil
}

// shutdownPending fails every outstanding request and closes the event
// stream. Safe to call once, after the read loop has exited.
func (c *Channel) shutdownPending() {
	c.mu.Lock()
	c.closed = true
	stale := make([]*Pending, 0, len(c.pending))
	for id, p := range c.pending {
		stale = append(stale, p)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, p := range stale {
		p.err = ErrChannelClosed
		close(p.done)
		metrics.AckResolved("closed")
	}
	if len(stale) > 0 {
		c.log.Warn("channel closed with pending requests", "count", len(stale))
	}
	close(c.events)
}

// PendingCount reports the size of the in-flight table.
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
