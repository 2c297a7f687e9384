package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrNoPeer          = errors.New("no peer connection")
	ErrToolCallTimeout = errors.New("tool call timed out")
	ErrPeerReplaced    = errors.New("peer connection replaced")
	ErrClosed          = errors.New("transport closed")
)

// Envelope is the wire shape in both directions.
type Envelope struct {
	CorrelationID string `json:"correlationId"`
	Data          string `json:"data"`
}

// PeerConn is the live duplex connection to the remote tool executor.
type PeerConn interface {
	WriteMessage(data []byte) error
	Close() error
}

type reply struct {
	data string
	err  error
}

// Transport pairs outgoing requests with their replies over a single peer
// connection slot. Each request gets a fresh correlation id and waits until
// a reply with that id arrives, the deadline passes or ctx ends. Whichever
// of resolve and timeout removes the pending entry first wins.
type Transport struct {
	mu        sync.Mutex
	conn      PeerConn
	pending   map[string]chan reply
	closed    bool
	timeout   time.Duration
	failFast  bool
	newID     func() string
	unmatched func(raw []byte)
	logger    *slog.Logger
}

type Option func(*Transport)

func WithTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithFailFastOnReplace makes Replace fail every pending request with
// ErrPeerReplaced instead of leaving them to time out.
func WithFailFastOnReplace(enabled bool) Option {
	return func(t *Transport) {
		t.failFast = enabled
	}
}

// WithUnmatchedHandler receives inbound messages that are not replies to a
// pending request.
func WithUnmatchedHandler(fn func(raw []byte)) Option {
	return func(t *Transport) {
		t.unmatched = fn
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func withIDSource(fn func() string) Option {
	return func(t *Transport) {
		t.newID = fn
	}
}

func New(opts ...Option) *Transport {
	t := &Transport{
		pending: map[string]chan reply{},
		timeout: DefaultTimeout,
		newID:   func() string { return uuid.New().String() },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "transport")
	return t
}

func (t *Transport) Timeout() time.Duration {
	return t.timeout
}

// Replace installs conn as the current peer and closes the previous one.
// After Close, conn is closed at once and ErrClosed is returned.
func (t *Transport) Replace(conn PeerConn) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		if err := conn.Close(); err != nil {
			t.logger.Debug("closing late peer", "error", err)
		}
		return ErrClosed
	}
	prev := t.conn
	t.conn = conn
	var failed []chan reply
	if t.failFast {
		failed = t.drainLocked()
	}
	t.mu.Unlock()

	for _, ch := range failed {
		ch <- reply{err: ErrPeerReplaced}
	}
	if prev != nil && prev != conn {
		if err := prev.Close(); err != nil {
			t.logger.Debug("closing replaced peer", "error", err)
		}
		t.logger.Info("peer connection replaced", "failed_pending", len(failed))
	} else {
		t.logger.Info("peer connected")
	}
	return nil
}

// Detach clears the slot if conn is still the current peer. Pending requests
// are left to their deadlines.
func (t *Transport) Detach(conn PeerConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn = nil
		t.logger.Info("peer disconnected")
	}
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Pending reports the number of requests awaiting a reply.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Send writes data to the current peer under a new correlation id and
// blocks for the reply payload.
func (t *Transport) Send(ctx context.Context, data string) (string, error) {
	id := t.newID()
	ch := make(chan reply, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", ErrClosed
	}
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return "", ErrNoPeer
	}
	t.pending[id] = ch
	t.mu.Unlock()

	msg, err := json.Marshal(Envelope{CorrelationID: id, Data: data})
	if err != nil {
		t.remove(id)
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	if err := conn.WriteMessage(msg); err != nil {
		t.remove(id)
		return "", fmt.Errorf("write to peer: %w", err)
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.data, r.err
	case <-timer.C:
		if t.remove(id) {
			t.logger.Warn("correlated request timed out", "correlation_id", id, "timeout", t.timeout)
			return "", fmt.Errorf("%w after %s", ErrToolCallTimeout, t.timeout)
		}
		r := <-ch
		return r.data, r.err
	case <-ctx.Done():
		if t.remove(id) {
			return "", ctx.Err()
		}
		r := <-ch
		return r.data, r.err
	}
}

// HandleInbound routes one raw inbound message. It returns true when the
// message resolved a pending request. Late or unknown replies are dropped.
func (t *Transport) HandleInbound(raw []byte) bool {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.CorrelationID == "" {
		t.handleUnmatched(raw)
		return false
	}
	t.mu.Lock()
	ch, ok := t.pending[env.CorrelationID]
	if ok {
		delete(t.pending, env.CorrelationID)
	}
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("dropping reply without pending request", "correlation_id", env.CorrelationID)
		t.handleUnmatched(raw)
		return false
	}
	ch <- reply{data: env.Data}
	return true
}

// Close fails all pending requests and closes the current peer.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	failed := t.drainLocked()
	t.mu.Unlock()

	for _, ch := range failed {
		ch <- reply{err: ErrClosed}
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (t *Transport) remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	return true
}

func (t *Transport) drainLocked() []chan reply {
	out := make([]chan reply, 0, len(t.pending))
	for id, ch := range t.pending {
		out = append(out, ch)
		delete(t.pending, id)
	}
	return out
}

func (t *Transport) handleUnmatched(raw []byte) {
	if t.unmatched != nil {
		t.unmatched(raw)
	}
}
