// Package session owns the per-subscriber connection state: a bounded
// outbound queue, the configured backpressure policy, and a cooperative
// cancellation signal. A session exists from subscribe until disconnect
// and never blocks the publish path.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Policy selects the behavior when a session's outbound queue is full.
type Policy string

// Supported overflow policies.
const (
	// PolicyDropOldest evicts the oldest queued message to make room.
	PolicyDropOldest Policy = "drop_oldest"
	// PolicyDisconnect closes the session on overflow.
	PolicyDisconnect Policy = "disconnect"
)

// State is the session lifecycle position.
type State int32

// Lifecycle states, in order.
const (
	StateOpen State = iota
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const defaultQueueSize = 256

// Config controls queue sizing and overflow behavior for one session.
//   - QueueSize: outbound queue bound (default 256).
//   - OverflowPolicy: drop-oldest (default) or disconnect.
//   - OnDrop: optional hook invoked once per dropped message.
//   - OnClose: unregister hook; runs exactly once when the session
//     leaves the streaming state.
type Config struct {
	QueueSize      int
	OverflowPolicy Policy
	OnDrop         func()
	OnClose        func()
}

// Session is one outbound stream to one listener.
type Session struct {
	id      string
	policy  Policy
	onDrop  func()
	onClose func()

	mu      sync.Mutex
	queue   chan []byte
	done    chan struct{}
	state   atomic.Int32
	dropped atomic.Int64

	closeOnce sync.Once
}

// New creates a session in the Open state.
func New(cfg Config) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = PolicyDropOldest
	}
	s := &Session{
		id:      uuid.NewString(),
		policy:  cfg.OverflowPolicy,
		onDrop:  cfg.OnDrop,
		onClose: cfg.OnClose,
		queue:   make(chan []byte, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	s.state.Store(int32(StateOpen))
	return s
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Dropped returns the number of messages discarded under backpressure.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Start marks the session streaming. It is a no-op unless the session
// is still Open.
func (s *Session) Start() {
	s.state.CompareAndSwap(int32(StateOpen), int32(StateStreaming))
}

// Enqueue offers a message to the outbound queue without blocking. It
// reports whether the message was queued. Under PolicyDropOldest a full
// queue evicts its head; under PolicyDisconnect the session is closed
// and the message discarded.
func (s *Session) Enqueue(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closingLocked() {
		return false
	}
	select {
	case s.queue <- msg:
		return true
	default:
	}
	switch s.policy {
	case PolicyDisconnect:
		s.close()
		return false
	default:
		select {
		case <-s.queue:
			s.dropped.Add(1)
			if s.onDrop != nil {
				s.onDrop()
			}
		default:
		}
		select {
		case s.queue <- msg:
			return true
		default:
			// Lost the race to a concurrent drain; count the new
			// message as the drop instead.
			s.dropped.Add(1)
			if s.onDrop != nil {
				s.onDrop()
			}
			return false
		}
	}
}

// Recv returns the channel the transport drains. The channel is never
// closed; receivers must also select on Done.
func (s *Session) Recv() <-chan []byte { return s.queue }

// Done is closed when the session begins shutting down, unblocking any
// receiver.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close moves the session to Closing, runs the unregister hook exactly
// once, and unblocks pending receives. Safe to call multiple times.
func (s *Session) Close() {
	s.close()
}

// MarkClosed records that the transport finished flushing or was torn
// down. It implies Close.
func (s *Session) MarkClosed() {
	s.close()
	s.state.Store(int32(StateClosed))
}

func (s *Session) closingLocked() bool {
	st := State(s.state.Load())
	return st == StateClosing || st == StateClosed
}

// close runs the shutdown transition once. The unregister hook may take
// the owning channel's lock, so it must never run under s.mu holders
// that a broadcast also serializes on.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}
