package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/inventahq/eventrelay/internal/event"
	"github.com/inventahq/eventrelay/internal/metrics"
	"github.com/inventahq/eventrelay/internal/session"
)

// Clock abstracts time for idle-eviction tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

const (
	defaultIdleGrace     = 5 * time.Minute
	defaultSweepInterval = time.Minute
	dropLogInterval      = 5 * time.Second
)

// ErrClosed is returned by publish and subscribe after Close.
var ErrClosed = errors.New("bus closed")

// Config controls registry behavior.
//   - IdleGrace: how long a channel with no subscribers and no publishes
//     survives before the sweeper reclaims it (default 5m).
//   - SweepInterval: cadence of the eviction sweep (default 1m).
//   - QueueSize / OverflowPolicy: per-session queue bound and
//     backpressure policy (defaults per the session package).
//   - Clock: time source, defaults to the system clock.
//   - Logger: optional structured logger.
//   - Metrics: optional collector set; nil disables instrumentation.
type Config struct {
	IdleGrace      time.Duration
	SweepInterval  time.Duration
	QueueSize      int
	OverflowPolicy session.Policy
	Clock          Clock
	Logger         *zap.Logger
	Metrics        *metrics.Set
}

// Registry maps tenant ids to their broadcast channels. It is safe for
// concurrent use; per-tenant locks keep tenants independent of each
// other.
type Registry struct {
	cfg     Config
	logger  *zap.Logger
	clock   Clock
	metrics *metrics.Set

	mu       sync.RWMutex
	channels map[string]*TenantChannel

	stopCh    chan struct{}
	doneCh    chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	dropLimiter rateLimiter
	dropped     atomic.Int64
}

// NewRegistry builds a registry and starts its background idle-eviction
// sweeper. The registry is immediately ready for publish and subscribe.
func NewRegistry(cfg Config) *Registry {
	if cfg.IdleGrace <= 0 {
		cfg.IdleGrace = defaultIdleGrace
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		cfg:         cfg,
		logger:      logger,
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		channels:    make(map[string]*TenantChannel),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go r.sweep()
	return r
}

// Publish decodes one line and broadcasts it to the tenant's channel.
// Empty lines report event.ErrEmptyLine and are otherwise ignored.
// Decode failures are counted and returned but never affect other lines
// or other tenants.
func (r *Registry) Publish(ctx context.Context, tenant string, line []byte) error {
	env, err := event.DecodeLine(line)
	if err != nil {
		if errors.Is(err, event.ErrEmptyLine) {
			return err
		}
		reason := "malformed"
		if errors.Is(err, event.ErrMissingField) {
			reason = "missing_field"
		}
		r.metrics.DecodeFailure(reason)
		r.logger.Warn("dropping undecodable envelope",
			zap.String("tenant", tenant),
			zap.Error(err),
		)
		return err
	}
	return r.PublishEnvelope(ctx, tenant, env)
}

// PublishEnvelope broadcasts an already-decoded envelope to every
// session subscribed to the tenant, folding collect-progress payloads
// through the per-task merger first. Envelopes published sequentially
// reach all sessions in the same relative order.
func (r *Registry) PublishEnvelope(_ context.Context, tenant string, env event.Envelope) error {
	if err := env.Validate(); err != nil {
		r.metrics.DecodeFailure("invalid")
		return fmt.Errorf("publish: %w", err)
	}
	if r.closed.Load() {
		return ErrClosed
	}
	for {
		ch := r.getOrCreate(tenant)
		delivered, ok, err := ch.publish(env)
		if !ok {
			// Channel was swept between lookup and lock; retry with
			// a fresh one.
			continue
		}
		if err != nil {
			r.metrics.DecodeFailure("bad_payload")
			r.logger.Warn("dropping envelope with undecodable payload",
				zap.String("tenant", tenant),
				zap.String("kind", string(env.Kind)),
				zap.Error(err),
			)
			return err
		}
		r.metrics.Published(string(env.Kind))
		r.metrics.Broadcast(delivered)
		return nil
	}
}

// Subscribe attaches a new session to the tenant's channel, creating
// the channel on demand. The caller drains the session until its Done
// channel closes, then calls MarkClosed.
func (r *Registry) Subscribe(tenant string) (*session.Session, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	for {
		ch := r.getOrCreate(tenant)
		sess, ok := ch.subscribe(r.sessionConfig(), func(id string) {
			r.onSessionClosed(tenant, id)
		})
		if !ok {
			continue
		}
		r.metrics.SubscriberAdded()
		r.logger.Debug("subscriber attached",
			zap.String("tenant", tenant),
			zap.String("session", sess.ID()),
		)
		return sess, nil
	}
}

// EvictIfIdle removes the tenant's channel when it has no subscribers
// and no publish within the idle grace period. It reports whether the
// channel was removed.
func (r *Registry) EvictIfIdle(tenant string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[tenant]
	if !ok {
		return false
	}
	if !ch.retire(r.clock.Now(), r.cfg.IdleGrace) {
		return false
	}
	delete(r.channels, tenant)
	r.metrics.ChannelEvicted()
	r.logger.Debug("evicted idle tenant channel", zap.String("tenant", tenant))
	return true
}

// Subscribers reports the number of sessions attached to a tenant's
// channel, zero when the channel does not exist.
func (r *Registry) Subscribers(tenant string) int {
	r.mu.RLock()
	ch, ok := r.channels[tenant]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return ch.Subscribers()
}

// Tenants returns the ids with a live channel.
func (r *Registry) Tenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tenants := make([]string, 0, len(r.channels))
	for tenant := range r.channels {
		tenants = append(tenants, tenant)
	}
	return tenants
}

// Close stops the sweeper and shuts down every session. It is safe to
// call multiple times.
func (r *Registry) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.stopCh)
	})
	select {
	case <-r.doneCh:
	case <-ctx.Done():
		return fmt.Errorf("bus close wait: %w", ctx.Err())
	}
	r.mu.Lock()
	channels := make([]*TenantChannel, 0, len(r.channels))
	for tenant, ch := range r.channels {
		channels = append(channels, ch)
		delete(r.channels, tenant)
	}
	r.mu.Unlock()
	for _, ch := range channels {
		ch.closeSessions()
	}
	return nil
}

func (r *Registry) getOrCreate(tenant string) *TenantChannel {
	r.mu.RLock()
	ch, ok := r.channels[tenant]
	r.mu.RUnlock()
	if ok {
		return ch
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok = r.channels[tenant]; ok {
		return ch
	}
	ch = newTenantChannel(tenant, r.clock)
	r.channels[tenant] = ch
	r.metrics.ChannelCreated()
	r.logger.Debug("created tenant channel", zap.String("tenant", tenant))
	return ch
}

// sessionConfig builds the per-session queue settings. OnClose is
// filled in by the channel so it can unregister the session from its
// own set.
func (r *Registry) sessionConfig() session.Config {
	policy := r.cfg.OverflowPolicy
	if policy == "" {
		policy = session.PolicyDropOldest
	}
	return session.Config{
		QueueSize:      r.cfg.QueueSize,
		OverflowPolicy: policy,
		OnDrop: func() {
			r.metrics.Dropped(string(policy))
			r.noteDrops(1)
		},
	}
}

func (r *Registry) onSessionClosed(tenant, id string) {
	r.metrics.SubscriberRemoved()
	r.logger.Debug("subscriber detached",
		zap.String("tenant", tenant),
		zap.String("session", id),
	)
}

func (r *Registry) noteDrops(n int64) {
	r.dropped.Add(n)
	if r.dropLimiter.Allow(r.clock.Now()) {
		count := r.dropped.Swap(0)
		r.logger.Warn("messages dropped due to subscriber backpressure",
			zap.Int64("dropped", count),
		)
	}
}

func (r *Registry) sweep() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, tenant := range r.Tenants() {
				r.EvictIfIdle(tenant)
			}
		case <-r.stopCh:
			return
		}
	}
}

// rateLimiter admits at most one call per interval. Lock-free so drop
// accounting never serializes publishers.
type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
