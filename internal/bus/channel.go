package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/inventahq/eventrelay/internal/event"
	"github.com/inventahq/eventrelay/internal/progress"
	"github.com/inventahq/eventrelay/internal/session"
)

// TenantChannel is the per-tenant broadcast hub: the live subscriber
// set plus the last-known aggregated progress tree per task. It is
// process-local soft state; eviction discards the merge state with it.
type TenantChannel struct {
	tenant string
	clock  Clock

	// pubMu serializes publishes so every session observes the same
	// envelope order. Enqueues are non-blocking, so holding it across a
	// broadcast is bounded work.
	pubMu sync.Mutex

	mu         sync.Mutex
	sessions   map[*session.Session]struct{}
	merger     *progress.Merger
	lastActive time.Time
	removed    bool
}

func newTenantChannel(tenant string, clock Clock) *TenantChannel {
	return &TenantChannel{
		tenant:     tenant,
		clock:      clock,
		sessions:   make(map[*session.Session]struct{}),
		merger:     progress.NewMerger(),
		lastActive: clock.Now(),
	}
}

// publish folds collect-progress payloads through the merger, encodes
// the resulting envelope once, and enqueues it to every session. ok is
// false when the channel was already swept; the caller retries against
// a fresh channel.
func (ch *TenantChannel) publish(env event.Envelope) (delivered int, ok bool, err error) {
	ch.pubMu.Lock()
	defer ch.pubMu.Unlock()

	ch.mu.Lock()
	if ch.removed {
		ch.mu.Unlock()
		return 0, false, nil
	}
	ch.lastActive = ch.clock.Now()
	if env.Kind == event.KindCollectProgress {
		payload, perr := env.AsCollectProgress()
		if perr != nil {
			ch.mu.Unlock()
			return 0, true, perr
		}
		payload.Message = ch.merger.Apply(payload.Task, payload.Message)
		if env, perr = env.WithData(payload); perr != nil {
			ch.mu.Unlock()
			return 0, true, perr
		}
	}
	targets := make([]*session.Session, 0, len(ch.sessions))
	for sess := range ch.sessions {
		targets = append(targets, sess)
	}
	ch.mu.Unlock()

	line, err := event.EncodeLine(env)
	if err != nil {
		return 0, true, fmt.Errorf("broadcast encode: %w", err)
	}
	for _, sess := range targets {
		if sess.Enqueue(line) {
			delivered++
		}
	}
	return delivered, true, nil
}

// subscribe creates and registers a session. ok is false when the
// channel was already swept.
func (ch *TenantChannel) subscribe(cfg session.Config, onClosed func(id string)) (*session.Session, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.removed {
		return nil, false
	}
	var sess *session.Session
	cfg.OnClose = func() {
		ch.remove(sess)
		onClosed(sess.ID())
	}
	sess = session.New(cfg)
	ch.sessions[sess] = struct{}{}
	ch.lastActive = ch.clock.Now()
	sess.Start()
	return sess, true
}

// retire marks the channel removed when it is idle past the grace
// period and has no subscribers. Runs under the registry lock so it
// cannot race a concurrent get-or-create for the same tenant.
func (ch *TenantChannel) retire(now time.Time, grace time.Duration) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.removed || len(ch.sessions) > 0 {
		return false
	}
	if now.Sub(ch.lastActive) < grace {
		return false
	}
	ch.removed = true
	for _, task := range ch.merger.Tasks() {
		ch.merger.Forget(task)
	}
	return true
}

func (ch *TenantChannel) remove(sess *session.Session) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.sessions, sess)
}

// closeSessions shuts down every attached session. Used by registry
// Close; sessions unregister themselves via their close hooks.
func (ch *TenantChannel) closeSessions() {
	ch.mu.Lock()
	targets := make([]*session.Session, 0, len(ch.sessions))
	for sess := range ch.sessions {
		targets = append(targets, sess)
	}
	ch.mu.Unlock()
	for _, sess := range targets {
		sess.Close()
	}
}

// Subscribers reports the number of attached sessions.
func (ch *TenantChannel) Subscribers() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.sessions)
}
