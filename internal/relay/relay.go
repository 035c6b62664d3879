// Package relay bridges tenant event streams between processes over
// Redis pub/sub. Each tenant maps to one channel named
// "<prefix><tenant-id>"; the relay pattern-subscribes to the whole
// prefix and feeds inbound envelopes into the local bus, and publishes
// outbound envelopes to the same channels so peer processes see local
// traffic too. With the relay enabled, local delivery also goes through
// Redis: an outbound envelope reaches this process's own subscribers via
// the inbound subscription, the same way it reaches everyone else's.
// Inbound messages are never republished, so nothing echoes.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/inventahq/eventrelay/internal/event"
)

// DefaultChannelPrefix matches the channel naming used by the wider
// platform.
const DefaultChannelPrefix = "tenant-events::"

// Bus is the local distribution target for inbound envelopes.
type Bus interface {
	PublishEnvelope(ctx context.Context, tenant string, env event.Envelope) error
}

// Config wires the relay.
type Config struct {
	Client        redis.UniversalClient
	Bus           Bus
	ChannelPrefix string
	Logger        *zap.Logger
}

// Relay republishes envelopes between Redis and the local bus.
type Relay struct {
	client redis.UniversalClient
	bus    Bus
	prefix string
	logger *zap.Logger

	cancel context.CancelFunc
	doneCh chan struct{}
}

// New validates the wiring and returns an idle relay; Start begins
// consuming.
func New(cfg Config) (*Relay, error) {
	if cfg.Client == nil {
		return nil, errors.New("relay requires a redis client")
	}
	if cfg.Bus == nil {
		return nil, errors.New("relay requires a bus")
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = DefaultChannelPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		client: cfg.Client,
		bus:    cfg.Bus,
		prefix: cfg.ChannelPrefix,
		logger: logger,
		doneCh: make(chan struct{}),
	}, nil
}

// Start subscribes to every tenant channel under the prefix and feeds
// decoded envelopes into the local bus until Close or ctx cancellation.
// Connection drops are retried by the client; individual bad messages
// are logged and skipped.
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	go r.consume(ctx, pubsub)
}

func (r *Relay) consume(ctx context.Context, pubsub *redis.PubSub) {
	defer close(r.doneCh)
	defer func() {
		if err := pubsub.Close(); err != nil {
			r.logger.Warn("relay pubsub close failed", zap.Error(err))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			r.dispatch(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

func (r *Relay) dispatch(ctx context.Context, channel string, payload []byte) {
	tenant, ok := tenantFromChannel(channel, r.prefix)
	if !ok {
		r.logger.Warn("relay message on unexpected channel", zap.String("channel", channel))
		return
	}
	env, err := event.DecodeLine(payload)
	if err != nil {
		if errors.Is(err, event.ErrEmptyLine) {
			return
		}
		r.logger.Warn("dropping undecodable relay message",
			zap.String("tenant", tenant),
			zap.Error(err),
		)
		return
	}
	if err := r.bus.PublishEnvelope(ctx, tenant, env); err != nil {
		r.logger.Warn("relay publish into local bus failed",
			zap.String("tenant", tenant),
			zap.Error(err),
		)
	}
}

// Publish decodes one publish-path line and sends it to the tenant's
// Redis channel, where every subscribed process (this one included)
// picks it up. Lines that fail to decode are rejected before anything
// reaches Redis. Satisfies the api publish contract so the relay can
// stand in for the local bus on the outbound path.
func (r *Relay) Publish(ctx context.Context, tenant string, line []byte) error {
	env, err := event.DecodeLine(line)
	if err != nil {
		return err
	}
	out, err := event.EncodeLine(env)
	if err != nil {
		return fmt.Errorf("relay encode: %w", err)
	}
	if err := r.client.Publish(ctx, r.prefix+tenant, out).Err(); err != nil {
		return fmt.Errorf("relay publish %s: %w", tenant, err)
	}
	return nil
}

// Close stops the consumer and waits for it to drain.
func (r *Relay) Close(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	select {
	case <-r.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay close wait: %w", ctx.Err())
	}
}

func tenantFromChannel(channel, prefix string) (string, bool) {
	tenant, ok := strings.CutPrefix(channel, prefix)
	if !ok || tenant == "" {
		return "", false
	}
	return tenant, true
}
