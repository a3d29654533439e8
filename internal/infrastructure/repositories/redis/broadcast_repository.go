package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"castwave/internal/core/domain"
	"castwave/internal/core/ports"
	"castwave/pkg/circuitbreaker"
	"castwave/pkg/retry"
	"castwave/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix    = "castwave:"
	broadcastKey = keyPrefix + "broadcast"

	fieldBroadcaster = "broadcaster"
	fieldViewerCount = "viewer_count"
	fieldProducers   = "producers"
	fieldUpdatedAt   = "updated_at"
)

// RedisBroadcastRepository stores the snapshot as a hash and announces every
// save on a pub/sub channel so sibling processes can react without polling.
type RedisBroadcastRepository struct {
	client  redis.UniversalClient
	channel string
	breaker *circuitbreaker.CircuitBreaker
	retry   retry.Config
	logger  *zap.SugaredLogger
}

func NewRedisBroadcastRepository(client redis.UniversalClient, channel string, logger *zap.SugaredLogger) *RedisBroadcastRepository {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &RedisBroadcastRepository{
		client:  client,
		channel: channel,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
		retry:   retry.DefaultConfig(),
		logger:  logger,
	}
	r.retry.NonRetryableErrors = []error{circuitbreaker.ErrOpen, context.Canceled, context.DeadlineExceeded}
	r.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("state store circuit breaker changed state", "from", from.String(), "to", to.String())
	})
	return r
}

var _ ports.BroadcastStateRepository = (*RedisBroadcastRepository)(nil)

func (r *RedisBroadcastRepository) Save(ctx context.Context, state *domain.BroadcastState) error {
	if state == nil {
		return domain.ErrInvalidPayload
	}
	ctx, span := tracing.TraceStateStore(ctx, "save", broadcastKey)
	defer span.End()

	fields, err := encodeState(state)
	if err != nil {
		return err
	}
	event, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast event: %w", err)
	}

	err = retry.Do(ctx, r.retry, func() error {
		return r.breaker.Execute(func() error {
			_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, broadcastKey, fields)
				if r.channel != "" {
					pipe.Publish(ctx, r.channel, event)
				}
				return nil
			})
			return err
		})
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to save broadcast state: %w", err)
	}
	return nil
}

func (r *RedisBroadcastRepository) Get(ctx context.Context) (*domain.BroadcastState, error) {
	ctx, span := tracing.TraceStateStore(ctx, "get", broadcastKey)
	defer span.End()

	values, err := retry.DoWithResult(ctx, r.retry, func() (map[string]string, error) {
		return circuitbreaker.ExecuteWithResult(r.breaker, func() (map[string]string, error) {
			return r.client.HGetAll(ctx, broadcastKey).Result()
		})
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to read broadcast state: %w", err)
	}
	if len(values) == 0 {
		return nil, domain.ErrStateNotFound
	}
	return decodeState(values)
}

func (r *RedisBroadcastRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Subscribe delivers every published snapshot to fn until ctx is done.
// Undecodable messages are logged and skipped.
func (r *RedisBroadcastRepository) Subscribe(ctx context.Context, fn func(*domain.BroadcastState)) error {
	if r.channel == "" {
		return errors.New("no pub/sub channel configured")
	}
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var state domain.BroadcastState
			if err := json.Unmarshal([]byte(msg.Payload), &state); err != nil {
				r.logger.Warnw("dropping malformed broadcast event", "channel", msg.Channel, "error", err)
				continue
			}
			fn(&state)
		}
	}
}

func encodeState(state *domain.BroadcastState) (map[string]interface{}, error) {
	producers := state.Producers
	if producers == nil {
		producers = []domain.ProducerInfo{}
	}
	encoded, err := json.Marshal(producers)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal producers: %w", err)
	}
	return map[string]interface{}{
		fieldBroadcaster: string(state.Broadcaster),
		fieldViewerCount: state.ViewerCount,
		fieldProducers:   string(encoded),
		fieldUpdatedAt:   state.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func decodeState(values map[string]string) (*domain.BroadcastState, error) {
	state := &domain.BroadcastState{
		Broadcaster: domain.PeerID(values[fieldBroadcaster]),
		Producers:   []domain.ProducerInfo{},
	}

	if v := values[fieldViewerCount]; v != "" {
		count, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", fieldViewerCount, v, err)
		}
		state.ViewerCount = count
	}
	if v := values[fieldProducers]; v != "" {
		if err := json.Unmarshal([]byte(v), &state.Producers); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", fieldProducers, err)
		}
	}
	if v := values[fieldUpdatedAt]; v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", fieldUpdatedAt, v, err)
		}
		state.UpdatedAt = ts
	}
	return state, nil
}
