package gateway

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/numrent/numrent/pkg/logging"
)

const replayKeyPrefix = "gateway_msg:"

// ReplayGuard suppresses duplicate webhook deliveries by SET NX on the
// external message id. It fails open: with Redis down every message
// passes, and the message hash in the store still dedupes.
type ReplayGuard struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *logging.Logger
	tracer trace.Tracer
}

// NewReplayGuard creates a replay guard. Returns nil without a client so
// callers can treat the guard as absent.
func NewReplayGuard(client *redis.Client, ttl time.Duration, logger *logging.Logger) *ReplayGuard {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ReplayGuard{
		redis:  client,
		ttl:    ttl,
		logger: logger.Component("gateway"),
		tracer: otel.Tracer("numrent.internal.gateway.replay"),
	}
}

// FirstDelivery reports whether this external message id has not been seen
// within the TTL window.
func (g *ReplayGuard) FirstDelivery(ctx context.Context, externalMessageID string) bool {
	if g == nil || g.redis == nil || externalMessageID == "" {
		return true
	}
	ctx, span := g.tracer.Start(ctx, "gateway.replay_check")
	defer span.End()

	ok, err := g.redis.SetNX(ctx, replayKeyPrefix+externalMessageID, 1, g.ttl).Result()
	if err != nil {
		span.RecordError(err)
		g.logger.Warn("replay guard unavailable, failing open", "error", err)
		return true
	}
	return ok
}
