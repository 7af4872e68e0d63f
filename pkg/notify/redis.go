// Package notify fans committed blocks out to downstream consumers over
// Redis. It is optional; without REDIS_HOST the indexer runs standalone.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	models "github.com/resonance-network/chronicled/pkg/db/models/chain"
	"github.com/resonance-network/chronicled/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const publishTimeout = 2 * time.Second

// maxStreamLen bounds each chain's stream so slow consumers cannot grow
// Redis without limit.
const maxStreamLen = 10_000

// Redis appends every committed block to a per-chain stream and publishes it
// on a matching pub/sub channel. Failures are logged and never propagate
// into the commit path.
type Redis struct {
	logger *zap.Logger
	rdb    *redis.Client
}

// NewRedisFromEnv connects using REDIS_HOST, REDIS_PORT, REDIS_PASSWORD and
// REDIS_DB. Returns (nil, nil) when REDIS_HOST is unset.
func NewRedisFromEnv(ctx context.Context, logger *zap.Logger) (*Redis, error) {
	host := utils.Env("REDIS_HOST", "")
	if host == "" {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, utils.Env("REDIS_PORT", "6379")),
		Password: utils.Env("REDIS_PASSWORD", ""),
		DB:       utils.EnvInt("REDIS_DB", 0),
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("Block notifications enabled", zap.String("redis", rdb.Options().Addr))
	return &Redis{logger: logger, rdb: rdb}, nil
}

// BlockCommitted records the block on the chain's stream and pub/sub
// channel. Called from the ingestion loop after the commit lands.
func (r *Redis) BlockCommitted(ctx context.Context, chainID string, block *models.Block, balanceChanges int) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	key := fmt.Sprintf("chain:%s:blocks", chainID)

	if err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{
			"number":          block.Number,
			"hash":            block.HashHex(),
			"parent_hash":     block.ParentHashHex(),
			"runtime_spec":    block.RuntimeSpec,
			"balance_changes": balanceChanges,
			"timestamp":       block.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}).Err(); err != nil {
		r.logger.Warn("Stream append failed",
			zap.String("stream", key), zap.Int64("block", block.Number), zap.Error(err))
		return
	}

	payload, err := json.Marshal(block)
	if err != nil {
		r.logger.Warn("Block payload marshal failed", zap.Error(err))
		return
	}
	if err := r.rdb.Publish(ctx, key, payload).Err(); err != nil {
		r.logger.Warn("Publish failed",
			zap.String("channel", key), zap.Int64("block", block.Number), zap.Error(err))
	}
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
