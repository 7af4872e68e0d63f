package ingestd

import (
	"context"
	"fmt"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	chaindb "github.com/resonance-network/chronicled/pkg/db/chain"
	"github.com/resonance-network/chronicled/pkg/decode"
	"github.com/resonance-network/chronicled/pkg/ingest"
	"github.com/resonance-network/chronicled/pkg/retry"
	"github.com/resonance-network/chronicled/pkg/rpc"
)

// runChain keeps one endpoint ingesting for the life of the process. Dropped
// connections are redialed with backoff; a storage failure stops the chain
// because committing past it would corrupt the cursor.
func (a *App) runChain(ctx context.Context, endpoint string) {
	logger := a.Logger.With(zap.String("endpoint", endpoint))

	_ = retry.WithBackoff(ctx, retry.Forever(), logger, "chain session", func() error {
		err := a.runSession(ctx, endpoint)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if ingest.IsPersistence(err) {
			logger.Error("Chain ingestion halted on storage failure", zap.Error(err))
			return nil
		}
		logger.Warn("Chain session ended, reconnecting", zap.Error(err))
		return err
	})
}

// runSession dials the node, identifies the chain by its genesis hash, and
// runs the engine until the connection or the context dies.
func (a *App) runSession(ctx context.Context, endpoint string) error {
	client, err := rpc.Dial(ctx, a.Logger, endpoint)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer func() { _ = client.Close() }()

	genesis, err := client.GenesisHash(ctx)
	if err != nil {
		return fmt.Errorf("genesis hash: %w", err)
	}
	chainID := base58.Encode(genesis)
	logger := a.Logger.With(zap.String("chain", chainID))

	db, err := a.chainDB(ctx, logger, chainID)
	if err != nil {
		return err
	}

	engine := ingest.New(logger, ingest.Config{
		ChainID:              chainID,
		FollowBest:           a.FollowBest,
		ConfirmationOverride: a.Override,
		RetentionWindow:      a.Retention,
	}, client, db, decode.NewDecoder(logger, client), a.notifier(), a.Metrics)

	a.Chains.Store(chainID, &Chain{
		ID:       chainID,
		Endpoint: endpoint,
		DB:       db,
		Engine:   engine,
	})

	return engine.Run(ctx)
}

// chainDB returns the chain's storage handle, creating schema and tables on
// first sight of the network.
func (a *App) chainDB(ctx context.Context, logger *zap.Logger, chainID string) (*chaindb.DB, error) {
	if existing, ok := a.Chains.Load(chainID); ok {
		return existing.DB, nil
	}
	db, err := chaindb.New(ctx, logger, a.PG, chainID)
	if err != nil {
		return nil, fmt.Errorf("initialize chain db %s: %w", chainID, err)
	}
	return db, nil
}
