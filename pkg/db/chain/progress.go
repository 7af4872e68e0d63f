package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	models "github.com/resonance-network/chronicled/pkg/db/models/chain"
	"github.com/resonance-network/chronicled/pkg/db/postgres"
)

// GetOrCreateProgress returns the resume cursor for this chain, creating it
// at latest_block = -1 (before genesis) on a first-ever run.
func (db *DB) GetOrCreateProgress(ctx context.Context) (*models.IndexProgress, error) {
	query := fmt.Sprintf(`
		SELECT chain_id, latest_block, latest_block_hash, latest_block_ts,
		       blocks_indexed, balance_changes_recorded, started_at, updated_at
		FROM %s.index_progress
		WHERE chain_id = $1
	`, db.schema)

	p := &models.IndexProgress{}
	err := db.QueryRow(ctx, query, db.ChainID).Scan(
		&p.ChainID, &p.LatestBlock, &p.LatestBlockHash, &p.LatestBlockTime,
		&p.BlocksIndexed, &p.BalanceChangesRecorded, &p.StartedAt, &p.UpdatedAt,
	)
	if err == nil {
		return p, nil
	}
	if !postgres.IsNoRows(err) {
		return nil, fmt.Errorf("query index progress: %w", err)
	}

	now := time.Now().UTC()
	p = &models.IndexProgress{
		ChainID:         db.ChainID,
		LatestBlock:     -1,
		LatestBlockHash: make([]byte, 32),
		LatestBlockTime: now,
		StartedAt:       now,
		UpdatedAt:       now,
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s.index_progress
			(chain_id, latest_block, latest_block_hash, latest_block_ts,
			 blocks_indexed, balance_changes_recorded, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, db.schema)

	if err := db.Exec(ctx, insert,
		p.ChainID, p.LatestBlock, p.LatestBlockHash, p.LatestBlockTime,
		p.BlocksIndexed, p.BalanceChangesRecorded, p.StartedAt, p.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("create index progress: %w", err)
	}

	db.Logger.Info("Created index progress cursor")
	return p, nil
}

// updateProgressTx persists the cursor inside the caller's transaction.
func (db *DB) updateProgressTx(ctx context.Context, tx pgx.Tx, p *models.IndexProgress) error {
	query := fmt.Sprintf(`
		UPDATE %s.index_progress
		SET latest_block = $2,
		    latest_block_hash = $3,
		    latest_block_ts = $4,
		    blocks_indexed = $5,
		    balance_changes_recorded = $6,
		    updated_at = $7
		WHERE chain_id = $1
	`, db.schema)

	_, err := tx.Exec(ctx, query,
		p.ChainID, p.LatestBlock, p.LatestBlockHash, p.LatestBlockTime,
		p.BlocksIndexed, p.BalanceChangesRecorded, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update index progress: %w", err)
	}
	return nil
}
