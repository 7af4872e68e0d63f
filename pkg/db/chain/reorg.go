package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// BeginReorg atomically unwinds the ledger back to fromHeight-1: blocks at or
// above fromHeight lose canonical status, their balance changes are deleted,
// and the cursor rewinds. The caller re-indexes the replacement branch
// through the normal commit path afterwards.
func (db *DB) BeginReorg(ctx context.Context, fromHeight int64) error {
	db.Logger.Warn("Beginning reorg rollback", zap.Int64("from_height", fromHeight))

	var blocksUnwound, changesDeleted int64
	err := db.BeginFunc(ctx, func(tx pgx.Tx) error {
		var err error
		if blocksUnwound, err = db.markNonCanonicalFromTx(ctx, tx, fromHeight); err != nil {
			return err
		}
		if changesDeleted, err = db.deleteChangesFromTx(ctx, tx, fromHeight); err != nil {
			return err
		}

		// The cursor hash must point at the surviving tip or the next
		// commit's ancestry check would trip again.
		query := fmt.Sprintf(`
			UPDATE %s.index_progress
			SET latest_block = $2,
			    latest_block_hash = COALESCE(
			        (SELECT b.hash FROM %s.blocks b WHERE b.number = $2),
			        latest_block_hash),
			    updated_at = $3
			WHERE chain_id = $1
		`, db.schema, db.schema)
		if _, err := tx.Exec(ctx, query, db.ChainID, fromHeight-1, time.Now().UTC()); err != nil {
			return fmt.Errorf("rewind cursor: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reorg from %d: %w", fromHeight, err)
	}

	db.Logger.Warn("Reorg rollback complete",
		zap.Int64("from_height", fromHeight),
		zap.Int64("blocks_unwound", blocksUnwound),
		zap.Int64("balance_changes_deleted", changesDeleted))
	return nil
}
