package chain

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	models "github.com/resonance-network/chronicled/pkg/db/models/chain"
	"go.uber.org/zap"
)

// CommitBlock persists a block, its balance changes and the advanced cursor
// as one transaction. The block upsert is idempotent by height and the
// balance-change inserts are duplicate-safe, so re-running after a crash
// mid-commit converges on the same rows. On any error the transaction rolls
// back wholesale and the passed progress must be discarded by the caller.
func (db *DB) CommitBlock(ctx context.Context, block *models.Block, changes []*models.BalanceChange, progress *models.IndexProgress) error {
	blockSQL := fmt.Sprintf(`
		INSERT INTO %s.blocks (number, hash, parent_hash, timestamp, is_canonical, runtime_spec)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (number) DO UPDATE SET
			hash = EXCLUDED.hash,
			parent_hash = EXCLUDED.parent_hash,
			timestamp = EXCLUDED.timestamp,
			is_canonical = EXCLUDED.is_canonical,
			runtime_spec = EXCLUDED.runtime_spec
	`, db.schema)

	changeSQL := fmt.Sprintf(`
		INSERT INTO %s.balance_changes
			(account, block_number, event_index, delta, reason, extrinsic_hash, event_module, event_variant, block_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (block_number, event_index) DO NOTHING
	`, db.schema)

	err := db.BeginFunc(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, blockSQL,
			block.Number, block.Hash, block.ParentHash,
			block.Timestamp, block.IsCanonical, block.RuntimeSpec,
		); err != nil {
			return fmt.Errorf("insert block %d: %w", block.Number, err)
		}

		for _, c := range changes {
			if _, err := tx.Exec(ctx, changeSQL,
				c.Account, c.BlockNumber, c.EventIndex, c.Delta, string(c.Reason),
				c.ExtrinsicHash, c.EventModule, c.EventVariant, c.BlockTime,
			); err != nil {
				return fmt.Errorf("insert balance change %d/%d: %w", c.BlockNumber, c.EventIndex, err)
			}
		}

		return db.updateProgressTx(ctx, tx, progress)
	})
	if err != nil {
		return err
	}

	db.Logger.Debug("Committed block",
		zap.Int64("number", block.Number),
		zap.String("hash", block.HashHex()),
		zap.Int("balance_changes", len(changes)))
	return nil
}

// InsertGenesisEndowments stores the pre-block-0 endowment deltas and the
// updated counters in one transaction. Duplicate-safe like CommitBlock so a
// crashed bootstrap can repeat it.
func (db *DB) InsertGenesisEndowments(ctx context.Context, changes []*models.BalanceChange, progress *models.IndexProgress) error {
	if len(changes) == 0 {
		return nil
	}

	changeSQL := fmt.Sprintf(`
		INSERT INTO %s.balance_changes
			(account, block_number, event_index, delta, reason, extrinsic_hash, event_module, event_variant, block_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (block_number, event_index) DO NOTHING
	`, db.schema)

	err := db.BeginFunc(ctx, func(tx pgx.Tx) error {
		for _, c := range changes {
			if _, err := tx.Exec(ctx, changeSQL,
				c.Account, c.BlockNumber, c.EventIndex, c.Delta, string(c.Reason),
				c.ExtrinsicHash, c.EventModule, c.EventVariant, c.BlockTime,
			); err != nil {
				return fmt.Errorf("insert endowment %d/%d: %w", c.BlockNumber, c.EventIndex, err)
			}
		}
		progress.BalanceChangesRecorded += int64(len(changes))
		return db.updateProgressTx(ctx, tx, progress)
	})
	if err != nil {
		return err
	}

	db.Logger.Info("Stored genesis endowments", zap.Int("count", len(changes)))
	return nil
}
