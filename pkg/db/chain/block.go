package chain

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/resonance-network/chronicled/pkg/db/postgres"
	models "github.com/resonance-network/chronicled/pkg/db/models/chain"
)

const blockColumns = "number, hash, parent_hash, timestamp, is_canonical, runtime_spec"

func (db *DB) scanBlock(row pgx.Row) (*models.Block, error) {
	b := &models.Block{}
	err := row.Scan(&b.Number, &b.Hash, &b.ParentHash, &b.Timestamp, &b.IsCanonical, &b.RuntimeSpec)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

// GetBlock returns the block at a height, or nil when absent.
func (db *DB) GetBlock(ctx context.Context, number int64) (*models.Block, error) {
	query := fmt.Sprintf("SELECT %s FROM %s.blocks WHERE number = $1", blockColumns, db.schema)
	return db.scanBlock(db.QueryRow(ctx, query, number))
}

// GetBlockByHash returns the block with a hash, or nil when absent.
func (db *DB) GetBlockByHash(ctx context.Context, hash []byte) (*models.Block, error) {
	query := fmt.Sprintf("SELECT %s FROM %s.blocks WHERE hash = $1", blockColumns, db.schema)
	return db.scanBlock(db.QueryRow(ctx, query, hash))
}

// LatestCanonicalBlock returns the highest canonical block, or nil on an
// empty store.
func (db *DB) LatestCanonicalBlock(ctx context.Context) (*models.Block, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s.blocks
		WHERE is_canonical = true
		ORDER BY number DESC
		LIMIT 1
	`, blockColumns, db.schema)
	return db.scanBlock(db.QueryRow(ctx, query))
}

// markNonCanonicalFromTx flips is_canonical for all blocks at or above a
// height, inside the caller's transaction.
func (db *DB) markNonCanonicalFromTx(ctx context.Context, tx pgx.Tx, fromHeight int64) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s.blocks
		SET is_canonical = false
		WHERE number >= $1 AND is_canonical = true
	`, db.schema)

	tag, err := tx.Exec(ctx, query, fromHeight)
	if err != nil {
		return 0, fmt.Errorf("mark non-canonical from %d: %w", fromHeight, err)
	}
	return tag.RowsAffected(), nil
}
