package chain

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	models "github.com/resonance-network/chronicled/pkg/db/models/chain"
)

// BalanceAt returns the balance of an account at a height: the sum of all its
// deltas over blocks <= height, as decimal text.
func (db *DB) BalanceAt(ctx context.Context, account []byte, height int64) (string, error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(delta), 0)::TEXT
		FROM %s.balance_changes
		WHERE account = $1 AND block_number <= $2
	`, db.schema)

	var balance string
	if err := db.QueryRow(ctx, query, account, height).Scan(&balance); err != nil {
		return "", fmt.Errorf("balance at %d: %w", height, err)
	}
	return balance, nil
}

// ChangesByAccount returns an account's balance changes newest-first.
func (db *DB) ChangesByAccount(ctx context.Context, account []byte, limit, offset int64) ([]*models.BalanceChange, error) {
	query := fmt.Sprintf(`
		SELECT id, account, block_number, event_index, delta::TEXT, reason,
		       extrinsic_hash, event_module, event_variant, block_ts
		FROM %s.balance_changes
		WHERE account = $1
		ORDER BY block_number DESC, event_index DESC
		LIMIT $2 OFFSET $3
	`, db.schema)

	rows, err := db.Query(ctx, query, account, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("changes by account: %w", err)
	}
	defer rows.Close()

	var out []*models.BalanceChange
	for rows.Next() {
		c := &models.BalanceChange{}
		var reason string
		if err := rows.Scan(
			&c.ID, &c.Account, &c.BlockNumber, &c.EventIndex, &c.Delta, &reason,
			&c.ExtrinsicHash, &c.EventModule, &c.EventVariant, &c.BlockTime,
		); err != nil {
			return nil, err
		}
		c.Reason = models.ParseReason(reason)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChangesByBlock returns a block's balance changes in event order.
func (db *DB) ChangesByBlock(ctx context.Context, blockNumber int64) ([]*models.BalanceChange, error) {
	query := fmt.Sprintf(`
		SELECT id, account, block_number, event_index, delta::TEXT, reason,
		       extrinsic_hash, event_module, event_variant, block_ts
		FROM %s.balance_changes
		WHERE block_number = $1
		ORDER BY event_index
	`, db.schema)

	rows, err := db.Query(ctx, query, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("changes by block: %w", err)
	}
	defer rows.Close()

	var out []*models.BalanceChange
	for rows.Next() {
		c := &models.BalanceChange{}
		var reason string
		if err := rows.Scan(
			&c.ID, &c.Account, &c.BlockNumber, &c.EventIndex, &c.Delta, &reason,
			&c.ExtrinsicHash, &c.EventModule, &c.EventVariant, &c.BlockTime,
		); err != nil {
			return nil, err
		}
		c.Reason = models.ParseReason(reason)
		out = append(out, c)
	}
	return out, rows.Err()
}

// deleteChangesFromTx bulk-deletes balance changes at or above a height,
// inside the caller's transaction.
func (db *DB) deleteChangesFromTx(ctx context.Context, tx pgx.Tx, fromHeight int64) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s.balance_changes WHERE block_number >= $1", db.schema)

	tag, err := tx.Exec(ctx, query, fromHeight)
	if err != nil {
		return 0, fmt.Errorf("delete balance changes from %d: %w", fromHeight, err)
	}
	return tag.RowsAffected(), nil
}
