package chain

import (
	"context"
	"fmt"
	"time"

	models "github.com/resonance-network/chronicled/pkg/db/models/chain"
	"github.com/resonance-network/chronicled/pkg/db/postgres"
	"go.uber.org/zap"
)

// RefreshAccountStats rebuilds the aggregated account_stats table from the
// balance changes. Run by the maintenance scheduler, not the ingestion loop.
func (db *DB) RefreshAccountStats(ctx context.Context) error {
	start := time.Now()

	query := fmt.Sprintf(`
		INSERT INTO %s.account_stats (account, balance, first_seen_block, last_activity_block, total_changes, updated_at)
		SELECT account,
		       SUM(delta),
		       MIN(block_number),
		       MAX(block_number),
		       COUNT(*),
		       NOW()
		FROM %s.balance_changes
		GROUP BY account
		ON CONFLICT (account) DO UPDATE SET
			balance = EXCLUDED.balance,
			last_activity_block = EXCLUDED.last_activity_block,
			total_changes = EXCLUDED.total_changes,
			updated_at = EXCLUDED.updated_at
	`, db.schema, db.schema)

	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("refresh account stats: %w", err)
	}

	db.Logger.Info("Refreshed account stats", zap.Duration("duration", time.Since(start)))
	return nil
}

// AccountStatsFor returns the aggregated view of one account, or nil when the
// account has never been seen.
func (db *DB) AccountStatsFor(ctx context.Context, account []byte) (*models.AccountStats, error) {
	query := fmt.Sprintf(`
		SELECT account, balance::TEXT, first_seen_block, last_activity_block, total_changes
		FROM %s.account_stats
		WHERE account = $1
	`, db.schema)

	s := &models.AccountStats{}
	err := db.QueryRow(ctx, query, account).Scan(
		&s.Account, &s.Balance, &s.FirstSeenBlock, &s.LastActivityBlock, &s.TotalChanges)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("account stats: %w", err)
	}
	return s, nil
}

// TopAccounts returns the largest balances from the aggregated table.
func (db *DB) TopAccounts(ctx context.Context, limit int64) ([]*models.AccountStats, error) {
	query := fmt.Sprintf(`
		SELECT account, balance::TEXT, first_seen_block, last_activity_block, total_changes
		FROM %s.account_stats
		ORDER BY balance DESC
		LIMIT $1
	`, db.schema)

	rows, err := db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("top accounts: %w", err)
	}
	defer rows.Close()

	var out []*models.AccountStats
	for rows.Next() {
		s := &models.AccountStats{}
		if err := rows.Scan(&s.Account, &s.Balance, &s.FirstSeenBlock, &s.LastActivityBlock, &s.TotalChanges); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TableStats summarizes the chain schema for the status endpoint.
func (db *DB) TableStats(ctx context.Context) (*models.TableStats, error) {
	stats := &models.TableStats{}

	if err := db.QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s.blocks", db.schema)).Scan(&stats.Blocks); err != nil {
		return nil, fmt.Errorf("count blocks: %w", err)
	}
	if err := db.QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*), COUNT(DISTINCT account) FROM %s.balance_changes", db.schema)).
		Scan(&stats.BalanceChanges, &stats.UniqueAccounts); err != nil {
		return nil, fmt.Errorf("count balance changes: %w", err)
	}
	if err := db.QueryRow(ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(number), -1) FROM %s.blocks", db.schema)).Scan(&stats.LatestBlock); err != nil {
		return nil, fmt.Errorf("latest block: %w", err)
	}

	return stats, nil
}

// VacuumAnalyze runs VACUUM ANALYZE on the chain tables. Failures are logged
// per table, never fatal.
func (db *DB) VacuumAnalyze(ctx context.Context) {
	for _, table := range []string{"blocks", "balance_changes", "account_stats"} {
		sql := fmt.Sprintf("VACUUM ANALYZE %s.%s", db.schema, table)
		if err := db.Exec(ctx, sql); err != nil {
			db.Logger.Warn("Vacuum analyze failed",
				zap.String("table", table), zap.Error(err))
		}
	}
}
