package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/resonance-network/chronicled/pkg/db/postgres"
	"go.uber.org/zap"
)

// DB is the namespaced, transactional store for one chain. Every chain gets
// its own PostgreSQL schema named after its chain identity, so a single
// deployment can index several chains without collision.
type DB struct {
	*postgres.Client
	ChainID string
	schema  string
}

// New wraps a shared postgres client with a chain-scoped schema and ensures
// the schema and its tables exist.
func New(ctx context.Context, logger *zap.Logger, client *postgres.Client, chainID string) (*DB, error) {
	db := &DB{
		Client:  client,
		ChainID: chainID,
		schema:  pgx.Identifier{chainID}.Sanitize(),
	}
	db.Logger = logger.With(zap.String("chain_id", chainID))

	if err := db.InitializeDB(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// Schema returns the quoted schema identifier for SQL interpolation.
func (db *DB) Schema() string {
	return db.schema
}

// InitializeDB ensures the chain schema and all tables exist.
func (db *DB) InitializeDB(ctx context.Context) error {
	initStart := time.Now()

	db.Logger.Info("Initializing chain schema")

	if err := db.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", db.schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", db.schema, err)
	}

	initOps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"blocks", db.initBlocks},
		{"balance_changes", db.initBalanceChanges},
		{"index_progress", db.initIndexProgress},
		{"runtime_metadata", db.initRuntimeMetadata},
		{"account_stats", db.initAccountStats},
	}

	for _, op := range initOps {
		db.Logger.Debug("Initializing table", zap.String("table", op.name))
		if err := op.fn(ctx); err != nil {
			return fmt.Errorf("init %s: %w", op.name, err)
		}
	}

	db.Logger.Info("Chain schema initialized",
		zap.Duration("duration", time.Since(initStart)))

	return nil
}

// initBlocks creates the blocks table. number is the primary key; hash stays
// unique so a competing fork block at the same height replaces, never joins.
func (db *DB) initBlocks(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.blocks (
			number BIGINT PRIMARY KEY,
			hash BYTEA NOT NULL UNIQUE,
			parent_hash BYTEA NOT NULL,
			timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
			is_canonical BOOLEAN NOT NULL DEFAULT true,
			runtime_spec BIGINT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_blocks_timestamp ON %s.blocks (timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_blocks_canonical ON %s.blocks (is_canonical) WHERE is_canonical = true;
	`, db.schema, db.schema, db.schema)

	return db.Exec(ctx, query)
}

// initBalanceChanges creates the balance_changes table. The
// (block_number, event_index) unique constraint is what makes recommits
// duplicate-safe.
func (db *DB) initBalanceChanges(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.balance_changes (
			id BIGSERIAL PRIMARY KEY,
			account BYTEA NOT NULL,
			block_number BIGINT NOT NULL,
			event_index INT NOT NULL,
			delta NUMERIC(78,0) NOT NULL,
			reason TEXT NOT NULL,
			extrinsic_hash BYTEA,
			event_module TEXT NOT NULL,
			event_variant TEXT NOT NULL,
			block_ts TIMESTAMP WITH TIME ZONE NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			UNIQUE(block_number, event_index)
		);

		CREATE INDEX IF NOT EXISTS idx_balance_changes_account ON %s.balance_changes (account);
		CREATE INDEX IF NOT EXISTS idx_balance_changes_block ON %s.balance_changes (block_number);
		CREATE INDEX IF NOT EXISTS idx_balance_changes_account_block ON %s.balance_changes (account, block_number DESC);
		CREATE INDEX IF NOT EXISTS idx_balance_changes_ts ON %s.balance_changes (block_ts DESC);
		CREATE INDEX IF NOT EXISTS idx_balance_changes_reason ON %s.balance_changes (reason);
	`, db.schema, db.schema, db.schema, db.schema, db.schema, db.schema)

	return db.Exec(ctx, query)
}

// initIndexProgress creates the single-row-per-chain resume cursor table.
func (db *DB) initIndexProgress(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.index_progress (
			chain_id TEXT PRIMARY KEY,
			latest_block BIGINT NOT NULL,
			latest_block_hash BYTEA NOT NULL,
			latest_block_ts TIMESTAMP WITH TIME ZONE NOT NULL,
			blocks_indexed BIGINT NOT NULL DEFAULT 0,
			balance_changes_recorded BIGINT NOT NULL DEFAULT 0,
			started_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`, db.schema)

	return db.Exec(ctx, query)
}

// initRuntimeMetadata creates the append-only runtime version log.
func (db *DB) initRuntimeMetadata(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.runtime_metadata (
			spec_version INT PRIMARY KEY,
			impl_version INT NOT NULL DEFAULT 0,
			transaction_version INT NOT NULL DEFAULT 0,
			state_version INT NOT NULL DEFAULT 0,
			first_seen_block BIGINT NOT NULL,
			last_seen_block BIGINT,
			metadata BYTEA,
			metadata_hash TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_runtime_metadata_hash ON %s.runtime_metadata (metadata_hash);
	`, db.schema, db.schema)

	return db.Exec(ctx, query)
}

// initAccountStats creates the aggregated per-account table maintained by the
// maintenance job.
func (db *DB) initAccountStats(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.account_stats (
			account BYTEA PRIMARY KEY,
			balance NUMERIC(78,0) NOT NULL DEFAULT 0,
			first_seen_block BIGINT NOT NULL,
			last_activity_block BIGINT NOT NULL,
			total_changes BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_account_stats_balance ON %s.account_stats (balance DESC);
	`, db.schema, db.schema)

	return db.Exec(ctx, query)
}
