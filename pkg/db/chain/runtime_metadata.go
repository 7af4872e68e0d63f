package chain

import (
	"context"
	"fmt"
	"time"

	models "github.com/resonance-network/chronicled/pkg/db/models/chain"
	"go.uber.org/zap"
)

// RuntimeVersionExists reports whether a spec version is already logged.
func (db *DB) RuntimeVersionExists(ctx context.Context, specVersion int32) (bool, error) {
	query := fmt.Sprintf(
		"SELECT EXISTS (SELECT 1 FROM %s.runtime_metadata WHERE spec_version = $1)",
		db.schema)

	var exists bool
	if err := db.QueryRow(ctx, query, specVersion).Scan(&exists); err != nil {
		return false, fmt.Errorf("runtime version exists: %w", err)
	}
	return exists, nil
}

// InsertRuntimeMetadata appends a version record. Re-inserting the same spec
// version only refreshes first_seen_block when the new sighting is earlier;
// the metadata blob itself never changes for a given version.
func (db *DB) InsertRuntimeMetadata(ctx context.Context, rec *models.RuntimeMetadataRecord) error {
	query := fmt.Sprintf(`
		INSERT INTO %s.runtime_metadata
			(spec_version, impl_version, transaction_version, state_version,
			 first_seen_block, last_seen_block, metadata, metadata_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (spec_version) DO UPDATE SET
			first_seen_block = LEAST(%s.runtime_metadata.first_seen_block, EXCLUDED.first_seen_block),
			updated_at = NOW()
	`, db.schema, db.schema)

	if err := db.Exec(ctx, query,
		rec.SpecVersion, rec.ImplVersion, rec.TransactionVersion, rec.StateVersion,
		rec.FirstSeenBlock, rec.LastSeenBlock, rec.Metadata, rec.MetadataHash,
	); err != nil {
		return fmt.Errorf("insert runtime metadata v%d: %w", rec.SpecVersion, err)
	}

	db.Logger.Info("Stored runtime metadata",
		zap.Int32("spec_version", rec.SpecVersion),
		zap.Int64("first_seen_block", rec.FirstSeenBlock),
		zap.String("metadata_hash", rec.MetadataHash))
	return nil
}

// CloseRuntimeVersion closes a version's range once a successor appears.
func (db *DB) CloseRuntimeVersion(ctx context.Context, specVersion int32, lastSeenBlock int64) error {
	query := fmt.Sprintf(`
		UPDATE %s.runtime_metadata
		SET last_seen_block = $2, updated_at = $3
		WHERE spec_version = $1
	`, db.schema)

	if err := db.Exec(ctx, query, specVersion, lastSeenBlock, time.Now().UTC()); err != nil {
		return fmt.Errorf("close runtime version v%d: %w", specVersion, err)
	}
	return nil
}

// MetadataHashExists reports whether metadata with this content hash is
// already stored under any version.
func (db *DB) MetadataHashExists(ctx context.Context, hash string) (bool, error) {
	query := fmt.Sprintf(
		"SELECT EXISTS (SELECT 1 FROM %s.runtime_metadata WHERE metadata_hash = $1)",
		db.schema)

	var exists bool
	if err := db.QueryRow(ctx, query, hash).Scan(&exists); err != nil {
		return false, fmt.Errorf("metadata hash exists: %w", err)
	}
	return exists, nil
}

// RuntimeVersions returns the full version log ordered by spec version,
// without the metadata blobs.
func (db *DB) RuntimeVersions(ctx context.Context) ([]*models.RuntimeMetadataRecord, error) {
	query := fmt.Sprintf(`
		SELECT spec_version, impl_version, transaction_version, state_version,
		       first_seen_block, last_seen_block, metadata_hash, created_at, updated_at
		FROM %s.runtime_metadata
		ORDER BY spec_version
	`, db.schema)

	rows, err := db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("runtime versions: %w", err)
	}
	defer rows.Close()

	var out []*models.RuntimeMetadataRecord
	for rows.Next() {
		r := &models.RuntimeMetadataRecord{}
		if err := rows.Scan(
			&r.SpecVersion, &r.ImplVersion, &r.TransactionVersion, &r.StateVersion,
			&r.FirstSeenBlock, &r.LastSeenBlock, &r.MetadataHash, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
