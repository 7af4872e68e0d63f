package ingest

import (
	"context"
	"fmt"

	models "github.com/resonance-network/chronicled/pkg/db/models/chain"
	"github.com/resonance-network/chronicled/pkg/rpc"
	"go.uber.org/zap"
)

// VersionTracker maintains the append-only runtime version log. It is owned
// by the ingestion loop, so the in-memory current version needs no locking.
type VersionTracker struct {
	logger  *zap.Logger
	client  ChainClient
	store   Store
	current *int32
}

func NewVersionTracker(logger *zap.Logger, client ChainClient, store Store) *VersionTracker {
	return &VersionTracker{logger: logger, client: client, store: store}
}

// OnBlock folds a block's runtime version into the log. When the version
// changed since the previous block the prior range is closed at height-1 and
// the new version is stored with its metadata. A metadata fetch failure is a
// hard error: the caller must not commit the block without its version
// recorded.
func (t *VersionTracker) OnBlock(ctx context.Context, version *rpc.RuntimeVersion, blockHash []byte, blockNumber int64) error {
	if t.current != nil && *t.current == version.SpecVersion {
		return nil
	}

	if t.current != nil {
		t.logger.Info("Runtime upgrade detected",
			zap.Int32("from", *t.current),
			zap.Int32("to", version.SpecVersion),
			zap.Int64("block", blockNumber))
		if err := t.store.CloseRuntimeVersion(ctx, *t.current, blockNumber-1); err != nil {
			return err
		}
	}

	if err := t.ensureStored(ctx, version, blockHash, blockNumber); err != nil {
		return err
	}

	spec := version.SpecVersion
	t.current = &spec
	return nil
}

// Bootstrap seeds the version log before ingestion starts: the genesis
// version anchored at block 0 and, when the chain has since upgraded, the
// current version anchored at the best height. Already-seeded logs are left
// alone.
func (t *VersionTracker) Bootstrap(ctx context.Context, bestHeight int64) error {
	genesisHash, err := t.client.BlockHash(ctx, 0)
	if err != nil {
		return fmt.Errorf("genesis hash: %w", err)
	}
	genesisVersion, err := t.client.RuntimeVersion(ctx, genesisHash)
	if err != nil {
		return fmt.Errorf("genesis runtime version: %w", err)
	}
	if err := t.ensureStored(ctx, genesisVersion, genesisHash, 0); err != nil {
		return err
	}

	currentVersion, err := t.client.RuntimeVersion(ctx, nil)
	if err != nil {
		return fmt.Errorf("current runtime version: %w", err)
	}
	if currentVersion.SpecVersion != genesisVersion.SpecVersion {
		if err := t.ensureStored(ctx, currentVersion, nil, bestHeight); err != nil {
			return err
		}
	}
	return nil
}

// ensureStored records a version the first time it is seen. The metadata
// blob is deduplicated by content hash: a version whose metadata is already
// stored under an earlier version keeps only the hash.
func (t *VersionTracker) ensureStored(ctx context.Context, version *rpc.RuntimeVersion, blockHash []byte, firstSeen int64) error {
	exists, err := t.store.RuntimeVersionExists(ctx, version.SpecVersion)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	metadata, err := t.client.Metadata(ctx, blockHash)
	if err != nil {
		return fmt.Errorf("fetch metadata for v%d: %w", version.SpecVersion, err)
	}

	rec := models.NewRuntimeMetadataRecord(
		version.SpecVersion, version.ImplVersion, version.TransactionVersion, version.StateVersion,
		firstSeen, metadata)

	dup, err := t.store.MetadataHashExists(ctx, rec.MetadataHash)
	if err != nil {
		return err
	}
	if dup {
		t.logger.Debug("Metadata unchanged across versions, storing hash only",
			zap.Int32("spec_version", version.SpecVersion),
			zap.String("metadata_hash", rec.MetadataHash))
		rec.Metadata = nil
	}

	return t.store.InsertRuntimeMetadata(ctx, rec)
}
