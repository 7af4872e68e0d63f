package ingest

import (
	"context"
	"time"

	models "github.com/resonance-network/chronicled/pkg/db/models/chain"
	"github.com/resonance-network/chronicled/pkg/rpc"
)

// ChainClient is the slice of the node client the engine depends on. The
// concrete implementation is rpc.Client; tests substitute an in-memory chain.
type ChainClient interface {
	BlockHash(ctx context.Context, number int64) ([]byte, error)
	Header(ctx context.Context, hash []byte) (*rpc.Header, error)
	BestNumber(ctx context.Context) (int64, error)
	RuntimeVersion(ctx context.Context, blockHash []byte) (*rpc.RuntimeVersion, error)
	Metadata(ctx context.Context, blockHash []byte) ([]byte, error)
	Events(ctx context.Context, blockHash []byte) ([]rpc.Event, error)
	Constant(ctx context.Context, module, name string) (uint64, error)
	SubscribeNewHeads(ctx context.Context) (*rpc.Subscription, error)
	SubscribeFinalizedHeads(ctx context.Context) (*rpc.Subscription, error)
}

// Store is the persistence gateway the engine commits through. The concrete
// implementation is chain.DB.
type Store interface {
	GetOrCreateProgress(ctx context.Context) (*models.IndexProgress, error)
	CommitBlock(ctx context.Context, block *models.Block, changes []*models.BalanceChange, progress *models.IndexProgress) error
	InsertGenesisEndowments(ctx context.Context, changes []*models.BalanceChange, progress *models.IndexProgress) error
	GetBlock(ctx context.Context, number int64) (*models.Block, error)
	BeginReorg(ctx context.Context, fromHeight int64) error
	RuntimeVersionExists(ctx context.Context, specVersion int32) (bool, error)
	MetadataHashExists(ctx context.Context, hash string) (bool, error)
	InsertRuntimeMetadata(ctx context.Context, rec *models.RuntimeMetadataRecord) error
	CloseRuntimeVersion(ctx context.Context, specVersion int32, lastSeenBlock int64) error
}

// Decoder turns raw chain data into balance change rows.
type Decoder interface {
	DecodeEvents(events []rpc.Event, blockNumber int64, blockTime time.Time) []*models.BalanceChange
	GenesisEndowments(ctx context.Context, genesisTime time.Time) ([]*models.BalanceChange, error)
	MinerReward(ctx context.Context, blockHash []byte, blockNumber int64, blockTime time.Time) ([]*models.BalanceChange, error)
}

// Notifier is told about every committed block. Implementations must never
// block ingestion; failures are theirs to log.
type Notifier interface {
	BlockCommitted(ctx context.Context, chainID string, block *models.Block, balanceChanges int)
}

// NopNotifier is the Notifier used when no downstream fan-out is configured.
type NopNotifier struct{}

func (NopNotifier) BlockCommitted(context.Context, string, *models.Block, int) {}
