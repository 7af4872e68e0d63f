package decode

import (
	"context"
	"fmt"
	"time"

	models "github.com/resonance-network/chronicled/pkg/db/models/chain"
	"github.com/resonance-network/chronicled/pkg/rpc"
	"go.uber.org/zap"
)

// ChainQuerier is the slice of the chain client the decoder needs for the
// lookups that are not plain event streams.
type ChainQuerier interface {
	GenesisBalances(ctx context.Context) ([]rpc.GenesisBalance, error)
	BlockReward(ctx context.Context, hash []byte) (*rpc.BlockReward, error)
}

// GenesisEndowments returns one endowment credit per pre-funded genesis
// account, indexed sequentially at block 0.
func (d *Decoder) GenesisEndowments(ctx context.Context, genesisTime time.Time) ([]*models.BalanceChange, error) {
	balances, err := d.client.GenesisBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("query genesis balances: %w", err)
	}

	changes := make([]*models.BalanceChange, 0, len(balances))
	for _, b := range balances {
		amount, err := NewValue(b.Free).Amount()
		if err != nil {
			d.logger.Warn("Skipping malformed genesis balance",
				zap.String("account", b.Account.String()), zap.Error(err))
			continue
		}
		changes = append(changes, &models.BalanceChange{
			Account:      b.Account,
			BlockNumber:  0,
			EventIndex:   int32(len(changes)),
			Delta:        amount,
			Reason:       models.ReasonEndowment,
			EventModule:  "Genesis",
			EventVariant: "Endowed",
			BlockTime:    genesisTime,
		})
	}
	return changes, nil
}

// MinerReward returns the author's payout for a sealed block, or nothing when
// the chain pays none. The index is assigned by the caller alongside the
// block's event deltas.
func (d *Decoder) MinerReward(ctx context.Context, blockHash []byte, blockNumber int64, blockTime time.Time) ([]*models.BalanceChange, error) {
	reward, err := d.client.BlockReward(ctx, blockHash)
	if err != nil {
		return nil, fmt.Errorf("query block reward: %w", err)
	}
	if reward == nil || len(reward.Author) == 0 {
		return nil, nil
	}

	amount, err := NewValue(reward.Amount).Amount()
	if err != nil {
		return nil, fmt.Errorf("block reward amount: %w", err)
	}

	return []*models.BalanceChange{{
		Account:      reward.Author,
		BlockNumber:  blockNumber,
		Delta:        amount,
		Reason:       models.ReasonMinerReward,
		EventModule:  "Rewards",
		EventVariant: "BlockReward",
		BlockTime:    blockTime,
	}}, nil
}
