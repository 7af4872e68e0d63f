package ingest

import (
	"context"

	"go.uber.org/zap"
)

// DefaultConfirmations is the conservative confirmation depth used when the
// chain exposes nothing better.
const DefaultConfirmations = 10

// thirtyMinutesMillis is the reorg window assumed for chains that only expose
// their target block time.
const thirtyMinutesMillis = 30 * 60 * 1000

// maxHeuristicConfirmations caps the block-time heuristic so a fast chain
// cannot demand an absurd confirmation depth.
const maxHeuristicConfirmations = 180

// ConstantSource resolves runtime constants by module and name.
type ConstantSource interface {
	Constant(ctx context.Context, module, name string) (uint64, error)
}

// reorgDepthLocations are the known homes of an explicit max reorg depth
// constant, probed in order.
var reorgDepthLocations = []struct {
	module string
	name   string
}{
	{"Resonance", "MaxReorgDepth"},
	{"PoW", "MaxReorgDepth"},
	{"Difficulty", "MaxReorgDepth"},
	{"System", "MaxReorgDepth"},
}

// Policy resolves how many confirmations a block needs before it is treated
// as final.
type Policy struct {
	logger   *zap.Logger
	client   ConstantSource
	override *int64
}

func NewPolicy(logger *zap.Logger, client ConstantSource, override *int64) *Policy {
	return &Policy{logger: logger, client: client, override: override}
}

// RequiredConfirmations resolves the confirmation depth once, at startup.
//
// Resolution order: operator override, an explicit max reorg depth constant,
// an epoch-length proxy, instant finality when a finality gadget is
// configured, a block-time heuristic, and finally DefaultConfirmations.
func (p *Policy) RequiredConfirmations(ctx context.Context) int64 {
	if p.override != nil {
		p.logger.Info("Using confirmation override", zap.Int64("confirmations", *p.override))
		return *p.override
	}

	for _, loc := range reorgDepthLocations {
		depth, err := p.client.Constant(ctx, loc.module, loc.name)
		if err != nil {
			p.logger.Debug("No reorg depth constant",
				zap.String("module", loc.module), zap.String("name", loc.name))
			continue
		}
		confirmations := int64(depth)
		if confirmations > 0 {
			// A block at depth d is final once d >= MaxReorgDepth, so
			// the required confirmation count is one less.
			confirmations--
		}
		p.logger.Info("Resolved confirmations from chain constant",
			zap.String("module", loc.module),
			zap.Uint64("maxReorgDepth", depth),
			zap.Int64("confirmations", confirmations))
		return confirmations
	}

	if epoch, err := p.client.Constant(ctx, "Babe", "EpochDuration"); err == nil && epoch > 0 {
		// A quarter epoch of slots is deep enough for the session to have
		// moved past any contested blocks.
		confirmations := int64(epoch / 4)
		if confirmations < 1 {
			confirmations = 1
		}
		p.logger.Info("Derived confirmations from epoch length",
			zap.Uint64("epochDuration", epoch),
			zap.Int64("confirmations", confirmations))
		return confirmations
	}

	if _, err := p.client.Constant(ctx, "Grandpa", "MaxAuthorities"); err == nil {
		p.logger.Info("Finality gadget detected, treating finalized heads as instant")
		return 0
	}

	if period, err := p.client.Constant(ctx, "Timestamp", "MinimumPeriod"); err == nil && period > 0 {
		// Enough blocks to span a 30 minute window at the chain's minimum
		// block interval.
		confirmations := int64(thirtyMinutesMillis / period)
		if confirmations > maxHeuristicConfirmations {
			confirmations = maxHeuristicConfirmations
		}
		if confirmations < 1 {
			confirmations = 1
		}
		p.logger.Info("Derived confirmations from block time",
			zap.Uint64("minimumPeriodMs", period),
			zap.Int64("confirmations", confirmations))
		return confirmations
	}

	p.logger.Info("No finality hints on chain, using default",
		zap.Int64("confirmations", int64(DefaultConfirmations)))
	return DefaultConfirmations
}
