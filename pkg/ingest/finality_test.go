package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestPolicyOverrideWinsOverEverything(t *testing.T) {
	chain := newFakeChain(0)
	chain.constants["PoW.MaxReorgDepth"] = 64

	override := int64(3)
	p := NewPolicy(zaptest.NewLogger(t), chain, &override)
	assert.Equal(t, int64(3), p.RequiredConfirmations(context.Background()))
}

func TestPolicyZeroOverrideMeansInstant(t *testing.T) {
	override := int64(0)
	p := NewPolicy(zaptest.NewLogger(t), newFakeChain(0), &override)
	assert.Equal(t, int64(0), p.RequiredConfirmations(context.Background()))
}

func TestPolicyReadsReorgDepthConstant(t *testing.T) {
	for _, module := range []string{"Resonance", "PoW", "Difficulty", "System"} {
		chain := newFakeChain(0)
		chain.constants[module+".MaxReorgDepth"] = 18

		p := NewPolicy(zaptest.NewLogger(t), chain, nil)
		assert.Equal(t, int64(17), p.RequiredConfirmations(context.Background()), module)
	}
}

func TestPolicyPrefersEarlierConstantLocation(t *testing.T) {
	chain := newFakeChain(0)
	chain.constants["Resonance.MaxReorgDepth"] = 5
	chain.constants["System.MaxReorgDepth"] = 50

	p := NewPolicy(zaptest.NewLogger(t), chain, nil)
	assert.Equal(t, int64(4), p.RequiredConfirmations(context.Background()))
}

func TestPolicyFinalityGadgetMeansInstant(t *testing.T) {
	chain := newFakeChain(0)
	chain.constants["Grandpa.MaxAuthorities"] = 100
	chain.constants["Timestamp.MinimumPeriod"] = 3000

	p := NewPolicy(zaptest.NewLogger(t), chain, nil)
	assert.Equal(t, int64(0), p.RequiredConfirmations(context.Background()))
}

func TestPolicyEpochDurationQuartered(t *testing.T) {
	chain := newFakeChain(0)
	chain.constants["Babe.EpochDuration"] = 600
	// The epoch proxy outranks the finality gadget check.
	chain.constants["Grandpa.MaxAuthorities"] = 100

	p := NewPolicy(zaptest.NewLogger(t), chain, nil)
	assert.Equal(t, int64(150), p.RequiredConfirmations(context.Background()))
}

func TestPolicyBlockTimeHeuristic(t *testing.T) {
	chain := newFakeChain(0)
	// 3s blocks: 600 fit in 30 minutes, clamped to the heuristic cap.
	chain.constants["Timestamp.MinimumPeriod"] = 3000

	p := NewPolicy(zaptest.NewLogger(t), chain, nil)
	assert.Equal(t, int64(maxHeuristicConfirmations), p.RequiredConfirmations(context.Background()))
}

func TestPolicyBlockTimeHeuristicSlowChain(t *testing.T) {
	chain := newFakeChain(0)
	// 5 minute blocks.
	chain.constants["Timestamp.MinimumPeriod"] = 300_000

	p := NewPolicy(zaptest.NewLogger(t), chain, nil)
	assert.Equal(t, int64(6), p.RequiredConfirmations(context.Background()))
}

func TestPolicyDefault(t *testing.T) {
	p := NewPolicy(zaptest.NewLogger(t), newFakeChain(0), nil)
	assert.Equal(t, int64(DefaultConfirmations), p.RequiredConfirmations(context.Background()))
}
