package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/resonance-network/chronicled/pkg/decode"
	models "github.com/resonance-network/chronicled/pkg/db/models/chain"
	"github.com/resonance-network/chronicled/pkg/rpc"
)

func newTestEngine(t *testing.T, chain *fakeChain, store *fakeStore, cfg Config) *Engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	if cfg.ChainID == "" {
		cfg.ChainID = "test"
	}
	return New(logger, cfg, chain, store, decode.NewDecoder(logger, chain), nil, nil)
}

func addr(b byte) string {
	return "0x" + strings.Repeat(fmt.Sprintf("%02x", b), 32)
}

func transferEvent(from, to byte, amount string) rpc.Event {
	return rpc.Event{
		Module:  "Balances",
		Variant: "Transfer",
		Fields: map[string]any{
			"from":   addr(from),
			"to":     addr(to),
			"amount": amount,
		},
	}
}

func feePaidEvent(who byte, fee string) rpc.Event {
	return rpc.Event{
		Module:  "TransactionPayment",
		Variant: "TransactionFeePaid",
		Fields: map[string]any{
			"who":       addr(who),
			"actualFee": fee,
		},
	}
}

// sumDeltas adds every recorded delta for account at or below height,
// endowments included.
func sumDeltas(t *testing.T, store *fakeStore, account []byte, height int64) string {
	t.Helper()
	sum := new(big.Int)
	for _, changes := range store.changes {
		for _, c := range changes {
			if c.BlockNumber > height || !bytes.Equal(c.Account, account) {
				continue
			}
			d, ok := new(big.Int).SetString(c.Delta, 10)
			require.True(t, ok, "bad delta %q", c.Delta)
			sum.Add(sum, d)
		}
	}
	return sum.String()
}

func TestBootstrapFreshChainRecordsEndowments(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain(0)
	chain.genesis = []rpc.GenesisBalance{
		{Account: rpc.HexBytes{0x01}, Free: "1000000"},
		{Account: rpc.HexBytes{0x02}, Free: "500"},
	}
	store := newFakeStore()
	e := newTestEngine(t, chain, store, Config{})

	require.NoError(t, e.bootstrap(ctx))

	assert.Equal(t, int64(-1), e.progress.LatestBlock)
	endowments := store.changes[-1]
	require.Len(t, endowments, 2)
	assert.Equal(t, "1000000", endowments[0].Delta)
	assert.Equal(t, models.ReasonEndowment, endowments[0].Reason)
	assert.Equal(t, int64(0), endowments[1].BlockNumber)

	require.NoError(t, e.catchUp(ctx))
	assert.Equal(t, int64(0), e.progress.LatestBlock)
	assert.Equal(t, []int64{0}, store.commitOrder)
	// Genesis commits the block row only; the endowments were stored above.
	assert.Empty(t, store.changes[0])
}

func TestBootstrapExistingCursorSkipsEndowments(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain(10)
	chain.genesis = []rpc.GenesisBalance{{Account: rpc.HexBytes{0x01}, Free: "7"}}
	store := newFakeStore()
	store.progress.LatestBlock = 5
	store.progress.LatestBlockHash = chain.hashAt(5)

	e := newTestEngine(t, chain, store, Config{})
	require.NoError(t, e.bootstrap(ctx))
	assert.Empty(t, store.changes[-1])
}

func TestCatchUpCommitsAscending(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain(150)
	store := newFakeStore()
	store.progress.LatestBlock = 100
	store.progress.LatestBlockHash = chain.hashAt(100)
	store.blocks[100] = models.NewBlock(100, chain.hashAt(100), chain.hashAt(99), time.Now(), 1)

	e := newTestEngine(t, chain, store, Config{})
	require.NoError(t, e.bootstrap(ctx))
	require.NoError(t, e.catchUp(ctx))

	require.Len(t, store.commitOrder, 50)
	for i, n := range store.commitOrder {
		assert.Equal(t, int64(101+i), n)
	}
	assert.Equal(t, int64(150), e.progress.LatestBlock)
}

func TestCatchUpHonorsConfirmationDepth(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain(115)
	store := newFakeStore()
	override := int64(10)

	e := newTestEngine(t, chain, store, Config{FollowBest: true, ConfirmationOverride: &override})
	require.NoError(t, e.bootstrap(ctx))
	require.NoError(t, e.catchUp(ctx))

	// Only blocks with 10 confirmations below best 115 are committed.
	assert.Equal(t, int64(105), e.progress.LatestBlock)
	assert.Len(t, store.commitOrder, 106)
}

func TestHandleHeadBuffersUntilConfirmed(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain(115)
	store := newFakeStore()
	override := int64(10)

	e := newTestEngine(t, chain, store, Config{FollowBest: true, ConfirmationOverride: &override})
	require.NoError(t, e.bootstrap(ctx))
	require.NoError(t, e.catchUp(ctx))
	require.Equal(t, int64(105), e.progress.LatestBlock)

	// A new best head arrives: 116 is buffered, 106 gains its tenth
	// confirmation and commits.
	chain.mu.Lock()
	chain.best = 116
	chain.mu.Unlock()
	require.NoError(t, e.handleHead(ctx, *chain.headerAt(116)))

	assert.Equal(t, int64(106), e.progress.LatestBlock)
	assert.Equal(t, 1, e.buffer.Len())
	assert.Equal(t, int64(106), store.progress.LatestBlock)
}

func TestCommitIncludesDecodedTransfers(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain(1)
	chain.events[1] = []rpc.Event{transferEvent(0x0a, 0x0b, "250")}
	store := newFakeStore()

	e := newTestEngine(t, chain, store, Config{})
	require.NoError(t, e.bootstrap(ctx))
	require.NoError(t, e.catchUp(ctx))

	changes := store.changes[1]
	require.Len(t, changes, 2)
	assert.Equal(t, "-250", changes[0].Delta)
	assert.Equal(t, "250", changes[1].Delta)
	assert.Equal(t, int32(0), changes[0].EventIndex)
	assert.Equal(t, int32(1), changes[1].EventIndex)
}

func TestBalancesAreSumOfDeltas(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain(4)
	chain.genesis = []rpc.GenesisBalance{
		{Account: rpc.HexBytes(bytes.Repeat([]byte{0x01}, 32)), Free: "1000"},
		{Account: rpc.HexBytes(bytes.Repeat([]byte{0x02}, 32)), Free: "500"},
	}
	chain.events[1] = []rpc.Event{transferEvent(0x01, 0x02, "200")}
	chain.events[2] = []rpc.Event{feePaidEvent(0x02, "10")}
	chain.rewards[2] = &rpc.BlockReward{
		Author: rpc.HexBytes(bytes.Repeat([]byte{0x03}, 32)),
		Amount: "25",
	}
	chain.events[3] = []rpc.Event{
		transferEvent(0x02, 0x01, "50"),
		feePaidEvent(0x02, "3"),
	}
	store := newFakeStore()

	e := newTestEngine(t, chain, store, Config{})
	require.NoError(t, e.bootstrap(ctx))
	require.NoError(t, e.catchUp(ctx))
	require.Equal(t, int64(4), e.progress.LatestBlock)

	alice := bytes.Repeat([]byte{0x01}, 32)
	bob := bytes.Repeat([]byte{0x02}, 32)
	miner := bytes.Repeat([]byte{0x03}, 32)

	// Each account's balance at height N is the sum of its deltas up to N.
	assert.Equal(t, "1000", sumDeltas(t, store, alice, 0))
	assert.Equal(t, "500", sumDeltas(t, store, bob, 0))

	assert.Equal(t, "800", sumDeltas(t, store, alice, 1))
	assert.Equal(t, "700", sumDeltas(t, store, bob, 1))

	assert.Equal(t, "690", sumDeltas(t, store, bob, 2))
	assert.Equal(t, "25", sumDeltas(t, store, miner, 2))

	assert.Equal(t, "850", sumDeltas(t, store, alice, 3))
	assert.Equal(t, "637", sumDeltas(t, store, bob, 3))

	// An empty block leaves every balance unchanged.
	assert.Equal(t, "850", sumDeltas(t, store, alice, 4))
	assert.Equal(t, "637", sumDeltas(t, store, bob, 4))

	// An account with no history sums to zero.
	assert.Equal(t, "0", sumDeltas(t, store, bytes.Repeat([]byte{0x04}, 32), 4))
}

func TestCommitAppendsMinerReward(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain(1)
	chain.events[1] = []rpc.Event{transferEvent(0x0a, 0x0b, "5")}
	chain.rewards[1] = &rpc.BlockReward{Author: rpc.HexBytes{0xee}, Amount: "50"}
	store := newFakeStore()

	e := newTestEngine(t, chain, store, Config{})
	require.NoError(t, e.bootstrap(ctx))
	require.NoError(t, e.catchUp(ctx))

	changes := store.changes[1]
	require.Len(t, changes, 3)
	reward := changes[2]
	assert.Equal(t, models.ReasonMinerReward, reward.Reason)
	assert.Equal(t, "50", reward.Delta)
	assert.Equal(t, int32(2), reward.EventIndex)
}

func TestCommitSkipsUndecodableEvents(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain(1)
	chain.events[1] = []rpc.Event{
		{Module: "Balances", Variant: "Transfer", Fields: map[string]any{"from": addr(1)}},
		transferEvent(0x0a, 0x0b, "9"),
		{Module: "SomePallet", Variant: "SomethingElse"},
	}
	store := newFakeStore()

	e := newTestEngine(t, chain, store, Config{})
	require.NoError(t, e.bootstrap(ctx))
	require.NoError(t, e.catchUp(ctx))

	// The malformed transfer and the unknown event are dropped, the block
	// still commits with the decodable rows.
	assert.Equal(t, []int64{0, 1}, store.commitOrder)
	require.Len(t, store.changes[1], 2)
}

func TestCatchUpSkipsUnfetchableBlock(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain(5)
	chain.failEventsAt[3] = true
	store := newFakeStore()

	e := newTestEngine(t, chain, store, Config{})
	require.NoError(t, e.bootstrap(ctx))
	require.NoError(t, e.catchUp(ctx))

	assert.Equal(t, int64(5), e.progress.LatestBlock)
	assert.NotContains(t, store.commitOrder, int64(3))
}

func TestPersistenceFailureIsFatalForLiveBlocks(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain(2)
	store := newFakeStore()

	e := newTestEngine(t, chain, store, Config{})
	require.NoError(t, e.bootstrap(ctx))
	require.NoError(t, e.catchUp(ctx))
	require.Equal(t, int64(2), e.progress.LatestBlock)

	store.failCommit = errors.New("connection refused")
	chain.mu.Lock()
	chain.best = 3
	chain.mu.Unlock()

	err := e.handleHead(ctx, *chain.headerAt(3))
	require.Error(t, err)
	assert.True(t, IsPersistence(err))
	// The cursor must not move past an uncommitted block.
	assert.Equal(t, int64(2), e.progress.LatestBlock)
}

func TestCatchUpSkipsFailedCommits(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain(5)
	store := newFakeStore()
	store.failCommit = errors.New("connection refused")

	e := newTestEngine(t, chain, store, Config{})
	require.NoError(t, e.bootstrap(ctx))

	// Backfill logs the gaps and moves on instead of halting.
	require.NoError(t, e.catchUp(ctx))
	assert.Empty(t, store.commitOrder)
	assert.Equal(t, int64(-1), e.progress.LatestBlock)
}

func TestHeadByHeadConfirmation(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain(104)
	store := newFakeStore()
	store.progress.LatestBlock = 104
	store.progress.LatestBlockHash = chain.hashAt(104)
	override := int64(10)

	e := newTestEngine(t, chain, store, Config{FollowBest: true, ConfirmationOverride: &override})
	require.NoError(t, e.bootstrap(ctx))

	// Best heads 105..120 arrive one at a time; 105 commits exactly when
	// best reaches 115.
	for n := int64(105); n <= 120; n++ {
		chain.mu.Lock()
		chain.best = n
		chain.mu.Unlock()
		require.NoError(t, e.handleHead(ctx, *chain.headerAt(n)))

		if n < 115 {
			assert.Empty(t, store.commitOrder, "no block should commit at best %d", n)
		}
	}

	require.NotEmpty(t, store.commitOrder)
	assert.Equal(t, int64(105), store.commitOrder[0])
	assert.Equal(t, int64(110), e.progress.LatestBlock)
}

func TestReorgRollsBackToForkPoint(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain(10)
	store := newFakeStore()

	e := newTestEngine(t, chain, store, Config{})
	require.NoError(t, e.bootstrap(ctx))
	require.NoError(t, e.catchUp(ctx))
	require.Equal(t, int64(10), e.progress.LatestBlock)

	// The chain abandons 8..10 for a longer branch.
	chain.forkFrom(8, "b")
	chain.mu.Lock()
	chain.best = 12
	chain.mu.Unlock()

	err := e.handleHead(ctx, *chain.headerAt(12))
	require.ErrorIs(t, err, errReorg)
	require.Equal(t, []int64{8}, store.reorgsFrom)
	assert.Equal(t, int64(7), e.progress.LatestBlock)

	require.NoError(t, e.catchUp(ctx))
	assert.Equal(t, int64(12), e.progress.LatestBlock)
	assert.Equal(t, chain.hashAt(8), store.blocks[8].Hash)
	assert.True(t, store.blocks[8].IsCanonical)
}

func TestCommitIdempotentAfterRestart(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain(5)
	store := newFakeStore()

	e := newTestEngine(t, chain, store, Config{})
	require.NoError(t, e.bootstrap(ctx))
	require.NoError(t, e.catchUp(ctx))
	firstCommits := len(store.commitOrder)

	// A restart re-runs bootstrap against the same store.
	e2 := newTestEngine(t, chain, store, Config{})
	require.NoError(t, e2.bootstrap(ctx))
	require.NoError(t, e2.catchUp(ctx))

	assert.Equal(t, firstCommits, len(store.commitOrder))
	assert.Equal(t, int64(5), e2.progress.LatestBlock)
}

func TestLiveFollowsFinalizedHeads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain := newFakeChain(5)
	store := newFakeStore()
	e := newTestEngine(t, chain, store, Config{})
	require.NoError(t, e.bootstrap(ctx))
	require.NoError(t, e.catchUp(ctx))

	chain.mu.Lock()
	chain.best = 7
	chain.mu.Unlock()
	chain.heads <- *chain.headerAt(6)
	chain.heads <- *chain.headerAt(7)

	done := make(chan error, 1)
	go func() { done <- e.live(ctx) }()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.progress.LatestBlock == 7
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7}, store.commitOrder)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	chain := newFakeChain(3)
	store := newFakeStore()
	e := newTestEngine(t, chain, store, Config{})

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		return e.Status().State == "live"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(3), e.Status().LatestBlock)
}
