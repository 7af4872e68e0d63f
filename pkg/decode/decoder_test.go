package decode

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	models "github.com/resonance-network/chronicled/pkg/db/models/chain"
	"github.com/resonance-network/chronicled/pkg/rpc"
)

type stubQuerier struct {
	balances []rpc.GenesisBalance
	reward   *rpc.BlockReward
	err      error
}

func (s *stubQuerier) GenesisBalances(context.Context) ([]rpc.GenesisBalance, error) {
	return s.balances, s.err
}

func (s *stubQuerier) BlockReward(context.Context, []byte) (*rpc.BlockReward, error) {
	return s.reward, s.err
}

func testDecoder(t *testing.T, q ChainQuerier) *Decoder {
	t.Helper()
	if q == nil {
		q = &stubQuerier{}
	}
	return NewDecoder(zaptest.NewLogger(t), q)
}

func hexAddr(b byte) string {
	return "0x" + strings.Repeat(fmt.Sprintf("%02x", b), 32)
}

func TestDecodeTransferEmitsDebitAndCredit(t *testing.T) {
	d := testDecoder(t, nil)
	now := time.Now().UTC()

	changes := d.DecodeEvents([]rpc.Event{{
		Module:  "Balances",
		Variant: "Transfer",
		Fields: map[string]any{
			"from":   hexAddr(0x0a),
			"to":     hexAddr(0x0b),
			"amount": "12345",
		},
		ExtrinsicHash: []byte{0xde, 0xad},
	}}, 42, now)

	require.Len(t, changes, 2)

	debit, credit := changes[0], changes[1]
	assert.Equal(t, "-12345", debit.Delta)
	assert.Equal(t, "12345", credit.Delta)
	assert.Equal(t, models.ReasonTransfer, debit.Reason)
	assert.Equal(t, int32(0), debit.EventIndex)
	assert.Equal(t, int32(1), credit.EventIndex)
	assert.Equal(t, int64(42), credit.BlockNumber)
	assert.Equal(t, []byte{0xde, 0xad}, credit.ExtrinsicHash)
	assert.True(t, debit.IsDebit())
	assert.True(t, credit.IsCredit())
}

func TestDecodeWrappedAccountAndAmount(t *testing.T) {
	d := testDecoder(t, nil)

	changes := d.DecodeEvents([]rpc.Event{{
		Module:  "Balances",
		Variant: "Deposit",
		Fields: map[string]any{
			"who":    map[string]any{"id": hexAddr(0x0c)},
			"amount": map[string]any{"value": "999"},
		},
	}}, 1, time.Now())

	require.Len(t, changes, 1)
	assert.Equal(t, "999", changes[0].Delta)
	assert.Equal(t, models.ReasonDeposit, changes[0].Reason)
}

// Amounts above 2^53 arrive as json.Number and must survive decoding exactly.
func TestDecodeTransferKeepsFullPrecision(t *testing.T) {
	d := testDecoder(t, nil)

	changes := d.DecodeEvents([]rpc.Event{{
		Module:  "Balances",
		Variant: "Transfer",
		Fields: map[string]any{
			"from":   hexAddr(0x0a),
			"to":     hexAddr(0x0b),
			"amount": json.Number("1000000000000000001"),
		},
	}}, 5, time.Now())

	require.Len(t, changes, 2)
	assert.Equal(t, "-1000000000000000001", changes[0].Delta)
	assert.Equal(t, "1000000000000000001", changes[1].Delta)
}

func TestDecodeReserveEventsMoveNothing(t *testing.T) {
	d := testDecoder(t, nil)

	changes := d.DecodeEvents([]rpc.Event{
		{Module: "Balances", Variant: "Reserved", Fields: map[string]any{"who": hexAddr(1), "amount": "5"}},
		{Module: "Balances", Variant: "Unreserved", Fields: map[string]any{"who": hexAddr(1), "amount": "5"}},
		{Module: "Balances", Variant: "Endowed", Fields: map[string]any{"account": hexAddr(2), "freeBalance": "10"}},
		{Module: "System", Variant: "NewAccount", Fields: map[string]any{"account": hexAddr(2)}},
		{Module: "System", Variant: "KilledAccount", Fields: map[string]any{"account": hexAddr(3)}},
	}, 7, time.Now())

	assert.Empty(t, changes)
}

func TestDecodeFeePaid(t *testing.T) {
	d := testDecoder(t, nil)

	changes := d.DecodeEvents([]rpc.Event{{
		Module:  "TransactionPayment",
		Variant: "TransactionFeePaid",
		Fields: map[string]any{
			"who":       hexAddr(0x0d),
			"actualFee": "31",
		},
	}}, 3, time.Now())

	require.Len(t, changes, 1)
	assert.Equal(t, "-31", changes[0].Delta)
	assert.Equal(t, models.ReasonFee, changes[0].Reason)
}

func TestDecodeSkipsMalformedEvent(t *testing.T) {
	d := testDecoder(t, nil)

	changes := d.DecodeEvents([]rpc.Event{
		{Module: "Balances", Variant: "Transfer", Fields: map[string]any{"from": hexAddr(1)}},
		{Module: "Balances", Variant: "Withdraw", Fields: map[string]any{"who": hexAddr(2), "amount": "8"}},
	}, 9, time.Now())

	// The broken transfer is dropped; indexes stay dense for what decoded.
	require.Len(t, changes, 1)
	assert.Equal(t, int32(0), changes[0].EventIndex)
	assert.Equal(t, "-8", changes[0].Delta)
}

func TestDecodeIgnoresUnknownEvents(t *testing.T) {
	d := testDecoder(t, nil)

	changes := d.DecodeEvents([]rpc.Event{
		{Module: "Scheduler", Variant: "Dispatched"},
		{Module: "Balances", Variant: "SomethingNew", Fields: map[string]any{"amount": "1"}},
	}, 2, time.Now())

	assert.Empty(t, changes)
}

func TestDecodeStakingRewardVariants(t *testing.T) {
	d := testDecoder(t, nil)

	for _, variant := range []string{"Rewarded", "Reward"} {
		changes := d.DecodeEvents([]rpc.Event{{
			Module:  "Staking",
			Variant: variant,
			Fields:  map[string]any{"stash": hexAddr(5), "amount": "77"},
		}}, 4, time.Now())

		require.Len(t, changes, 1, variant)
		assert.Equal(t, "77", changes[0].Delta)
		assert.Equal(t, models.ReasonStakingReward, changes[0].Reason)
	}
}

func TestGenesisEndowments(t *testing.T) {
	q := &stubQuerier{balances: []rpc.GenesisBalance{
		{Account: rpc.HexBytes{0x01}, Free: "100"},
		{Account: rpc.HexBytes{0x02}, Free: "not-a-number"},
		{Account: rpc.HexBytes{0x03}, Free: "0x1f"},
	}}
	d := testDecoder(t, q)

	changes, err := d.GenesisEndowments(context.Background(), time.Now())
	require.NoError(t, err)

	// The malformed entry is skipped.
	require.Len(t, changes, 2)
	assert.Equal(t, "100", changes[0].Delta)
	assert.Equal(t, "31", changes[1].Delta)
	for _, c := range changes {
		assert.Equal(t, int64(0), c.BlockNumber)
		assert.Equal(t, models.ReasonEndowment, c.Reason)
	}
}

func TestMinerReward(t *testing.T) {
	q := &stubQuerier{reward: &rpc.BlockReward{Author: rpc.HexBytes{0xaa}, Amount: "5000"}}
	d := testDecoder(t, q)

	changes, err := d.MinerReward(context.Background(), []byte{0x01}, 12, time.Now())
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "5000", changes[0].Delta)
	assert.Equal(t, models.ReasonMinerReward, changes[0].Reason)
	assert.Equal(t, []byte{0xaa}, changes[0].Account)
}

func TestMinerRewardAbsent(t *testing.T) {
	d := testDecoder(t, &stubQuerier{})

	changes, err := d.MinerReward(context.Background(), []byte{0x01}, 12, time.Now())
	require.NoError(t, err)
	assert.Empty(t, changes)
}
