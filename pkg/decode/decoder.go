package decode

import (
	"fmt"
	"time"

	models "github.com/resonance-network/chronicled/pkg/db/models/chain"
	"github.com/resonance-network/chronicled/pkg/rpc"
	"go.uber.org/zap"
)

// delta is a decoded balance movement before it gets a block-wide event index.
type delta struct {
	account []byte
	amount  string
	reason  models.Reason
}

type eventKey struct {
	Module  string
	Variant string
}

// decodeFunc turns one recognized event's field tree into its deltas.
type decodeFunc func(fields Value) ([]delta, error)

// Decoder maps (module, event) pairs onto typed decoders. The table is
// closed: events without an entry decode to nothing and never fail, so an
// unknown runtime upgrade cannot stall ingestion.
type Decoder struct {
	logger *zap.Logger
	client ChainQuerier
	table  map[eventKey]decodeFunc
}

// NewDecoder builds the decoder with the standard balance-affecting table.
func NewDecoder(logger *zap.Logger, client ChainQuerier) *Decoder {
	d := &Decoder{logger: logger, client: client}
	d.table = map[eventKey]decodeFunc{
		{"Balances", "Transfer"}: decodeTransfer,
		{"Balances", "Deposit"}:  creditOf("amount", models.ReasonDeposit),
		{"Balances", "Withdraw"}: debitOf("amount", models.ReasonWithdrawal),
		{"Balances", "Slashed"}:  debitOf("amount", models.ReasonSlash),

		// Reserve accounting moves funds between free and reserved without
		// changing the account total the ledger tracks.
		{"Balances", "Reserved"}:   decodeNothing,
		{"Balances", "Unreserved"}: decodeNothing,

		// Endowed accompanies the Transfer or Deposit that funded the
		// account; counting it too would double the credit.
		{"Balances", "Endowed"}:     decodeNothing,
		{"System", "NewAccount"}:    decodeNothing,
		{"System", "KilledAccount"}: decodeNothing,

		{"TransactionPayment", "TransactionFeePaid"}: decodeFeePaid,

		{"Staking", "Rewarded"}: creditOf("amount", models.ReasonStakingReward),
		{"Staking", "Reward"}:   creditOf("amount", models.ReasonStakingReward),
	}
	return d
}

// DecodeEvents extracts the balance changes of one block, assigning
// sequential event indexes across all deltas. A failing event is logged and
// skipped; it never aborts the block.
func (d *Decoder) DecodeEvents(events []rpc.Event, blockNumber int64, blockTime time.Time) []*models.BalanceChange {
	var changes []*models.BalanceChange
	index := int32(0)

	for i := range events {
		ev := &events[i]
		fn, ok := d.table[eventKey{ev.Module, ev.Variant}]
		if !ok {
			continue
		}

		deltas, err := fn(NewValue(anyMap(ev.Fields)))
		if err != nil {
			d.logger.Warn("Failed to decode event",
				zap.String("module", ev.Module),
				zap.String("variant", ev.Variant),
				zap.Int64("block", blockNumber),
				zap.Error(err))
			continue
		}

		for _, dl := range deltas {
			changes = append(changes, &models.BalanceChange{
				Account:       dl.account,
				BlockNumber:   blockNumber,
				EventIndex:    index,
				Delta:         dl.amount,
				Reason:        dl.reason,
				ExtrinsicHash: ev.ExtrinsicHash,
				EventModule:   ev.Module,
				EventVariant:  ev.Variant,
				BlockTime:     blockTime,
			})
			index++
		}
	}
	return changes
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func decodeNothing(Value) ([]delta, error) {
	return nil, nil
}

// decodeTransfer emits a debit for the sender and a credit for the receiver.
func decodeTransfer(fields Value) ([]delta, error) {
	from, err := fields.Get("from").Bytes()
	if err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	to, err := fields.Get("to").Bytes()
	if err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	amount, err := fields.Get("amount").Amount()
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	return []delta{
		{account: from, amount: Negate(amount), reason: models.ReasonTransfer},
		{account: to, amount: amount, reason: models.ReasonTransfer},
	}, nil
}

// decodeFeePaid debits the actual fee plus tip from the payer.
func decodeFeePaid(fields Value) ([]delta, error) {
	who, err := fields.Get("who").Bytes()
	if err != nil {
		return nil, fmt.Errorf("who: %w", err)
	}
	fee, err := fields.Get("actualFee", "actual_fee").Amount()
	if err != nil {
		return nil, fmt.Errorf("actualFee: %w", err)
	}
	return []delta{{account: who, amount: Negate(fee), reason: models.ReasonFee}}, nil
}

// creditOf builds a decoder crediting the event's account field.
func creditOf(amountField string, reason models.Reason) decodeFunc {
	return func(fields Value) ([]delta, error) {
		who, err := fields.Get("who", "account", "stash").Bytes()
		if err != nil {
			return nil, fmt.Errorf("who: %w", err)
		}
		amount, err := fields.Get(amountField).Amount()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", amountField, err)
		}
		return []delta{{account: who, amount: amount, reason: reason}}, nil
	}
}

// debitOf builds a decoder debiting the event's account field.
func debitOf(amountField string, reason models.Reason) decodeFunc {
	return func(fields Value) ([]delta, error) {
		who, err := fields.Get("who", "account", "stash").Bytes()
		if err != nil {
			return nil, fmt.Errorf("who: %w", err)
		}
		amount, err := fields.Get(amountField).Amount()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", amountField, err)
		}
		return []delta{{account: who, amount: Negate(amount), reason: reason}}, nil
	}
}
