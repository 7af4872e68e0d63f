package chain

import (
	"encoding/hex"
	"strings"
	"time"
)

// Reason classifies what produced a balance change.
type Reason string

const (
	ReasonEndowment     Reason = "endowment"
	ReasonMinerReward   Reason = "miner_reward"
	ReasonFee           Reason = "fee"
	ReasonFeeRefund     Reason = "fee_refund"
	ReasonTransfer      Reason = "transfer"
	ReasonDeposit       Reason = "deposit"
	ReasonWithdrawal    Reason = "withdrawal"
	ReasonSlash         Reason = "slash"
	ReasonStakingReward Reason = "staking_reward"
)

// ParseReason maps a stored string back onto a Reason. Unknown strings pass
// through untouched so older rows survive enum changes.
func ParseReason(s string) Reason {
	switch r := Reason(s); r {
	case ReasonEndowment, ReasonMinerReward, ReasonFee, ReasonFeeRefund,
		ReasonTransfer, ReasonDeposit, ReasonWithdrawal, ReasonSlash, ReasonStakingReward:
		return r
	default:
		return Reason(s)
	}
}

// BalanceChange is one signed balance delta attributable to a single event.
// Delta is decimal text so arbitrary-precision amounts survive the round trip
// to NUMERIC(78,0). Rows are unique on (block_number, event_index).
type BalanceChange struct {
	ID            int64     `json:"id,omitempty"`
	Account       []byte    `json:"account"`
	BlockNumber   int64     `json:"block_number"`
	EventIndex    int32     `json:"event_index"`
	Delta         string    `json:"delta"`
	Reason        Reason    `json:"reason"`
	ExtrinsicHash []byte    `json:"extrinsic_hash,omitempty"`
	EventModule   string    `json:"event_module"`
	EventVariant  string    `json:"event_variant"`
	BlockTime     time.Time `json:"block_time"`
}

// AccountHex returns the account as a hex string.
func (c *BalanceChange) AccountHex() string {
	return hex.EncodeToString(c.Account)
}

// IsDebit reports whether the delta is negative.
func (c *BalanceChange) IsDebit() bool {
	return strings.HasPrefix(c.Delta, "-")
}

// IsCredit reports whether the delta is positive.
func (c *BalanceChange) IsCredit() bool {
	return !c.IsDebit() && c.Delta != "0" && c.Delta != ""
}
