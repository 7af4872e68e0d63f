package chain

import "encoding/hex"

// AccountStats is the aggregated per-account view maintained by the
// maintenance job; the balance_changes table remains the source of truth.
type AccountStats struct {
	Account           []byte `json:"account"`
	Balance           string `json:"balance"`
	FirstSeenBlock    int64  `json:"first_seen_block"`
	LastActivityBlock int64  `json:"last_activity_block"`
	TotalChanges      int64  `json:"total_changes"`
}

// AccountHex returns the account as a hex string.
func (s *AccountStats) AccountHex() string {
	return hex.EncodeToString(s.Account)
}

// TableStats summarizes a chain schema for the status endpoint.
type TableStats struct {
	Blocks         int64  `json:"blocks"`
	BalanceChanges int64  `json:"balance_changes"`
	UniqueAccounts int64  `json:"unique_accounts"`
	LatestBlock    *int64 `json:"latest_block,omitempty"`
}
