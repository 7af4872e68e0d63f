package chain

import "time"

// IndexProgress is the single resume-point row for a chain. LatestBlock is -1
// before the first commit and never decreases except through a reorg rollback.
type IndexProgress struct {
	ChainID                string    `json:"chain_id"`
	LatestBlock            int64     `json:"latest_block"`
	LatestBlockHash        []byte    `json:"latest_block_hash"`
	LatestBlockTime        time.Time `json:"latest_block_time"`
	BlocksIndexed          int64     `json:"blocks_indexed"`
	BalanceChangesRecorded int64     `json:"balance_changes_recorded"`
	StartedAt              time.Time `json:"started_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Advance records a committed block in the in-memory cursor. The caller owns
// persisting the result inside the same transaction as the block itself.
func (p *IndexProgress) Advance(b *Block, changes int) {
	p.LatestBlock = b.Number
	p.LatestBlockHash = b.Hash
	p.LatestBlockTime = b.Timestamp
	p.BlocksIndexed++
	p.BalanceChangesRecorded += int64(changes)
}
