package chain

import (
	"encoding/hex"
	"time"
)

// Block represents one indexed block. Number is the primary key; IsCanonical
// flips to false when a reorg rollback supersedes the block.
type Block struct {
	Number      int64     `json:"number"`
	Hash        []byte    `json:"hash"`
	ParentHash  []byte    `json:"parent_hash"`
	Timestamp   time.Time `json:"timestamp"`
	IsCanonical bool      `json:"is_canonical"`
	RuntimeSpec int64     `json:"runtime_spec"`
}

// NewBlock creates a canonical block record.
func NewBlock(number int64, hash, parentHash []byte, timestamp time.Time, runtimeSpec int64) *Block {
	return &Block{
		Number:      number,
		Hash:        hash,
		ParentHash:  parentHash,
		Timestamp:   timestamp,
		IsCanonical: true,
		RuntimeSpec: runtimeSpec,
	}
}

// HashHex returns the block hash as a hex string.
func (b *Block) HashHex() string {
	return hex.EncodeToString(b.Hash)
}

// ParentHashHex returns the parent hash as a hex string.
func (b *Block) ParentHashHex() string {
	return hex.EncodeToString(b.ParentHash)
}
