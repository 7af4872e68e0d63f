package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RuntimeMetadataRecord is one entry of the append-only runtime version log.
// LastSeenBlock stays nil while the version is the active one.
type RuntimeMetadataRecord struct {
	SpecVersion        int32     `json:"spec_version"`
	ImplVersion        int32     `json:"impl_version"`
	TransactionVersion int32     `json:"transaction_version"`
	StateVersion       int32     `json:"state_version"`
	FirstSeenBlock     int64     `json:"first_seen_block"`
	LastSeenBlock      *int64    `json:"last_seen_block,omitempty"`
	Metadata           []byte    `json:"-"`
	MetadataHash       string    `json:"metadata_hash"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// NewRuntimeMetadataRecord builds an open-ended record, content-hashing the
// raw metadata for dedup.
func NewRuntimeMetadataRecord(spec, impl, txVersion, stateVersion int32, firstSeen int64, metadata []byte) *RuntimeMetadataRecord {
	return &RuntimeMetadataRecord{
		SpecVersion:        spec,
		ImplVersion:        impl,
		TransactionVersion: txVersion,
		StateVersion:       stateVersion,
		FirstSeenBlock:     firstSeen,
		Metadata:           metadata,
		MetadataHash:       HashMetadata(metadata),
	}
}

// HashMetadata returns the hex sha256 of raw metadata bytes.
func HashMetadata(metadata []byte) string {
	sum := sha256.Sum256(metadata)
	return hex.EncodeToString(sum[:])
}
