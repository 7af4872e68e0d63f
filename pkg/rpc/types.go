package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// HexBytes is a byte slice that marshals as a 0x-prefixed hex string, the
// encoding the node uses for hashes, accounts and metadata blobs.
type HexBytes []byte

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal("0x" + hex.EncodeToString(h))
}

func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return fmt.Errorf("invalid hex string %q: %w", s, err)
	}
	*h = b
	return nil
}

func (h HexBytes) String() string {
	return "0x" + hex.EncodeToString(h)
}

// HexUint is a block number that the node encodes as a 0x-prefixed hex
// string in headers but as a plain number elsewhere.
type HexUint uint64

func (n *HexUint) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		u, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 64)
		if err != nil {
			return fmt.Errorf("invalid hex number %q: %w", v, err)
		}
		*n = HexUint(u)
	case float64:
		*n = HexUint(v)
	default:
		return fmt.Errorf("unexpected number encoding %T", raw)
	}
	return nil
}

// Header is a block header as returned by chain_getHeader and head
// subscriptions.
type Header struct {
	Number     HexUint  `json:"number"`
	Hash       HexBytes `json:"hash"`
	ParentHash HexBytes `json:"parentHash"`
	StateRoot  HexBytes `json:"stateRoot"`
}

// RuntimeVersion identifies the active state-transition rules and event
// encoding, from state_getRuntimeVersion.
type RuntimeVersion struct {
	SpecName           string `json:"specName"`
	SpecVersion        int32  `json:"specVersion"`
	ImplVersion        int32  `json:"implVersion"`
	TransactionVersion int32  `json:"transactionVersion"`
	StateVersion       int32  `json:"stateVersion"`
}

// Event is one runtime event, decoded server-side by the node into a generic
// field tree.
type Event struct {
	Module        string         `json:"module"`
	Variant       string         `json:"variant"`
	Fields        map[string]any `json:"fields"`
	ExtrinsicHash HexBytes       `json:"extrinsicHash,omitempty"`
}

// GenesisBalance is one pre-funded account from the genesis state.
type GenesisBalance struct {
	Account HexBytes `json:"account"`
	Free    string   `json:"free"`
}

// BlockReward is the author payout of a sealed block, when the chain pays one.
type BlockReward struct {
	Author HexBytes `json:"author"`
	Amount string   `json:"amount"`
}
