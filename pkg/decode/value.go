package decode

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Value wraps one node of the generic field tree the node attaches to decoded
// events. Extraction walks the tree recursively: runtimes wrap the same
// logical field in different shapes across versions ({"id": "0x.."} vs a bare
// string), and the visitor absorbs that instead of the per-event decoders.
type Value struct {
	raw any
}

// NewValue wraps a decoded JSON value.
func NewValue(raw any) Value {
	return Value{raw: raw}
}

// IsNull reports whether the node is absent.
func (v Value) IsNull() bool {
	return v.raw == nil
}

// Get returns the child at the first matching key, descending maps.
func (v Value) Get(keys ...string) Value {
	m, ok := v.raw.(map[string]any)
	if !ok {
		return Value{}
	}
	for _, k := range keys {
		if child, ok := m[k]; ok {
			return Value{raw: child}
		}
	}
	return Value{}
}

// wrapper keys that runtimes use to box account ids and amounts
var unwrapKeys = []string{"id", "value", "account", "who"}

// Bytes extracts a byte string: a 0x-hex leaf, or a wrapped one.
func (v Value) Bytes() ([]byte, error) {
	switch raw := v.raw.(type) {
	case nil:
		return nil, fmt.Errorf("missing field")
	case string:
		b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid hex %q: %w", raw, err)
		}
		return b, nil
	case map[string]any:
		child := v.Get(unwrapKeys...)
		if child.IsNull() {
			return nil, fmt.Errorf("no byte field in %v", raw)
		}
		return child.Bytes()
	default:
		return nil, fmt.Errorf("not a byte field: %T", raw)
	}
}

// Amount extracts an arbitrary-precision unsigned amount as decimal text.
// Accepts decimal strings, 0x-hex strings, JSON numbers and wrapped forms.
func (v Value) Amount() (string, error) {
	switch raw := v.raw.(type) {
	case nil:
		return "", fmt.Errorf("missing field")
	case string:
		s := raw
		base := 10
		if strings.HasPrefix(s, "0x") {
			s = strings.TrimPrefix(s, "0x")
			base = 16
		}
		n, ok := new(big.Int).SetString(s, base)
		if !ok || n.Sign() < 0 {
			return "", fmt.Errorf("invalid amount %q", raw)
		}
		return n.String(), nil
	case json.Number:
		return Value{raw: raw.String()}.Amount()
	case float64:
		// float64 holds integers exactly only below 2^53; anything larger
		// would round silently, so it is rejected rather than recorded wrong.
		if raw < 0 {
			return "", fmt.Errorf("negative amount %v", raw)
		}
		if raw != math.Trunc(raw) || raw >= 1<<53 {
			return "", fmt.Errorf("amount %v not exactly representable", raw)
		}
		return strconv.FormatInt(int64(raw), 10), nil
	case map[string]any:
		child := v.Get("value", "amount", "free")
		if child.IsNull() {
			return "", fmt.Errorf("no amount field in %v", raw)
		}
		return child.Amount()
	default:
		return "", fmt.Errorf("not an amount field: %T", raw)
	}
}

// Negate prefixes a decimal amount with a minus sign. Zero stays zero.
func Negate(amount string) string {
	if amount == "0" || amount == "" {
		return "0"
	}
	return "-" + amount
}
