package collector

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashLeafValues walks a JSON-compatible value and replaces every leaf
// with the hex SHA-256 of its JSON encoding. Container shape survives,
// so two configs compare equal exactly when every leaf matches, without
// the bundle ever holding a secret in clear text.
func HashLeafValues(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = HashLeafValues(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = HashLeafValues(child)
		}
		return out
	default:
		return hashLeaf(val)
	}
}

func hashLeaf(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = fmt.Appendf(nil, "%v", v)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
