// Package serialization provides the canonical JSON encoding used for cache keys and the
// masking helpers used when job parameters are logged.
package serialization

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/tigerroll/logstats/pkg/pipeline/support/util/exception"
)

const module = "serialization"

// CanonicalJSON encodes v as compact JSON with object keys sorted at every depth.
// Equal argument sets produce identical bytes regardless of struct field order, map
// iteration order or whitespace in a json.RawMessage input.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, exception.NewSerializationError(module, "failed to encode arguments", err)
	}

	// Round-trip through a generic tree so struct field order no longer matters.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, exception.NewSerializationError(module, "failed to decode arguments", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, exception.NewSerializationError(module, "failed to encode canonical arguments", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// CanonicalHash returns the lowercase hex SHA-256 of CanonicalJSON(v).
func CanonicalHash(v any) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// MaskParameters returns a copy of params with the values of maskedKeys replaced.
func MaskParameters(params map[string]any, maskedKeys []string) map[string]any {
	masked := make(map[string]any, len(params))
	for k, v := range params {
		masked[k] = v
	}
	for _, key := range maskedKeys {
		if _, ok := masked[key]; ok {
			masked[key] = "********"
		}
	}
	return masked
}
