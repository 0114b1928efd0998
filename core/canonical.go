// Package core provides the shared primitives of the flywheel control plane:
// logging and telemetry interfaces, sentinel errors, configuration,
// canonical hashing, and the Redis client wrapper used for distributed state.
package core

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

// CanonicalJSON serializes a value with object keys sorted lexicographically
// at every nesting level. Two payloads that differ only in key order produce
// identical bytes, so hashes derived from them are permutation-invariant.
func CanonicalJSON(v interface{}) ([]byte, error) {
	// Round-trip through interface{} so struct inputs are reduced to maps,
	// which encoding/json serializes with sorted keys.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical JSON marshal: %w", err)
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("canonical JSON decode: %w", err)
	}

	return marshalCanonical(decoded)
}

// marshalCanonical writes decoded JSON values back out with deterministic
// ordering. encoding/json already sorts map keys, but we walk the structure
// explicitly so the ordering guarantee does not depend on that detail.
func marshalCanonical(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := marshalCanonical(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = append(buf, vb...)
		}
		return append(buf, '}'), nil

	case []interface{}:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := marshalCanonical(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		return append(buf, ']'), nil

	default:
		return json.Marshal(val)
	}
}

// Hash32 computes a 32-bit FNV-1a hash of the input and renders it base-36.
// Used for job deduplication hashes and result-cache keys; the same
// (type, payload) pair always round-trips to the same key.
func Hash32(data []byte) string {
	h := fnv.New32a()
	_, _ = h.Write(data)
	return strconv.FormatUint(uint64(h.Sum32()), 36)
}

// HashPayload derives the deduplication hash for a typed payload:
// hash32(type || canonical_json(payload)), base-36.
func HashPayload(jobType string, payload interface{}) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return Hash32(append([]byte(jobType), canonical...)), nil
}

// NewCorrelationID generates a short random correlation id with the given
// prefix. Correlation ids thread a single domain operation through logs,
// audit records, and lock ownership.
func NewCorrelationID(prefix string) string {
	if prefix == "" {
		return uuid.New().String()[:8]
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String()[:8])
}
