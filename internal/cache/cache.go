// Package cache provides step result caches keyed by explicit or derived keys.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/plangraph/internal/expressions"
)

// DefaultTTL is the lifetime of a cached step result when a run does not
// configure one.
const DefaultTTL = 300 * time.Second

// StepCache memoizes step results. Implementations must be safe for
// concurrent use and must return an independent deep copy from Get.
// Callers get no mutual exclusion: two runs missing the same key both
// execute the step.
type StepCache interface {
	// Get returns the value stored under key. found is false on a miss or
	// an expired entry.
	Get(ctx context.Context, key string) (value any, found bool, err error)
	// Set stores value under key for ttl. A non-positive ttl stores the
	// value without expiry.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// AutoKey derives a deterministic cache key from a step id and its resolved
// input: "<stepID>:<sha256 of the canonical JSON input>". Object keys are
// sorted, so construction order never changes the key.
func AutoKey(stepID string, input any) (string, error) {
	canonical, err := Canonical(input)
	if err != nil {
		return "", fmt.Errorf("canonicalize input for step %q: %w", stepID, err)
	}
	sum := sha256.Sum256(canonical)
	return stepID + ":" + hex.EncodeToString(sum[:]), nil
}

// Canonical encodes v as JSON with sorted object keys. Values are first
// brought to generic JSON shape so typed maps and structs canonicalize
// like their decoded equivalents.
func Canonical(v any) ([]byte, error) {
	return json.Marshal(expressions.Normalize(v))
}

// encode and decode give every stored value a JSON round trip, which is
// also what makes Get results independent of the caller's copy.
func encode(value any) ([]byte, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode cache value: %w", err)
	}
	return b, nil
}

func decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode cache value: %w", err)
	}
	return v, nil
}
