package queue

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/store"
)

// IdempotencyKey fingerprints a job type and payload. Payloads that decode to
// the same JSON value produce the same key regardless of object key order or
// insignificant whitespace.
func IdempotencyKey(jobType store.JobType, payload json.RawMessage, length int) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}

	sum := sha256.New()
	sum.Write([]byte(jobType))
	sum.Write([]byte{0})
	sum.Write(canonical)
	key := hex.EncodeToString(sum.Sum(nil))
	if length > 0 && length < len(key) {
		key = key[:length]
	}
	return key, nil
}

// canonicalJSON re-encodes payload with sorted object keys. Numbers keep
// their literal text.
func canonicalJSON(payload json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrInvalidPayload)
	}
	return json.Marshal(value)
}
