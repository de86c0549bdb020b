// Package canonical produces a deterministic JSON encoding of arbitrary
// structured values. Object keys are sorted recursively, so two semantically
// equal values serialize to byte-identical strings regardless of the order
// their fields were assembled in. The audit log hashes this encoding; if it
// were not stable, chain hashes would not be reproducible.
package canonical

import (
	"encoding/json"
	"fmt"
)

// Canonicalize returns the canonical JSON encoding of v.
//
// The value is first marshalled to JSON (structs flatten to their JSON field
// set here), decoded into generic maps and slices, and re-marshalled.
// encoding/json writes map keys in sorted order, which gives the recursive
// key sort. Numbers take JSON (float64) semantics.
//
// Cyclic values are rejected with an error rather than recursing forever.
func Canonicalize(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	var norm any
	if err := json.Unmarshal(raw, &norm); err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	out, err := json.Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	return string(out), nil
}
