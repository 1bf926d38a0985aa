package network

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalJSON re-encodes v with object keys sorted and no insignificant
// whitespace, so that signer and verifier agree on the exact bytes. Numbers
// pass through json.Number to avoid float re-rendering.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	// encoding/json writes map keys in sorted order.
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("re-marshal: %w", err)
	}
	return out, nil
}
