// Package jsonutil holds decoding helpers for loosely typed upstream payloads.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// FlexibleID decodes an identifier that upstream services emit either as a
// JSON string or as a JSON integer. Integers are kept exact, so large ids do
// not lose digits through float64. null or an absent value decodes to "".
func FlexibleID(raw json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("invalid id %s: %w", raw, err)
	}

	switch id := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(id), nil
	case json.Number:
		if _, err := id.Int64(); err != nil {
			return "", fmt.Errorf("id %s is not an integer", id)
		}
		return id.String(), nil
	default:
		return "", fmt.Errorf("id has unsupported type %T", v)
	}
}
