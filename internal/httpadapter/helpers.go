package httpadapter

import (
	"encoding/json"
	"fmt"

	"github.com/localfirst/syncengine/internal/types"
)

// withExtra merges extra (the repository's opaque per-request metadata)
// on top of an already-encoded JSON object body, so a
// caller's headers-like-but-body-level metadata rides along with the
// create/update payload without the adapter needing to know the model's
// concrete Go type. Returns body itself unmodified if extra is empty or
// body doesn't decode as a JSON object.
func withExtra(body string, extra map[string]any) any {
	if len(extra) == 0 {
		return json.RawMessage(body)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return json.RawMessage(body)
	}
	for k, v := range extra {
		fields[k] = v
	}
	return fields
}

// decodeArray decodes a JSON array response body element-by-element
// through fromJSON, so each element still goes through the model's own
// codec rather than a generic json.Unmarshal into T.
func decodeArray[T types.Model](data string, fromJSON func(string) (T, error)) ([]T, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, fmt.Errorf("decode array response: %w", err)
	}
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		item, err := fromJSON(string(r))
		if err != nil {
			return nil, fmt.Errorf("decode array element: %w", err)
		}
		out = append(out, item)
	}
	return out, nil
}
