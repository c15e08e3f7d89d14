package audit

import "encoding/json"

// mustJSON best-effort encodes small, known-shape metadata blobs. Audit
// logging must never fail the caller, so encoding errors degrade to an
// empty object rather than propagating.
func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
