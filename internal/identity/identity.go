// Package identity computes the canonical message id used for idempotent
// routing and generates per-request trace ids.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

// volatileKeys are stripped from the payload before it participates in the
// canonical id — they change on every replay/retry of otherwise identical
// input and must not affect identity.
var volatileKeys = map[string]struct{}{
	"trace_id":  {},
	"timestamp": {},
	"ts":        {},
}

// MessageID computes the canonical log_id per spec: sha256 of
// tenant_id:identifier:payload_version:canonical_json, truncated to 32 hex
// characters. identifier is event_id if non-empty, else user_id:ts_iso,
// else a short hash of the canonical payload.
func MessageID(tenantID, eventID, userID, tsISO string, payloadVersion int, payload map[string]any) string {
	canonical := CanonicalJSON(payload)

	identifier := eventID
	if identifier == "" {
		if userID != "" {
			identifier = userID + ":" + tsISO
		} else {
			identifier = hashHex(canonical, 16)
		}
	}

	input := tenantID + ":" + identifier + ":" + strconv.Itoa(payloadVersion) + ":" + string(canonical)
	return hashHex([]byte(input), 32)
}

// CanonicalJSON serializes payload with sorted keys, minimal separators, and
// volatile fields removed, so that key reordering or trace/timestamp churn
// never changes the resulting bytes.
func CanonicalJSON(payload map[string]any) []byte {
	clean := make(map[string]any, len(payload))
	for k, v := range payload {
		if _, volatile := volatileKeys[k]; volatile {
			continue
		}
		clean[k] = v
	}

	keys := make([]string, 0, len(clean))
	for k := range clean {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := orderedMap{keys: keys, values: clean}
	data, err := json.Marshal(ordered)
	if err != nil {
		// Marshaling a map[string]any built from decoded JSON cannot fail;
		// fall back to an empty object rather than panicking on identity.
		return []byte("{}")
	}
	return data
}

// orderedMap marshals to a JSON object with keys in the given order.
type orderedMap struct {
	keys   []string
	values map[string]any
}

func (o orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, k := range o.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// NewTraceID returns a 32-hex-character trace id for a single request.
func NewTraceID() string {
	return hexNoDashes(uuid.New())
}

func hexNoDashes(id uuid.UUID) string {
	b := id[:]
	return hex.EncodeToString(b)
}

func hashHex(data []byte, n int) string {
	sum := sha256.Sum256(data)
	s := hex.EncodeToString(sum[:])
	if n >= len(s) {
		return s
	}
	return s[:n]
}

