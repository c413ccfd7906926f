// Package classify assigns a deterministic kind and confidence score to an
// inbound payload using keyword scoring. This is intentionally not NLP —
// see spec Non-goals.
package classify

import (
	"encoding/json"
	"strings"
)

// Kind is the closed set of classification outcomes.
type Kind string

const (
	KindAssist    Kind = "assist"
	KindPolicy    Kind = "policy"
	KindEmergency Kind = "emergency"
	KindUnknown   Kind = "unknown"
)

// orderedKinds fixes the tie-break order: emergency > policy > assist.
var orderedKinds = []Kind{KindEmergency, KindPolicy, KindAssist}

var keywords = map[Kind][]string{
	KindEmergency: {"urgent", "911", "crisis", "panic", "immediately"},
	KindPolicy:    {"policy", "compliance", "consent", "hipaa", "gdpr"},
	KindAssist:    {"help", "assist", "question", "explain", "clarify"},
}

// Classify scores payload against each kind's keyword bag and returns the
// highest-scoring kind with its confidence, or (unknown, 0.5) if nothing
// matched.
func Classify(payload map[string]any) (Kind, float64) {
	return ClassifySerialized(Serialize(payload))
}

// Serialize renders payload as a case-insensitive string for keyword
// scoring — the same text classify and replay's simplified inference both
// scan.
func Serialize(payload map[string]any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return strings.ToLower(string(data))
}

// ClassifySerialized runs the scoring against an already-serialized,
// lower-cased payload string. Exposed separately so text that is already
// serialized can be scored without re-marshaling; Classify (which replay's
// inferKind calls) applies the identical rule to Serialize's output.
func ClassifySerialized(text string) (Kind, float64) {
	var best Kind
	bestScore := 0.0

	for _, kind := range orderedKinds {
		kws := keywords[kind]
		matches := 0
		for _, kw := range kws {
			if strings.Contains(text, kw) {
				matches++
			}
		}
		if matches == 0 {
			continue
		}
		raw := 3.0 * float64(matches) / (3.0 * float64(len(kws)))
		score := raw + 0.5
		if score > 0.99 {
			score = 0.99
		}
		if score > bestScore {
			bestScore = score
			best = kind
		}
	}

	if bestScore == 0 {
		return KindUnknown, 0.5
	}
	return best, bestScore
}
