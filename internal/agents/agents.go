// Package agents holds the static kind-to-agent routing table and the
// agent-to-endpoint map. Agent selection is a closed enum plus a lookup
// table, not polymorphism — see spec.md §9 "Dynamic dispatch".
package agents

import "github.com/DarlingtonDeveloper/signalrouter/internal/classify"

// Agent is the closed set of downstream processors. DLQ is a synthetic
// agent denoting the dead-letter write path; it never resolves to an HTTP
// endpoint.
type Agent string

const (
	Axis Agent = "Axis"
	M    Agent = "M"
	DLQ  Agent = "DLQ"
)

// kindMap is the static assist/policy/emergency/unknown -> agent-list
// table from spec.md §4.3.
var kindMap = map[classify.Kind][]Agent{
	classify.KindAssist:    {Axis},
	classify.KindPolicy:    {M},
	classify.KindEmergency: {M, Axis},
	classify.KindUnknown:   {DLQ},
}

// Registry resolves kinds to agents and agents to endpoints.
type Registry struct {
	endpoints map[Agent]string
}

// NewRegistry builds a registry from an agent-name -> endpoint-URL map (e.g.
// {"Axis": "http://axis:8080/handle", "M": "http://m:8080/handle"}).
func NewRegistry(endpoints map[Agent]string) *Registry {
	return &Registry{endpoints: endpoints}
}

// AgentsFor returns the ordered agent list for a kind. Unregistered kinds
// resolve to [DLQ], matching the source's agents_for default.
func (r *Registry) AgentsFor(kind classify.Kind) []Agent {
	agents, ok := kindMap[kind]
	if !ok {
		return []Agent{DLQ}
	}
	out := make([]Agent, len(agents))
	copy(out, agents)
	return out
}

// Endpoint returns the HTTP endpoint for an agent. DLQ has none by
// definition — it short-circuits inside the agent caller instead of making
// an HTTP call.
func (r *Registry) Endpoint(a Agent) (string, bool) {
	if a == DLQ {
		return "", false
	}
	ep, ok := r.endpoints[a]
	return ep, ok
}
