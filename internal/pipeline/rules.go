package pipeline

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Edge is one allowed move out of a phase.
type Edge struct {
	To       Phase    `json:"to" yaml:"to"`
	Required []string `json:"required" yaml:"required"`
	Optional []string `json:"optional" yaml:"optional"`
}

// declares reports whether field is required or optional on this edge.
func (e Edge) declares(field string) bool {
	for _, f := range e.Required {
		if f == field {
			return true
		}
	}
	for _, f := range e.Optional {
		if f == field {
			return true
		}
	}
	return false
}

type rulesFile struct {
	Start  Phase `yaml:"start"`
	Phases []struct {
		Name  Phase  `yaml:"name"`
		Edges []Edge `yaml:"edges"`
	} `yaml:"phases"`
}

// Rules is the immutable transition table. It has no clock and no I/O after
// construction, so Evaluate is deterministic.
type Rules struct {
	start  Phase
	order  []Phase
	edges  map[Phase][]Edge
	fields map[string]struct{}
}

var defaultRules = sync.OnceValue(func() *Rules {
	r, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("pipeline: embedded rules invalid: %v", err))
	}
	return r
})

// DefaultRules returns the built-in transition table.
func DefaultRules() *Rules {
	return defaultRules()
}

// LoadRulesFile reads a rules definition from path. An empty path yields the
// built-in table.
func LoadRulesFile(path string) (*Rules, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rules definition.
func ParseRules(data []byte) (*Rules, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file rulesFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	r := &Rules{
		start:  file.Start,
		edges:  make(map[Phase][]Edge, len(file.Phases)),
		fields: make(map[string]struct{}),
	}
	for _, p := range file.Phases {
		if p.Name == "" {
			return nil, fmt.Errorf("rules: phase with empty name")
		}
		if _, dup := r.edges[p.Name]; dup {
			return nil, fmt.Errorf("rules: phase %q declared twice", p.Name)
		}
		r.order = append(r.order, p.Name)
		edges := make([]Edge, 0, len(p.Edges))
		for _, e := range p.Edges {
			edges = append(edges, Edge{
				To:       e.To,
				Required: append([]string(nil), e.Required...),
				Optional: append([]string(nil), e.Optional...),
			})
		}
		r.edges[p.Name] = edges
	}

	if _, ok := r.edges[r.start]; !ok {
		return nil, fmt.Errorf("rules: start phase %q is not declared", r.start)
	}
	for _, from := range r.order {
		seen := map[Phase]bool{}
		for _, e := range r.edges[from] {
			if _, ok := r.edges[e.To]; !ok {
				return nil, fmt.Errorf("rules: %s -> %s targets an undeclared phase", from, e.To)
			}
			if seen[e.To] {
				return nil, fmt.Errorf("rules: %s -> %s declared twice", from, e.To)
			}
			seen[e.To] = true
			for _, f := range append(append([]string(nil), e.Required...), e.Optional...) {
				if strings.TrimSpace(f) == "" {
					return nil, fmt.Errorf("rules: %s -> %s has an empty field name", from, e.To)
				}
				r.fields[f] = struct{}{}
			}
		}
	}
	return r, nil
}

// Start is the phase every new subject begins in.
func (r *Rules) Start() Phase { return r.start }

// Phases lists declared phases in definition order.
func (r *Rules) Phases() []Phase { return append([]Phase(nil), r.order...) }

// Known reports whether p is a declared phase.
func (r *Rules) Known(p Phase) bool {
	_, ok := r.edges[p]
	return ok
}

// IsTerminal reports whether p is declared and has no outgoing edges.
func (r *Rules) IsTerminal(p Phase) bool {
	edges, ok := r.edges[p]
	return ok && len(edges) == 0
}

// Next lists the edges leaving p.
func (r *Rules) Next(p Phase) []Edge {
	edges := r.edges[p]
	out := make([]Edge, len(edges))
	copy(out, edges)
	return out
}

// Edge returns the edge from -> to if it is allowed.
func (r *Rules) Edge(from, to Phase) (Edge, bool) {
	for _, e := range r.edges[from] {
		if e.To == to {
			return e, true
		}
	}
	return Edge{}, false
}

// TransitionField reports whether key is carried by any edge. Such keys only
// change through transitions.
func (r *Rules) TransitionField(key string) bool {
	_, ok := r.fields[key]
	return ok
}

// Evaluate decides whether current may move to requested given the supplied
// fields. Checks run in a fixed order: terminal source, allow-list, then
// required fields in declared order.
func (r *Rules) Evaluate(current, requested Phase, supplied map[string]any) error {
	if !r.Known(current) {
		return invalidTransition(current, requested, fmt.Sprintf("unknown current phase %q", current))
	}
	if r.IsTerminal(current) {
		return terminalState(current, requested)
	}
	edge, ok := r.Edge(current, requested)
	if !ok {
		return invalidTransition(current, requested, fmt.Sprintf("%s -> %s is not allowed", current, requested))
	}
	for _, field := range edge.Required {
		if !present(supplied[field]) {
			return missingField(current, requested, field)
		}
	}
	return nil
}

// present treats nil and blank strings as absent.
func present(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(val) != ""
	case *string:
		return val != nil && strings.TrimSpace(*val) != ""
	default:
		return true
	}
}
