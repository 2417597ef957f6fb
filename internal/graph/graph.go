package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// StepGraph is a set of steps and the dependency edges between them.
// Step declaration order is kept and used as the scheduling tie-break.
type StepGraph struct {
	Steps map[string]StepContract
	Edges []Edge

	order []string
}

// New builds a graph from steps in the given order.
func New(steps []StepContract, edges []Edge) StepGraph {
	g := StepGraph{Steps: make(map[string]StepContract, len(steps))}
	for _, s := range steps {
		g.Add(s)
	}
	g.Edges = append(g.Edges, edges...)
	return g
}

// Add inserts or replaces a step keyed by its own id.
func (g *StepGraph) Add(step StepContract) {
	g.put(step.StepID, step)
}

func (g *StepGraph) put(key string, step StepContract) {
	if g.Steps == nil {
		g.Steps = make(map[string]StepContract)
	}
	if _, ok := g.Steps[key]; !ok {
		g.order = append(g.order, key)
	}
	g.Steps[key] = step
}

// Remove deletes a step. Edges are left untouched.
func (g *StepGraph) Remove(id string) {
	delete(g.Steps, id)
	for i, k := range g.order {
		if k == id {
			g.order = append(g.order[:i:i], g.order[i+1:]...)
			break
		}
	}
}

// Has reports whether the graph contains id.
func (g StepGraph) Has(id string) bool {
	_, ok := g.Steps[id]
	return ok
}

// Len returns the number of steps.
func (g StepGraph) Len() int {
	return len(g.Steps)
}

// IDs returns step ids in declaration order. Steps inserted without order
// information follow, sorted by id.
func (g StepGraph) IDs() []string {
	out := make([]string, 0, len(g.Steps))
	seen := make(map[string]bool, len(g.Steps))
	for _, id := range g.order {
		if _, ok := g.Steps[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	var rest []string
	for id := range g.Steps {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// Clone returns a copy whose step map and edge list can be modified independently.
func (g StepGraph) Clone() StepGraph {
	out := StepGraph{
		Steps: make(map[string]StepContract, len(g.Steps)),
		Edges: make([]Edge, len(g.Edges)),
	}
	copy(out.Edges, g.Edges)
	for _, id := range g.IDs() {
		out.put(id, g.Steps[id])
	}
	return out
}

// MarshalJSON encodes the graph with steps in declaration order.
func (g StepGraph) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"steps":{`)
	for i, id := range g.IDs() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		step, err := json.Marshal(g.Steps[id])
		if err != nil {
			return nil, fmt.Errorf("marshal step %s: %w", id, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(step)
	}
	buf.WriteString(`},"edges":`)
	edges := g.Edges
	if edges == nil {
		edges = []Edge{}
	}
	data, err := json.Marshal(edges)
	if err != nil {
		return nil, err
	}
	buf.Write(data)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes {steps, edges}, keeping the order in which steps are declared.
func (g *StepGraph) UnmarshalJSON(data []byte) error {
	var raw struct {
		Steps json.RawMessage `json:"steps"`
		Edges []Edge          `json:"edges"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := StepGraph{Steps: make(map[string]StepContract), Edges: raw.Edges}
	if len(raw.Steps) > 0 && string(bytes.TrimSpace(raw.Steps)) != "null" {
		keys, err := objectKeys(raw.Steps)
		if err != nil {
			return fmt.Errorf("steps: %w", err)
		}
		var steps map[string]StepContract
		if err := json.Unmarshal(raw.Steps, &steps); err != nil {
			return fmt.Errorf("steps: %w", err)
		}
		for _, k := range keys {
			out.put(k, steps[k])
		}
	}
	*g = out
	return nil
}
