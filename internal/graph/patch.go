package graph

import (
	"encoding/json"
	"errors"
	"fmt"
)

// AttachMode says where a subgraph is spliced relative to its anchor.
type AttachMode string

// Attach modes.
const (
	AttachBefore  AttachMode = "before"
	AttachAfter   AttachMode = "after"
	AttachReplace AttachMode = "replace"
	AttachFanout  AttachMode = "fanout"
)

// PatchOpAttach is the only supported patch operation.
const PatchOpAttach = "attach"

var (
	// ErrStepCollision is returned when a patch introduces an id already in the graph.
	ErrStepCollision = errors.New("step id collision")
	// ErrAnchorNotFound is returned when the anchor step is not in the graph.
	ErrAnchorNotFound = errors.New("anchor step not found")
	// ErrInvalidPatch marks an unsupported mode or operation.
	ErrInvalidPatch = errors.New("invalid patch")
)

// Valid reports whether m is a known mode.
func (m AttachMode) Valid() bool {
	switch m {
	case AttachBefore, AttachAfter, AttachReplace, AttachFanout:
		return true
	default:
		return false
	}
}

// Patch splices Subgraph into a graph at AnchorStep.
type Patch struct {
	Op         string
	Mode       AttachMode
	AnchorStep string
	Subgraph   StepGraph
}

type patchHeader struct {
	Op         string     `json:"op,omitempty"`
	Mode       AttachMode `json:"mode"`
	AnchorStep string     `json:"anchor_step"`
}

// MarshalJSON encodes the patch as {op, mode, anchor_step, steps, edges}.
func (p Patch) MarshalJSON() ([]byte, error) {
	op := p.Op
	if op == "" {
		op = PatchOpAttach
	}
	head, err := json.Marshal(patchHeader{Op: op, Mode: p.Mode, AnchorStep: p.AnchorStep})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(p.Subgraph)
	if err != nil {
		return nil, err
	}
	// Both are non-empty objects: join their members.
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// UnmarshalJSON decodes the flat patch form.
func (p *Patch) UnmarshalJSON(data []byte) error {
	var head patchHeader
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	var sub StepGraph
	if err := json.Unmarshal(data, &sub); err != nil {
		return err
	}
	*p = Patch{Op: head.Op, Mode: head.Mode, AnchorStep: head.AnchorStep, Subgraph: sub}
	return nil
}

// EntryNodes returns subgraph steps with no incoming edge inside the subgraph.
func EntryNodes(sub StepGraph) []string {
	indeg := make(map[string]int, sub.Len())
	for _, e := range sub.Edges {
		if sub.Has(e.To) {
			indeg[e.To]++
		}
	}
	var out []string
	for _, id := range sub.IDs() {
		if indeg[id] == 0 {
			out = append(out, id)
		}
	}
	return out
}

// ExitNodes returns subgraph steps with no outgoing edge inside the subgraph.
func ExitNodes(sub StepGraph) []string {
	outdeg := make(map[string]int, sub.Len())
	for _, e := range sub.Edges {
		if sub.Has(e.From) {
			outdeg[e.From]++
		}
	}
	var out []string
	for _, id := range sub.IDs() {
		if outdeg[id] == 0 {
			out = append(out, id)
		}
	}
	return out
}

// ApplyPatch returns a new graph with the patch spliced in. The input graph is not modified.
//
// after and fanout link the anchor to every entry node. before links every exit
// node to the anchor. replace rewires the anchor's predecessors to the entry
// nodes and the exit nodes to its successors, then drops the anchor.
func ApplyPatch(g StepGraph, p Patch) (StepGraph, error) {
	if p.Op != "" && p.Op != PatchOpAttach {
		return StepGraph{}, fmt.Errorf("%w: unsupported op %q", ErrInvalidPatch, p.Op)
	}
	if !p.Mode.Valid() {
		return StepGraph{}, fmt.Errorf("%w: unsupported mode %q", ErrInvalidPatch, p.Mode)
	}
	if !g.Has(p.AnchorStep) {
		return StepGraph{}, fmt.Errorf("%w: %s", ErrAnchorNotFound, p.AnchorStep)
	}
	for _, id := range p.Subgraph.IDs() {
		if g.Has(id) {
			return StepGraph{}, fmt.Errorf("%w: %s", ErrStepCollision, id)
		}
	}

	out := g.Clone()
	for _, id := range p.Subgraph.IDs() {
		out.put(id, p.Subgraph.Steps[id])
	}
	out.Edges = append(out.Edges, p.Subgraph.Edges...)

	entries := EntryNodes(p.Subgraph)
	exits := ExitNodes(p.Subgraph)
	anchor := p.AnchorStep

	switch p.Mode {
	case AttachAfter, AttachFanout:
		for _, en := range entries {
			out.Edges = append(out.Edges, Edge{From: anchor, To: en})
		}
	case AttachBefore:
		for _, ex := range exits {
			out.Edges = append(out.Edges, Edge{From: ex, To: anchor})
		}
	case AttachReplace:
		var preds, succs []string
		kept := out.Edges[:0:0]
		for _, e := range out.Edges {
			switch {
			case e.To == anchor:
				preds = append(preds, e.From)
			case e.From == anchor:
				succs = append(succs, e.To)
			default:
				kept = append(kept, e)
			}
		}
		for _, pred := range preds {
			for _, en := range entries {
				kept = append(kept, Edge{From: pred, To: en})
			}
		}
		for _, ex := range exits {
			for _, succ := range succs {
				kept = append(kept, Edge{From: ex, To: succ})
			}
		}
		out.Edges = kept
		out.Remove(anchor)
	}
	return out, nil
}
