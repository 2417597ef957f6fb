package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

type looseNode struct {
	ID     string `json:"id"`
	StepID string `json:"step_id"`
	Goal   string `json:"goal"`
	Type   string `json:"type"`
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// SnakeID lowercases s and collapses runs of other characters into underscores.
func SnakeID(s string) string {
	s = nonAlnum.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "_")
	return strings.Trim(s, "_")
}

// Coerce accepts either a regular graph or the simplified form
// {steps: [{id|step_id, goal, type?}], edges: [{from, to}]}.
// Simplified steps become reactive steps with a single string "result" output.
func Coerce(raw json.RawMessage) (StepGraph, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return StepGraph{Steps: map[string]StepContract{}}, nil
	}
	var shape struct {
		Steps json.RawMessage `json:"steps"`
		Edges json.RawMessage `json:"edges"`
	}
	if err := json.Unmarshal(trimmed, &shape); err != nil {
		return StepGraph{}, fmt.Errorf("decode subgraph: %w", err)
	}
	steps := bytes.TrimSpace(shape.Steps)
	if len(steps) == 0 || steps[0] != '[' {
		var g StepGraph
		if err := json.Unmarshal(trimmed, &g); err != nil {
			return StepGraph{}, fmt.Errorf("decode subgraph: %w", err)
		}
		return g, nil
	}

	var nodes []looseNode
	if err := json.Unmarshal(steps, &nodes); err != nil {
		return StepGraph{}, fmt.Errorf("decode subgraph steps: %w", err)
	}
	out := StepGraph{Steps: make(map[string]StepContract, len(nodes))}
	for i, n := range nodes {
		raw := n.StepID
		if raw == "" {
			raw = n.ID
		}
		id := SnakeID(raw)
		if id == "" {
			id = fmt.Sprintf("s%d", i)
		}
		goal := n.Goal
		if goal == "" {
			if n.Type != "" {
				goal = fmt.Sprintf("Use %s with params to satisfy subtask %s.", n.Type, id)
			} else {
				goal = fmt.Sprintf("Perform subtask %s.", id)
			}
		}
		out.Add(StepContract{
			StepID:        id,
			Executor:      ExecutorReactive,
			Goal:          goal,
			Inputs:        Inputs{Required: []string{}},
			OutputsSchema: OutputsSchema{{Name: "result", Hint: "string"}},
			Determinism:   DeterminismLow,
		})
	}

	var edges []struct {
		From any `json:"from"`
		To   any `json:"to"`
	}
	if len(bytes.TrimSpace(shape.Edges)) > 0 {
		if err := json.Unmarshal(shape.Edges, &edges); err != nil {
			return StepGraph{}, fmt.Errorf("decode subgraph edges: %w", err)
		}
	}
	for _, e := range edges {
		from, okFrom := e.From.(string)
		to, okTo := e.To.(string)
		if okFrom && okTo {
			out.Edges = append(out.Edges, Edge{From: SnakeID(from), To: SnakeID(to)})
		}
	}
	return out, nil
}
