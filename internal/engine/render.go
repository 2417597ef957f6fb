package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/metalagman/stepflow/internal/graph"
	"github.com/metalagman/stepflow/internal/store"
)

// MissingMarker stands in for inputs absent from the store.
const MissingMarker = "<MISSING>"

// NudgeMessage is sent after output that is not a JSON object.
const NudgeMessage = "Return outputs as strict JSON only, no prose."

// RenderOptions tunes the rendered framing.
type RenderOptions struct {
	// HandleField, when set, tells the oracle which output field applies a proposal.
	HandleField string
}

// RenderTranscript builds the system and user messages that open a step's negotiation.
func RenderTranscript(step graph.StepContract, r store.Reader, opts RenderOptions) (string, string, error) {
	exprs := make([]string, 0, len(step.Invariants))
	for _, p := range step.PredicateList() {
		exprs = append(exprs, p.Expr())
	}
	invariants := strings.Join(exprs, "; ")
	if invariants == "" {
		invariants = "none"
	}
	system := strings.Join([]string{
		fmt.Sprintf("You are a precise agent executing step_id=%s.", step.StepID),
		"Goal: " + step.Goal,
		"You MUST satisfy invariants: " + invariants,
		"Output strictly as JSON matching outputs_schema keys: " + strings.Join(step.OutputsSchema.Names(), ", "),
	}, "\n")

	lines := []string{"INPUTS:"}
	for _, key := range step.Inputs.All() {
		val := MissingMarker
		if v, ok := r.Read(key); ok {
			encoded, err := encodeJSON(v)
			if err != nil {
				return "", "", fmt.Errorf("encode input %s: %w", key, err)
			}
			val = encoded
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", key, val))
	}

	hints, err := indentJSON(step.OutputsSchema)
	if err != nil {
		return "", "", fmt.Errorf("encode outputs schema: %w", err)
	}

	lines = append(lines,
		"",
		"INSTRUCTIONS:",
		"- If you need external info, propose tool calls via function-calling.",
		"- Otherwise, return JSON with exactly the required fields.",
	)
	if opts.HandleField != "" {
		lines = append(lines, fmt.Sprintf("- To apply an approved subgraph proposal, also set %q to its handle.", opts.HandleField))
	}
	lines = append(lines, "", "SCHEMA HINTS:", hints)

	return system, strings.Join(lines, "\n"), nil
}

func encodeJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func indentJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
