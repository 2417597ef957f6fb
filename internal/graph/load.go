package graph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoGraph is returned when a document holds nothing shaped like a step graph.
var ErrNoGraph = errors.New("no step graph found")

var wrapperKeys = []string{"stepgraph", "graph", "workflow"}

// LoadFile reads a graph draft from a JSON or YAML file.
// It returns the draft and the wrapper key it was found under, if any.
func LoadFile(path string) (StepGraph, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return StepGraph{}, "", fmt.Errorf("read graph: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yamlToJSON(data)
		if err != nil {
			return StepGraph{}, "", fmt.Errorf("parse graph yaml: %w", err)
		}
	}
	g, key, err := Decode(data)
	if err != nil {
		return StepGraph{}, "", fmt.Errorf("load graph %s: %w", path, err)
	}
	return g, key, nil
}

// Decode parses a JSON document holding a step graph, possibly wrapped
// under stepgraph, graph, workflow, a single top-level key, or any member.
func Decode(data []byte) (StepGraph, string, error) {
	raw, key, err := unwrap(data)
	if err != nil {
		return StepGraph{}, "", err
	}
	if err := ValidateDraft(raw); err != nil {
		return StepGraph{}, key, err
	}
	var g StepGraph
	if err := json.Unmarshal(raw, &g); err != nil {
		return StepGraph{}, key, fmt.Errorf("decode graph: %w", err)
	}
	return g, key, nil
}

// FromValue extracts a step graph from a store value, which may be a JSON
// string or an already decoded object.
func FromValue(v any) (StepGraph, string, bool) {
	var data []byte
	switch x := v.(type) {
	case string:
		data = []byte(x)
	case []byte:
		data = x
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return StepGraph{}, "", false
		}
		data = b
	}
	g, key, err := Decode(data)
	if err != nil || g.Len() == 0 {
		return StepGraph{}, "", false
	}
	return g, key, true
}

func unwrap(data []byte) (json.RawMessage, string, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, "", fmt.Errorf("decode graph document: %w", err)
	}
	if isGraphShaped(top) {
		return data, "", nil
	}
	for _, k := range wrapperKeys {
		if inner, ok := top[k]; ok && isGraphShapedRaw(inner) {
			return inner, k, nil
		}
	}
	keys, err := objectKeys(data)
	if err != nil {
		return nil, "", err
	}
	if len(keys) == 1 && isGraphShapedRaw(top[keys[0]]) {
		return top[keys[0]], keys[0], nil
	}
	for _, k := range keys {
		if isGraphShapedRaw(top[k]) {
			return top[k], k, nil
		}
	}
	return nil, "", ErrNoGraph
}

func isGraphShapedRaw(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return false
	}
	return isGraphShaped(obj)
}

func isGraphShaped(obj map[string]json.RawMessage) bool {
	steps, ok := obj["steps"]
	if !ok {
		return false
	}
	trimmed := bytes.TrimSpace(steps)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// yamlToJSON converts a YAML document to JSON keeping mapping key order.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeNode(&buf, &doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeNode(buf *bytes.Buffer, n *yaml.Node) error {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			buf.WriteString("null")
			return nil
		}
		return writeNode(buf, n.Content[0])
	case yaml.AliasNode:
		return writeNode(buf, n.Alias)
	case yaml.MappingNode:
		buf.WriteByte('{')
		for i := 0; i+1 < len(n.Content); i += 2 {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(n.Content[i].Value)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := writeNode(buf, n.Content[i+1]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case yaml.SequenceNode:
		buf.WriteByte('[')
		for i, item := range n.Content {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeNode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}
