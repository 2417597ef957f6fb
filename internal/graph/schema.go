package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SchemaField is one declared output field with its informal type hint.
type SchemaField struct {
	Name string
	Hint any
}

// OutputsSchema is an ordered mapping of output field name to type hint.
type OutputsSchema []SchemaField

// Names returns field names in declaration order.
func (s OutputsSchema) Names() []string {
	out := make([]string, 0, len(s))
	for _, f := range s {
		out = append(out, f.Name)
	}
	return out
}

// Has reports whether name is a declared field.
func (s OutputsSchema) Has(name string) bool {
	for _, f := range s {
		if f.Name == name {
			return true
		}
	}
	return false
}

// MarshalJSON encodes the schema as an object preserving field order.
func (s OutputsSchema) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshalNoEscape(f.Name)
		if err != nil {
			return nil, err
		}
		val, err := marshalNoEscape(f.Hint)
		if err != nil {
			return nil, fmt.Errorf("marshal hint %s: %w", f.Name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// marshalNoEscape encodes v leaving <, > and & intact, since hints end up in prompts.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// UnmarshalJSON decodes an object preserving field order.
func (s *OutputsSchema) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*s = nil
		return nil
	}
	keys, err := objectKeys(data)
	if err != nil {
		return fmt.Errorf("outputs_schema: %w", err)
	}
	var hints map[string]any
	if err := json.Unmarshal(data, &hints); err != nil {
		return fmt.Errorf("outputs_schema: %w", err)
	}
	out := make(OutputsSchema, 0, len(keys))
	for _, k := range keys {
		out = append(out, SchemaField{Name: k, Hint: hints[k]})
	}
	*s = out
	return nil
}

// objectKeys returns the member names of a JSON object in document order.
func objectKeys(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}
	var keys []string
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", tok)
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys, nil
}
