package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

var settingsSchema = gojsonschema.NewStringLoader(schemaJSON)

// SchemaError lists the settings that violate the config schema, sorted by field.
type SchemaError struct {
	Issues []string
}

func (e *SchemaError) Error() string {
	return "config schema validation failed: " + strings.Join(e.Issues, "; ")
}

// ValidateSettings validates raw config settings against the embedded JSON schema.
func ValidateSettings(settings map[string]any) error {
	result, err := gojsonschema.Validate(settingsSchema, gojsonschema.NewGoLoader(settings))
	if err != nil {
		return fmt.Errorf("validate config schema: %w", err)
	}
	if result.Valid() {
		return nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		issues = append(issues, re.Field()+": "+re.Description())
	}
	sort.Strings(issues)
	return &SchemaError{Issues: issues}
}

// readRawSettings decodes the config file without viper so empty objects survive.
func readRawSettings(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	raw := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return raw, nil
	}
	switch configType(path) {
	case "yaml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return raw, nil
}

// mergeSettings overlays src onto dst recursively. Keys are lowercased the way viper does.
func mergeSettings(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, sv := range src {
		key := strings.ToLower(k)
		sm, srcIsMap := sv.(map[string]any)
		dm, dstIsMap := dst[key].(map[string]any)
		switch {
		case srcIsMap && dstIsMap:
			dst[key] = mergeSettings(dm, sm)
		case srcIsMap:
			dst[key] = mergeSettings(nil, sm)
		default:
			dst[key] = sv
		}
	}
	return dst
}
