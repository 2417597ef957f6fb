package graph

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed draft.schema.json
var draftSchemaJSON string

// ValidateDraft checks the structural shape of a JSON graph draft.
func ValidateDraft(data []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(draftSchemaJSON),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("validate graph draft: %w", err)
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, 0, len(result.Errors()))
	for _, schemaErr := range result.Errors() {
		errs = append(errs, schemaErr.String())
	}
	sort.Strings(errs)
	return fmt.Errorf("graph draft validation failed: %s", strings.Join(errs, "; "))
}
