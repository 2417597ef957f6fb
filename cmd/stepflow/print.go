package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/metalagman/stepflow/internal/store"
)

// printStore dumps the latest value of every key in write order.
func printStore(w io.Writer, st *store.Store, pretty bool) error {
	if !pretty {
		fmt.Fprintln(w, "\n[Store]")
		for _, k := range st.Keys() {
			v, _ := st.Read(k)
			fmt.Fprintf(w, "• %s: %s\n", k, indent(v))
		}
		return nil
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return fmt.Errorf("create renderer: %w", err)
	}
	out, err := r.Render(storeMarkdown(st))
	if err != nil {
		return fmt.Errorf("render store: %w", err)
	}
	_, err = io.WriteString(w, out)
	return err
}

func storeMarkdown(st *store.Store) string {
	var b strings.Builder
	b.WriteString("# Store\n")
	for _, k := range st.Keys() {
		v, _ := st.Read(k)
		fmt.Fprintf(&b, "\n## %s\n\n", k)
		if s, ok := v.(string); ok {
			b.WriteString(s)
			b.WriteString("\n")
			continue
		}
		fmt.Fprintf(&b, "```json\n%s\n```\n", indent(v))
	}
	return b.String()
}

func indent(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
