// Package inputs collects the initial store values of a run from flags, files and stdin.
package inputs

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/metalagman/stepflow/internal/graph"
	"github.com/metalagman/stepflow/internal/store"
	"github.com/zeebo/blake3"
)

// MetaSuffix is appended to a file key to name its metadata key.
const MetaSuffix = "__meta"

// Mode selects how a file is loaded.
type Mode string

// File modes.
const (
	ModeText   Mode = "text"
	ModeBase64 Mode = "base64"
	ModeJSON   Mode = "json"
)

// FileSpec binds a store key to a file.
type FileSpec struct {
	Key  string
	Path string
	Mode Mode
}

// Meta describes a seeded file.
type Meta struct {
	Filename  string `json:"filename"`
	AbsPath   string `json:"abspath"`
	SizeBytes int64  `json:"size_bytes"`
	Blake3    string `json:"blake3"`
	MTime     string `json:"mtime"`
	Mode      Mode   `json:"mode"`
}

// Options configures Collect.
type Options struct {
	KV           []string
	Files        []FileSpec
	StdinKey     string
	Stdin        io.Reader
	StdinIsTTY   bool
	MaxFileBytes int64
}

// Set is the collected seed. Meta entries are keyed <key>__meta.
type Set struct {
	Values map[string]any
	Meta   map[string]Meta
}

// Has reports whether key is already provided.
func (s Set) Has(key string) bool {
	_, ok := s.Values[key]
	return ok
}

// SplitPair splits "key=value". The key must be non-empty.
func SplitPair(s string) (string, string, error) {
	eq := strings.Index(s, "=")
	if eq <= 0 {
		return "", "", fmt.Errorf("expected key=value, got %q", s)
	}
	return s[:eq], s[eq+1:], nil
}

// ParseFileSpecs parses key=path pairs for one mode.
func ParseFileSpecs(pairs []string, mode Mode) ([]FileSpec, error) {
	out := make([]FileSpec, 0, len(pairs))
	for _, p := range pairs {
		key, path, err := SplitPair(p)
		if err != nil {
			return nil, fmt.Errorf("parse %s file: %w", mode, err)
		}
		out = append(out, FileSpec{Key: key, Path: path, Mode: mode})
	}
	return out, nil
}

// Collect gathers key/value pairs, stdin and files. Stdin is read only when it is not a terminal.
func Collect(opts Options) (Set, error) {
	set := Set{Values: map[string]any{}, Meta: map[string]Meta{}}
	for _, kv := range opts.KV {
		key, value, err := SplitPair(kv)
		if err != nil {
			return Set{}, fmt.Errorf("parse kv: %w", err)
		}
		set.Values[key] = value
	}
	if opts.StdinKey != "" && opts.Stdin != nil && !opts.StdinIsTTY {
		data, err := io.ReadAll(opts.Stdin)
		if err != nil {
			return Set{}, fmt.Errorf("read stdin: %w", err)
		}
		set.Values[opts.StdinKey] = string(data)
	}
	for _, spec := range opts.Files {
		value, meta, err := ReadFile(spec, opts.MaxFileBytes)
		if err != nil {
			return Set{}, err
		}
		set.Values[spec.Key] = value
		set.Meta[spec.Key+MetaSuffix] = meta
	}
	return set, nil
}

// ReadFile loads one file according to its mode. A positive limit caps the file size.
func ReadFile(spec FileSpec, limit int64) (any, Meta, error) {
	st, err := os.Stat(spec.Path)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("stat input file: %w", err)
	}
	if limit > 0 && st.Size() > limit {
		return nil, Meta{}, fmt.Errorf("input file too large: %s (%.2fMB > %.2fMB); raise inputs.max_file_mb to override",
			spec.Path, float64(st.Size())/(1024*1024), float64(limit)/(1024*1024))
	}
	data, err := os.ReadFile(spec.Path)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("read input file: %w", err)
	}
	abs, err := filepath.Abs(spec.Path)
	if err != nil {
		abs = spec.Path
	}
	sum := blake3.Sum256(data)
	mode := spec.Mode
	if mode == "" {
		mode = ModeText
	}
	meta := Meta{
		Filename:  filepath.Base(spec.Path),
		AbsPath:   abs,
		SizeBytes: st.Size(),
		Blake3:    hex.EncodeToString(sum[:]),
		MTime:     st.ModTime().UTC().Format(time.RFC3339Nano),
		Mode:      mode,
	}

	switch mode {
	case ModeBase64:
		return base64.StdEncoding.EncodeToString(data), meta, nil
	case ModeJSON:
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, Meta{}, fmt.Errorf("parse JSON file %q: %w", spec.Path, err)
		}
		return v, meta, nil
	case ModeText:
		return string(data), meta, nil
	default:
		return nil, Meta{}, fmt.Errorf("unknown file mode %q", mode)
	}
}

// MissingRequired lists required keys of step that are not provided. Dotted keys are
// produced by other steps and are never asked for.
func MissingRequired(step graph.StepContract, provided func(key string) bool) []string {
	var out []string
	for _, k := range step.Inputs.Required {
		if k == "" || strings.Contains(k, ".") || provided(k) {
			continue
		}
		out = append(out, k)
	}
	return out
}

// ResolveAnswer turns a prompt answer into a value. file:// answers load the file as text.
func ResolveAnswer(answer string) (string, error) {
	trimmed := strings.TrimSpace(answer)
	if !strings.HasPrefix(trimmed, "file://") {
		return answer, nil
	}
	path := strings.TrimPrefix(trimmed, "file://")
	if strings.HasPrefix(trimmed, "file:///") {
		if u, err := url.Parse(trimmed); err == nil {
			path = u.Path
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", trimmed, err)
	}
	return string(data), nil
}

// Seed writes values then file metadata into st in key order.
func Seed(st *store.Store, set Set) {
	for _, k := range sortedKeys(set.Values) {
		st.Write(k, set.Values[k])
	}
	for _, k := range sortedKeys(set.Meta) {
		st.Write(k, set.Meta[k])
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
