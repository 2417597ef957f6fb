// Package invariant parses and evaluates post-step predicates over store state.
package invariant

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Default branch intents per predicate kind.
const (
	IntentDeepenSearch = "deepen_search"
	IntentFillMissing  = "fill_missing"
	IntentReconcile    = "reconcile"
)

// Predicate is a parsed invariant expression.
// The set of implementations is closed: LenAtLeast, Exists, ConfidenceAtLeast, Eq, Unknown.
type Predicate interface {
	// Expr returns the condition text without any intent suffix.
	Expr() string
	// Intent returns the branch intent used when the predicate fails.
	Intent() string
	predicate()
}

// Label carries the condition text and branch intent shared by every predicate.
type Label struct {
	Source       string
	BranchIntent string
}

// Expr implements Predicate.
func (l Label) Expr() string { return l.Source }

// Intent implements Predicate.
func (l Label) Intent() string { return l.BranchIntent }

// LenAtLeast holds when Field is an array with at least N elements.
type LenAtLeast struct {
	Label
	Field string
	N     int
}

// Exists holds when Field has been written.
type Exists struct {
	Label
	Field string
}

// ConfidenceAtLeast holds when the step's confidence output is >= N.
type ConfidenceAtLeast struct {
	Label
	N float64
}

// Eq holds when Field is structurally equal to Value.
type Eq struct {
	Label
	Field string
	Value any
}

// Unknown is an expression outside the supported forms.
type Unknown struct {
	Label
}

func (LenAtLeast) predicate()        {}
func (Exists) predicate()            {}
func (ConfidenceAtLeast) predicate() {}
func (Eq) predicate()                {}
func (Unknown) predicate()           {}

var (
	lenRe        = regexp.MustCompile(`^len\(\s*([A-Za-z0-9_.\-]+)\s*\)\s*>=\s*(\d+)$`)
	existsRe     = regexp.MustCompile(`^exists\(\s*([A-Za-z0-9_.\-]+)\s*\)$`)
	eqRe         = regexp.MustCompile(`^eq\(\s*([A-Za-z0-9_.\-]+)\s*,\s*(.+?)\s*\)$`)
	confidenceRe = regexp.MustCompile(`confidence\s*>=\s*([0-9]*\.?[0-9]+)`)
)

// Parse converts an expression into a Predicate.
// An optional "=> intent" suffix overrides the default branch intent.
func Parse(expr string) Predicate {
	body, intent := splitIntent(expr)
	label := func(def string) Label {
		if intent == "" {
			intent = def
		}
		return Label{Source: body, BranchIntent: intent}
	}

	if m := lenRe.FindStringSubmatch(body); m != nil {
		n, err := strconv.Atoi(m[2])
		if err == nil {
			return LenAtLeast{Label: label(IntentDeepenSearch), Field: m[1], N: n}
		}
	}
	if m := existsRe.FindStringSubmatch(body); m != nil {
		return Exists{Label: label(IntentFillMissing), Field: m[1]}
	}
	if m := eqRe.FindStringSubmatch(body); m != nil {
		return Eq{Label: label(IntentReconcile), Field: m[1], Value: parseLiteral(m[2])}
	}
	if m := confidenceRe.FindStringSubmatch(body); m != nil {
		n, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			return ConfidenceAtLeast{Label: label(IntentDeepenSearch), N: n}
		}
	}
	return Unknown{Label: label("")}
}

// ParseAll parses every expression in order.
func ParseAll(exprs []string) []Predicate {
	out := make([]Predicate, 0, len(exprs))
	for _, expr := range exprs {
		out = append(out, Parse(expr))
	}
	return out
}

// IsUnknown reports whether p is outside the supported forms.
func IsUnknown(p Predicate) bool {
	_, ok := p.(Unknown)
	return ok
}

// splitIntent splits on the last "=>" outside parentheses and quoted literals.
func splitIntent(expr string) (string, string) {
	at := -1
	depth := 0
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == '=' && depth == 0 && i+1 < len(expr) && expr[i+1] == '>':
			at = i
		}
	}
	if at < 0 {
		return strings.TrimSpace(expr), ""
	}
	return strings.TrimSpace(expr[:at]), strings.TrimSpace(expr[at+2:])
}

func parseLiteral(raw string) any {
	raw = strings.TrimSpace(raw)
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	if len(raw) >= 2 && raw[0] == '\'' && raw[len(raw)-1] == '\'' {
		return raw[1 : len(raw)-1]
	}
	return raw
}
