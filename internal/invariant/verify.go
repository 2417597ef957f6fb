package invariant

import (
	"encoding/json"
	"reflect"
	"strconv"

	"github.com/metalagman/stepflow/internal/store"
)

// Verdict is the outcome of evaluating a step's invariants.
type Verdict struct {
	Pass   bool   `json:"pass"`
	Intent string `json:"intent,omitempty"`
	Reason string `json:"reason,omitempty"`
	// Unrecognized lists expressions that were treated as passing.
	Unrecognized []string `json:"unrecognized,omitempty"`
}

// Verify evaluates predicates in order against values scoped under stepID.
// The first failing predicate decides the verdict.
func Verify(stepID string, predicates []Predicate, r store.Reader) Verdict {
	verdict := Verdict{Pass: true}
	for _, p := range predicates {
		ok, known := check(p, stepID, r)
		if !known {
			verdict.Unrecognized = append(verdict.Unrecognized, p.Expr())
			continue
		}
		if !ok {
			verdict.Pass = false
			verdict.Intent = p.Intent()
			verdict.Reason = p.Expr()
			return verdict
		}
	}
	return verdict
}

func check(p Predicate, stepID string, r store.Reader) (bool, bool) {
	switch pr := p.(type) {
	case LenAtLeast:
		v, ok := lookup(r, stepID, pr.Field)
		if !ok {
			return false, true
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return false, true
		}
		return rv.Len() >= pr.N, true
	case Exists:
		_, ok := lookup(r, stepID, pr.Field)
		return ok, true
	case ConfidenceAtLeast:
		v, ok := lookup(r, stepID, "confidence")
		if !ok {
			return false, true
		}
		n, ok := toFloat(v)
		return ok && n >= pr.N, true
	case Eq:
		v, ok := lookup(r, stepID, pr.Field)
		if !ok {
			return false, true
		}
		return reflect.DeepEqual(normalize(v), pr.Value), true
	default:
		return true, false
	}
}

func lookup(r store.Reader, stepID, field string) (any, bool) {
	if v, ok := r.Read(stepID + "." + field); ok {
		return v, true
	}
	return r.Read(field)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// normalize maps a stored value onto the shapes produced by JSON decoding
// so it compares cleanly against parsed literals.
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
