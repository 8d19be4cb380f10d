package expression

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
)

// Lookup walks ref through scope. Any missing key or out-of-range index is an error.
func Lookup(scope map[string]interface{}, ref *Reference) (interface{}, error) {
	cur, ok := scope[ref.Root]
	if !ok {
		return nil, &workflow.UnresolvedReferenceError{
			Expression: ref.Raw,
			Path:       ref.Root,
			Reason:     "no such key in execution context",
		}
	}

	walked := ref.Root
	for _, seg := range ref.Path {
		next, reason := step(cur, seg)
		walked += seg.String()
		if reason != "" {
			return nil, &workflow.UnresolvedReferenceError{Expression: ref.Raw, Path: walked, Reason: reason}
		}
		cur = next
	}
	return cur, nil
}

func step(cur interface{}, seg Segment) (interface{}, string) {
	switch v := cur.(type) {
	case nil:
		return nil, "cannot descend into null"
	case map[string]interface{}:
		if seg.IsIndex {
			seg = Segment{Key: strconv.Itoa(seg.Index)}
		}
		val, ok := v[seg.Key]
		if !ok {
			return nil, "key not found"
		}
		return val, ""
	case []interface{}:
		idx, reason := index(seg, len(v))
		if reason != "" {
			return nil, reason
		}
		return v[idx], ""
	}

	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, "map key is not a string"
		}
		key := seg.Key
		if seg.IsIndex {
			key = strconv.Itoa(seg.Index)
		}
		val := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, "key not found"
		}
		return val.Interface(), ""
	case reflect.Slice, reflect.Array:
		idx, reason := index(seg, rv.Len())
		if reason != "" {
			return nil, reason
		}
		return rv.Index(idx).Interface(), ""
	}
	return nil, fmt.Sprintf("cannot descend into %T", cur)
}

func index(seg Segment, n int) (int, string) {
	idx := seg.Index
	if !seg.IsIndex {
		parsed, err := strconv.Atoi(seg.Key)
		if err != nil {
			return 0, fmt.Sprintf("key %q used on a list", seg.Key)
		}
		idx = parsed
	}
	if idx < 0 || idx >= n {
		return 0, fmt.Sprintf("index %d out of range (len %d)", idx, n)
	}
	return idx, ""
}

// Evaluate resolves the template. A lone reference yields the raw value; anything
// else is rendered to a string.
func (t *Template) Evaluate(scope map[string]interface{}) (interface{}, error) {
	if t.IsReference() {
		return Lookup(scope, t.Parts[0].Ref)
	}
	var b strings.Builder
	for _, p := range t.Parts {
		if p.Ref == nil {
			b.WriteString(p.Literal)
			continue
		}
		v, err := Lookup(scope, p.Ref)
		if err != nil {
			return nil, err
		}
		s, err := render(v)
		if err != nil {
			return nil, &workflow.UnresolvedReferenceError{Expression: p.Ref.Raw, Path: p.Ref.String(), Reason: err.Error()}
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

func render(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "null", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", t), nil
	case fmt.Stringer:
		return t.String(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("cannot render %T: %w", v, err)
	}
	return string(data), nil
}

// Resolve walks value and resolves every string containing a reference.
// Maps and slices are copied; the input is never modified.
func Resolve(value interface{}, scope map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		if !strings.Contains(v, openDelim) {
			return v, nil
		}
		t, err := Parse(v)
		if err != nil {
			return nil, err
		}
		return t.Evaluate(scope)
	case map[string]interface{}:
		return ResolveMap(v, scope)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			r, err := Resolve(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

func ResolveMap(m map[string]interface{}, scope map[string]interface{}) (map[string]interface{}, error) {
	if m == nil {
		return map[string]interface{}{}, nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		r, err := Resolve(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

// ResolveExcept resolves m but leaves the listed top-level keys untouched. Used for
// nested definitions whose references belong to a child execution.
func ResolveExcept(m map[string]interface{}, scope map[string]interface{}, skip ...string) (map[string]interface{}, error) {
	keep := make(map[string]interface{}, len(skip))
	rest := make(map[string]interface{}, len(m))
	for k, v := range m {
		rest[k] = v
	}
	for _, k := range skip {
		if v, ok := rest[k]; ok {
			keep[k] = v
			delete(rest, k)
		}
	}
	out, err := ResolveMap(rest, scope)
	if err != nil {
		return nil, err
	}
	for k, v := range keep {
		out[k] = v
	}
	return out, nil
}

// References collects every reference in value, for static checks.
func References(value interface{}) ([]*Reference, error) {
	var refs []*Reference
	var walk func(v interface{}) error
	walk = func(v interface{}) error {
		switch t := v.(type) {
		case string:
			if !strings.Contains(t, openDelim) {
				return nil
			}
			tpl, err := Parse(t)
			if err != nil {
				return err
			}
			refs = append(refs, tpl.References()...)
		case map[string]interface{}:
			for _, item := range t {
				if err := walk(item); err != nil {
					return err
				}
			}
		case []interface{}:
			for _, item := range t {
				if err := walk(item); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return refs, walk(value)
}
