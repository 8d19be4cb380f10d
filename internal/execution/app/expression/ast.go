// Package expression parses and resolves {{ root.path }} references inside node
// configuration against an execution context.
//
// A reference is a root key of the context (trigger_data, node_<id>, execution_id,
// timestamp, ...) followed by dotted keys or bracketed indexes:
//
//	{{ trigger_data.customer.email }}
//	{{ node_lookup.records[0].id }}
//	{{ node_ai["content"] }}
//
// Resolution is a structured lookup. Nothing is ever evaluated as code, and a
// missing key fails with an UnresolvedReferenceError instead of yielding "".
package expression

import (
	"strconv"
	"strings"
)

// Segment is one step of a reference path.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

func (s Segment) String() string {
	if s.IsIndex {
		return "[" + strconv.Itoa(s.Index) + "]"
	}
	return "." + s.Key
}

type Reference struct {
	Root string
	Path []Segment
	Raw  string
}

// String renders the canonical form, e.g. node_a.items[2].name.
func (r *Reference) String() string {
	var b strings.Builder
	b.WriteString(r.Root)
	for _, s := range r.Path {
		b.WriteString(s.String())
	}
	return b.String()
}

// Part is either literal text or a reference.
type Part struct {
	Literal string
	Ref     *Reference
}

type Template struct {
	Raw   string
	Parts []Part
}

// IsReference reports whether the template is exactly one reference with no
// surrounding text. Such templates resolve to the raw value, not a string.
func (t *Template) IsReference() bool {
	return len(t.Parts) == 1 && t.Parts[0].Ref != nil
}

func (t *Template) HasReferences() bool {
	for _, p := range t.Parts {
		if p.Ref != nil {
			return true
		}
	}
	return false
}

func (t *Template) References() []*Reference {
	var refs []*Reference
	for _, p := range t.Parts {
		if p.Ref != nil {
			refs = append(refs, p.Ref)
		}
	}
	return refs
}
