package expression

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Parse splits s into literal text and references.
func Parse(s string) (*Template, error) {
	t := &Template{Raw: s}
	rest := s
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			if rest != "" {
				t.Parts = append(t.Parts, Part{Literal: rest})
			}
			return t, nil
		}
		if start > 0 {
			t.Parts = append(t.Parts, Part{Literal: rest[:start]})
		}
		end := strings.Index(rest[start+len(openDelim):], closeDelim)
		if end < 0 {
			return nil, malformed(s, "unterminated "+openDelim)
		}
		body := rest[start+len(openDelim) : start+len(openDelim)+end]
		ref, err := ParseReference(body)
		if err != nil {
			return nil, err
		}
		t.Parts = append(t.Parts, Part{Ref: ref})
		rest = rest[start+len(openDelim)+end+len(closeDelim):]
	}
}

// ParseReference parses the body of a {{ }} block.
func ParseReference(body string) (*Reference, error) {
	raw := strings.TrimSpace(body)
	if raw == "" {
		return nil, malformed(body, "empty reference")
	}
	ref := &Reference{Raw: raw}

	i := 0
	for i < len(raw) && raw[i] != '.' && raw[i] != '[' {
		if raw[i] == ' ' {
			return nil, malformed(raw, "whitespace inside reference")
		}
		i++
	}
	ref.Root = raw[:i]
	if ref.Root == "" {
		return nil, malformed(raw, "missing root key")
	}

	for i < len(raw) {
		switch raw[i] {
		case '.':
			i++
			j := i
			for j < len(raw) && raw[j] != '.' && raw[j] != '[' {
				j++
			}
			key := raw[i:j]
			if key == "" {
				return nil, malformed(raw, fmt.Sprintf("empty key at offset %d", i))
			}
			ref.Path = append(ref.Path, Segment{Key: key})
			i = j
		case '[':
			j := strings.IndexByte(raw[i:], ']')
			if j < 0 {
				return nil, malformed(raw, "unterminated [")
			}
			inner := strings.TrimSpace(raw[i+1 : i+j])
			seg, err := bracketSegment(raw, inner)
			if err != nil {
				return nil, err
			}
			ref.Path = append(ref.Path, seg)
			i += j + 1
		default:
			return nil, malformed(raw, fmt.Sprintf("unexpected %q at offset %d", raw[i], i))
		}
	}
	return ref, nil
}

func bracketSegment(raw, inner string) (Segment, error) {
	if inner == "" {
		return Segment{}, malformed(raw, "empty []")
	}
	if q := inner[0]; q == '"' || q == '\'' {
		if len(inner) < 2 || inner[len(inner)-1] != q {
			return Segment{}, malformed(raw, "unterminated quoted key")
		}
		return Segment{Key: inner[1 : len(inner)-1]}, nil
	}
	n, err := strconv.Atoi(inner)
	if err != nil || n < 0 {
		return Segment{}, malformed(raw, fmt.Sprintf("invalid index %q", inner))
	}
	return Segment{Index: n, IsIndex: true}, nil
}

func malformed(expr, reason string) error {
	return &workflow.UnresolvedReferenceError{Expression: expr, Path: expr, Reason: "malformed reference: " + reason}
}
