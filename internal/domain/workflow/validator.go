package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// NodeTypes is the view of the processor registry needed for validation.
type NodeTypes interface {
	Has(nodeType string) bool
	ValidateConfig(nodeType string, config map[string]interface{}) error
}

type ValidationResult struct {
	Valid      bool     `json:"valid"`
	Errors     []string `json:"errors"`
	Warnings   []string `json:"warnings"`
	StartNodes []string `json:"startNodes"`
}

// Err returns a DefinitionError when the result is invalid.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &DefinitionError{Errors: append([]string(nil), r.Errors...)}
}

// Validator checks a definition for structural soundness. It is pure: no I/O, no mutation.
type Validator struct {
	types NodeTypes
}

func NewValidator(types NodeTypes) *Validator {
	return &Validator{types: types}
}

type validation struct {
	def      *Definition
	nodeMap  map[string]*Node
	errors   []string
	warnings []string
	cycles   int
}

func (v *Validator) Validate(def *Definition) *ValidationResult {
	s := &validation{def: def, nodeMap: make(map[string]*Node, len(def.Nodes))}

	if len(def.Nodes) == 0 {
		s.errors = append(s.errors, ErrEmptyWorkflow.Error())
		return s.result(nil)
	}

	s.buildNodeMap()
	v.validateNodeTypes(s)
	v.validateNodeConfigurations(s)
	s.validateEdges()
	s.validateNoCycles()
	start := s.findStartNodes()
	s.findOrphans()

	return s.result(start)
}

func (s *validation) result(start []string) *ValidationResult {
	return &ValidationResult{
		Valid:      len(s.errors) == 0,
		Errors:     nonNil(s.errors),
		Warnings:   nonNil(s.warnings),
		StartNodes: nonNil(start),
	}
}

func (s *validation) buildNodeMap() {
	for i := range s.def.Nodes {
		node := &s.def.Nodes[i]
		if node.ID == "" {
			s.errors = append(s.errors, fmt.Sprintf("node at index %d has no id", i))
			continue
		}
		if _, exists := s.nodeMap[node.ID]; exists {
			s.errors = append(s.errors, fmt.Sprintf("%s: %s", ErrDuplicateNodeID, node.ID))
			continue
		}
		s.nodeMap[node.ID] = node
	}
}

func (v *Validator) validateNodeTypes(s *validation) {
	for _, node := range s.def.Nodes {
		if node.Type == "" {
			s.errors = append(s.errors, fmt.Sprintf("node %s: missing type", node.ID))
			continue
		}
		if v.types != nil && !v.types.Has(node.Type) {
			s.errors = append(s.errors, fmt.Sprintf("node %s: %s %q", node.ID, ErrUnknownNodeType, node.Type))
		}
	}
}

func (v *Validator) validateNodeConfigurations(s *validation) {
	if v.types == nil {
		return
	}
	for _, node := range s.def.Nodes {
		if node.Type == "" || !v.types.Has(node.Type) {
			continue
		}
		if err := v.types.ValidateConfig(node.Type, node.Config); err != nil {
			s.errors = append(s.errors, fmt.Sprintf("node %s (%s): %v", node.ID, node.Type, err))
		}
	}
}

func (s *validation) validateEdges() {
	seen := make(map[string]bool, len(s.def.Edges))
	for _, e := range s.def.Edges {
		if _, ok := s.nodeMap[e.Source]; !ok {
			s.errors = append(s.errors, fmt.Sprintf("%s: source %q", ErrDanglingEdge, e.Source))
		}
		if _, ok := s.nodeMap[e.Target]; !ok {
			s.errors = append(s.errors, fmt.Sprintf("%s: target %q", ErrDanglingEdge, e.Target))
		}
		key := e.Source + "->" + e.Target + "#" + e.Label
		if seen[key] {
			s.warnings = append(s.warnings, fmt.Sprintf("duplicate edge %s -> %s", e.Source, e.Target))
		}
		seen[key] = true
	}
}

// validateNoCycles runs a DFS over the successor lists and reports at most one
// cycle per weakly connected component.
func (s *validation) validateNoCycles() {
	adj := make(map[string][]string)
	for _, e := range s.def.Edges {
		if s.nodeMap[e.Source] == nil || s.nodeMap[e.Target] == nil {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	component := s.components()
	reported := make(map[int]bool)

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(s.nodeMap))
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				comp := component[next]
				if reported[comp] {
					continue
				}
				reported[comp] = true
				s.cycles++
				s.errors = append(s.errors, fmt.Sprintf("%s: %s", ErrWorkflowHasCycle, cyclePath(stack, next)))
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, node := range s.def.Nodes {
		if s.nodeMap[node.ID] != nil && color[node.ID] == white {
			visit(node.ID)
		}
	}
}

func cyclePath(stack []string, back string) string {
	start := 0
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == back {
			start = i
			break
		}
	}
	path := append(append([]string{}, stack[start:]...), back)
	return strings.Join(path, " -> ")
}

// components labels each node with its weakly connected component.
func (s *validation) components() map[string]int {
	undirected := make(map[string][]string)
	for _, e := range s.def.Edges {
		if s.nodeMap[e.Source] == nil || s.nodeMap[e.Target] == nil {
			continue
		}
		undirected[e.Source] = append(undirected[e.Source], e.Target)
		undirected[e.Target] = append(undirected[e.Target], e.Source)
	}
	comp := make(map[string]int, len(s.nodeMap))
	next := 0
	for _, node := range s.def.Nodes {
		if _, done := comp[node.ID]; done || s.nodeMap[node.ID] == nil {
			continue
		}
		queue := []string{node.ID}
		comp[node.ID] = next
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, n := range undirected[cur] {
				if _, seen := comp[n]; !seen {
					comp[n] = next
					queue = append(queue, n)
				}
			}
		}
		next++
	}
	return comp
}

func (s *validation) findStartNodes() []string {
	incoming := make(map[string]int, len(s.nodeMap))
	for _, e := range s.def.Edges {
		if s.nodeMap[e.Source] != nil && s.nodeMap[e.Target] != nil {
			incoming[e.Target]++
		}
	}
	var start []string
	seen := make(map[string]bool, len(s.nodeMap))
	for _, node := range s.def.Nodes {
		if s.nodeMap[node.ID] == nil || seen[node.ID] {
			continue
		}
		seen[node.ID] = true
		if incoming[node.ID] == 0 {
			start = append(start, node.ID)
		}
	}

	switch {
	case len(start) == 0 && s.cycles == 0:
		s.errors = append(s.errors, ErrNoStartNode.Error())
	case len(start) > 1:
		s.warnings = append(s.warnings, fmt.Sprintf("workflow has %d start nodes (%s); all will run in parallel", len(start), strings.Join(start, ", ")))
	}
	return start
}

// findOrphans warns about nodes with no edges at all in a multi-node workflow.
func (s *validation) findOrphans() {
	if len(s.nodeMap) < 2 {
		return
	}
	connected := make(map[string]bool)
	for _, e := range s.def.Edges {
		connected[e.Source] = true
		connected[e.Target] = true
	}
	var orphans []string
	for id := range s.nodeMap {
		if !connected[id] {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		sort.Strings(orphans)
		s.warnings = append(s.warnings, fmt.Sprintf("orphaned nodes with no edges: %s", strings.Join(orphans, ", ")))
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
