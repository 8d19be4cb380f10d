package workflow

// Graph is the dependency view of a definition used by the scheduler.
type Graph struct {
	Nodes        map[string]*Node
	// Order lists every node after all of its predecessors.
	Order        []string
	Incoming     map[string][]Edge
	Outgoing     map[string][]Edge
	Predecessors map[string][]string
	Successors   map[string][]string
	StartNodes   []string
}

// BuildGraph indexes a definition that has already passed validation.
func BuildGraph(def *Definition) *Graph {
	g := &Graph{
		Nodes:        make(map[string]*Node, len(def.Nodes)),
		Order:        make([]string, 0, len(def.Nodes)),
		Incoming:     make(map[string][]Edge),
		Outgoing:     make(map[string][]Edge),
		Predecessors: make(map[string][]string),
		Successors:   make(map[string][]string),
	}
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if _, dup := g.Nodes[n.ID]; dup {
			continue
		}
		g.Nodes[n.ID] = n
		g.Order = append(g.Order, n.ID)
	}
	for _, e := range def.Edges {
		if g.Nodes[e.Source] == nil || g.Nodes[e.Target] == nil {
			continue
		}
		g.Incoming[e.Target] = append(g.Incoming[e.Target], e)
		g.Outgoing[e.Source] = append(g.Outgoing[e.Source], e)
		g.Predecessors[e.Target] = appendUnique(g.Predecessors[e.Target], e.Source)
		g.Successors[e.Source] = appendUnique(g.Successors[e.Source], e.Target)
	}
	for _, id := range g.Order {
		if len(g.Incoming[id]) == 0 {
			g.StartNodes = append(g.StartNodes, id)
		}
	}
	g.Order = g.topologicalOrder()
	return g
}

// EdgeLive reports whether edge e carries control given the source's chosen branch.
// Unlabeled edges are always live once the source completed.
func EdgeLive(e Edge, branch string) bool {
	return e.Label == "" || e.Label == branch
}

// topologicalOrder returns node ids in Kahn order, ties broken by definition
// order. Nodes left over by a cycle follow in definition order.
func (g *Graph) topologicalOrder() []string {
	inDegree := make(map[string]int, len(g.Order))
	for _, id := range g.Order {
		inDegree[id] = len(g.Predecessors[id])
	}
	var queue, order []string
	for _, id := range g.Order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range g.Successors[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) < len(g.Order) {
		placed := make(map[string]bool, len(order))
		for _, id := range order {
			placed[id] = true
		}
		for _, id := range g.Order {
			if !placed[id] {
				order = append(order, id)
			}
		}
	}
	return order
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
