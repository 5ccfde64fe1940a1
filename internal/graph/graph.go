// Package graph holds the table dependency graph used to validate mutations
// before they are persisted.
package graph

import "sort"

// Graph is a directed graph keyed by table id. An edge a -> b means a
// depends on b.
type Graph struct {
	edges map[string]map[string]struct{}
}

func New() *Graph {
	return &Graph{edges: map[string]map[string]struct{}{}}
}

func (g *Graph) AddNode(id string) {
	if _, ok := g.edges[id]; !ok {
		g.edges[id] = map[string]struct{}{}
	}
}

func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	g.edges[from][to] = struct{}{}
}

// ClearOutgoing removes every edge leaving id, keeping the node.
func (g *Graph) ClearOutgoing(id string) {
	if _, ok := g.edges[id]; ok {
		g.edges[id] = map[string]struct{}{}
	}
}

func (g *Graph) Len() int { return len(g.edges) }

func (g *Graph) neighbors(id string) []string {
	out := make([]string, 0, len(g.edges[id]))
	for to := range g.edges[id] {
		out = append(out, to)
	}
	sort.Strings(out)
	return out
}

// FindCycle runs a depth-first search marking nodes temporary while on the
// stack and permanent once finished. It returns the first cycle found as a
// path whose first and last elements are the same node, or nil if the graph
// is acyclic. Recursion depth never exceeds the node count.
func (g *Graph) FindCycle() []string {
	ids := make([]string, 0, len(g.edges))
	for id := range g.edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	permanent := map[string]bool{}
	temporary := map[string]bool{}
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		if permanent[id] {
			return nil
		}
		if temporary[id] {
			for i, s := range stack {
				if s == id {
					path := append([]string{}, stack[i:]...)
					return append(path, id)
				}
			}
			return []string{id, id}
		}
		temporary[id] = true
		stack = append(stack, id)
		for _, next := range g.neighbors(id) {
			if cycle := visit(next); cycle != nil {
				return cycle
			}
		}
		stack = stack[:len(stack)-1]
		delete(temporary, id)
		permanent[id] = true
		return nil
	}

	for _, id := range ids {
		if cycle := visit(id); cycle != nil {
			return cycle
		}
	}
	return nil
}
