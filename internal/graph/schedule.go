package graph

import "fmt"

// TopologicalOrder returns step ids so that every step follows its predecessors.
// Steps that become ready at the same time are emitted first-in first-out,
// seeded in declaration order.
func TopologicalOrder(g StepGraph) ([]string, error) {
	ids := g.IDs()
	indeg := make(map[string]int, len(ids))
	for _, id := range ids {
		indeg[id] = 0
	}
	next := make(map[string][]string, len(ids))
	for _, e := range g.Edges {
		if !g.Has(e.From) || !g.Has(e.To) {
			return nil, fmt.Errorf("%w: edge %s -> %s references a missing step", ErrNotOrderable, e.From, e.To)
		}
		next[e.From] = append(next[e.From], e.To)
		indeg[e.To]++
	}

	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	order := make([]string, 0, len(ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, to := range next[id] {
			indeg[to]--
			if indeg[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if len(order) < len(ids) {
		return nil, fmt.Errorf("%w: ordered %d of %d steps", ErrNotOrderable, len(order), len(ids))
	}
	return order, nil
}
