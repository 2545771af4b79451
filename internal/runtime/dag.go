package runtime

import (
	"fmt"

	"github.com/ocx/backend/internal/domain"
)

// topologicalSort orders a graph's node ids via Kahn's algorithm, the same
// approach the reference executor this package is modeled on uses. Loop
// nodes are allowed to have a self-referencing iteration edge; callers that
// need that must filter it out before calling sort, since a true cycle here
// always means the graph is invalid.
func topologicalSort(g *domain.Graph) ([]string, error) {
	inDegree := make(map[string]int, len(g.Nodes))
	adjList := make(map[string][]string, len(g.Nodes))

	for _, n := range g.Nodes {
		inDegree[n.ID] = 0
		adjList[n.ID] = nil
	}
	for _, e := range g.Edges {
		adjList[e.FromNodeID] = append(adjList[e.FromNodeID], e.ToNodeID)
		inDegree[e.ToNodeID]++
	}

	var queue []string
	for _, n := range g.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, next := range adjList[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(g.Nodes) {
		return nil, fmt.Errorf("runtime: workflow graph %s contains a cycle", g.ID)
	}
	return order, nil
}

// incomingEdges indexes a graph's edges by target node id.
func incomingEdges(g *domain.Graph) map[string][]domain.Edge {
	in := make(map[string][]domain.Edge, len(g.Nodes))
	for _, e := range g.Edges {
		in[e.ToNodeID] = append(in[e.ToNodeID], e)
	}
	return in
}

func edgeKey(fromID, toID string) string {
	return fromID + "->" + toID
}
