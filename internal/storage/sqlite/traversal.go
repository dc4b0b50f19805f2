package sqlite

import (
	"context"

	"github.com/Whamp/pi-brain-sub000/internal/storage"
	"github.com/Whamp/pi-brain-sub000/internal/types"
)

const maxTraversalDepth = 5

// GetConnectedNodes performs a bounded breadth-first traversal from id,
// following edges per the options, and returns the reached nodes plus the
// edges crossed with their direction.
func (s *Store) GetConnectedNodes(ctx context.Context, id string, opts storage.TraverseOptions) (*storage.Traversal, error) {
	if _, err := s.GetNode(ctx, id); err != nil {
		return nil, err
	}

	depth := opts.MaxDepth
	if depth <= 0 || depth > maxTraversalDepth {
		depth = maxTraversalDepth
	}
	dir := opts.Direction
	if dir == "" {
		dir = storage.DirectionBoth
	}
	allowed := map[types.EdgeType]bool{}
	for _, t := range opts.EdgeTypes {
		allowed[t] = true
	}

	visited := map[string]bool{id: true}
	seenEdge := map[string]bool{}
	frontier := []string{id}
	result := &storage.Traversal{}

	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, cur := range frontier {
			edges, err := s.GetEdges(ctx, cur, dir)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if len(allowed) > 0 && !allowed[e.Type] {
					continue
				}

				var neighbor string
				var crossed storage.Direction
				switch {
				case e.Source == cur && (dir == storage.DirectionOut || dir == storage.DirectionBoth):
					neighbor, crossed = e.Target, storage.DirectionOut
				case e.Target == cur && (dir == storage.DirectionIn || dir == storage.DirectionBoth):
					neighbor, crossed = e.Source, storage.DirectionIn
				default:
					continue
				}

				if !seenEdge[e.ID] {
					seenEdge[e.ID] = true
					result.Edges = append(result.Edges, storage.TraversalEdge{Edge: e, Direction: crossed})
				}
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true
				node, err := s.GetNode(ctx, neighbor)
				if err != nil {
					if err == storage.ErrNotFound {
						continue
					}
					return nil, err
				}
				result.Nodes = append(result.Nodes, node)
				next = append(next, neighbor)
			}
		}
		frontier = next
	}
	return result, nil
}

// FindPath returns the shortest directed edge path from one node to
// another within maxDepth hops, or nil when none exists.
func (s *Store) FindPath(ctx context.Context, from, to string, maxDepth int) ([]*types.Edge, error) {
	if maxDepth <= 0 || maxDepth > maxTraversalDepth {
		maxDepth = maxTraversalDepth
	}
	if from == to {
		return []*types.Edge{}, nil
	}

	type step struct {
		node string
		via  *types.Edge
		prev *step
	}

	visited := map[string]bool{from: true}
	frontier := []*step{{node: from}}

	for d := 0; d < maxDepth && len(frontier) > 0; d++ {
		var next []*step
		for _, cur := range frontier {
			edges, err := s.GetEdges(ctx, cur.node, storage.DirectionOut)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if visited[e.Target] {
					continue
				}
				visited[e.Target] = true
				st := &step{node: e.Target, via: e, prev: cur}
				if e.Target == to {
					// Unwind into source-to-target order.
					var path []*types.Edge
					for at := st; at.via != nil; at = at.prev {
						path = append([]*types.Edge{at.via}, path...)
					}
					return path, nil
				}
				next = append(next, st)
			}
		}
		frontier = next
	}
	return nil, nil
}
