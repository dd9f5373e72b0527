// Package graph computes the association edges between migrated entities and
// turns them into array-of-ids columns.
package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ha1tch/storysync/pkg/models"
)

// Node identifies one target row
type Node struct {
	Type models.EntityType
	ID   int64
}

func (n Node) String() string {
	return fmt.Sprintf("%s:%d", n.Type, n.ID)
}

// IndexedGraph is an undirected graph of entity rows with a per-type index.
// Every edge is stored on both endpoints.
type IndexedGraph struct {
	adjacency map[Node]map[Node]struct{}
	index     map[models.EntityType]map[int64]struct{}
	mu        sync.RWMutex
}

// NewIndexedGraph creates an empty graph
func NewIndexedGraph() *IndexedGraph {
	return &IndexedGraph{
		adjacency: make(map[Node]map[Node]struct{}),
		index:     make(map[models.EntityType]map[int64]struct{}),
	}
}

// AddNode adds a node to the graph
func (g *IndexedGraph) AddNode(n Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addNodeLocked(n)
}

func (g *IndexedGraph) addNodeLocked(n Node) {
	if _, exists := g.adjacency[n]; exists {
		return
	}
	g.adjacency[n] = make(map[Node]struct{})
	if g.index[n.Type] == nil {
		g.index[n.Type] = make(map[int64]struct{})
	}
	g.index[n.Type][n.ID] = struct{}{}
}

// AddEdge links two nodes in both directions. Self edges and edges between
// types without an association column are rejected.
func (g *IndexedGraph) AddEdge(a, b Node) error {
	if a == b {
		return fmt.Errorf("self edge on %s", a)
	}
	if _, ok := ColumnFor(a.Type, b.Type); !ok {
		if _, ok := ColumnFor(b.Type, a.Type); !ok {
			return fmt.Errorf("no association between %s and %s", a.Type, b.Type)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.addNodeLocked(a)
	g.addNodeLocked(b)
	g.adjacency[a][b] = struct{}{}
	g.adjacency[b][a] = struct{}{}
	return nil
}

// HasEdge reports whether a and b are linked
func (g *IndexedGraph) HasEdge(a, b Node) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.adjacency[a][b]
	return ok
}

// Neighbors returns the ids of n's neighbors of type t, sorted
func (g *IndexedGraph) Neighbors(n Node, t models.EntityType) []int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]int64, 0)
	for other := range g.adjacency[n] {
		if other.Type == t {
			ids = append(ids, other.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Nodes returns the ids of all nodes of a type, sorted
func (g *IndexedGraph) Nodes(t models.EntityType) []int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]int64, 0, len(g.index[t]))
	for id := range g.index[t] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Links renders n's edges as association columns. Every association column
// of n's table is present, empty when n has no neighbor of that type.
func (g *IndexedGraph) Links(n Node) map[string][]int64 {
	schema, ok := models.SchemaFor(n.Type)
	if !ok {
		return nil
	}
	out := make(map[string][]int64, len(schema.Associations))
	for _, a := range schema.Associations {
		out[a.Column] = g.Neighbors(n, a.Target)
	}
	return out
}

// Degree returns the number of edges on n
func (g *IndexedGraph) Degree(n Node) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.adjacency[n])
}

// NodeCount returns the number of nodes in the graph
func (g *IndexedGraph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.adjacency)
}

// EdgeCount returns the number of undirected edges in the graph
func (g *IndexedGraph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	count := 0
	for _, neighbors := range g.adjacency {
		count += len(neighbors)
	}
	return count / 2
}

// FindPath finds a shortest path between two nodes using BFS. Neighbors are
// visited in a fixed order so the result is stable.
func (g *IndexedGraph) FindPath(from, to Node, maxDepth int) ([]Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, exists := g.adjacency[from]; !exists {
		return nil, fmt.Errorf("node %s not found", from)
	}
	if _, exists := g.adjacency[to]; !exists {
		return nil, fmt.Errorf("node %s not found", to)
	}

	queue := [][]Node{{from}}
	visited := map[Node]bool{from: true}

	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]

		current := path[len(path)-1]
		if current == to {
			return path, nil
		}
		if len(path) > maxDepth {
			continue
		}

		for _, neighbor := range sortedNodes(g.adjacency[current]) {
			if !visited[neighbor] {
				visited[neighbor] = true
				newPath := make([]Node, len(path), len(path)+1)
				copy(newPath, path)
				queue = append(queue, append(newPath, neighbor))
			}
		}
	}

	return nil, fmt.Errorf("no path found")
}

func sortedNodes(set map[Node]struct{}) []Node {
	out := make([]Node, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ColumnFor returns the association column on from's table that holds ids of to
func ColumnFor(from, to models.EntityType) (string, bool) {
	schema, ok := models.SchemaFor(from)
	if !ok {
		return "", false
	}
	for _, a := range schema.Associations {
		if a.Target == to {
			return a.Column, true
		}
	}
	return "", false
}
