package workflow

import (
	"errors"
	"fmt"
)

// ErrGraphValidation marks a malformed workflow definition. It always
// surfaces before any node starts.
var ErrGraphValidation = errors.New("workflow: invalid graph")

// NodeBuilder constructs a node implementation from its declaration. The
// node registry maps properties.type strings to builders.
type NodeBuilder func(def NodeDef) (Node, error)

// Graph is a validated, fully wired node set ready to run.
type Graph struct {
	nodes map[int]Node
	order []Node // topological
}

// Nodes returns the node set in topological order.
func (g *Graph) Nodes() []Node { return g.order }

func (g *Graph) Node(id int) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// BuildGraph instantiates every declared node through the registry, wires a
// bounded pipe per link, and validates the result: unknown node types,
// duplicate ids, dangling link endpoints, slot range and type mismatches,
// double-connected inputs and cycles all fail here.
func BuildGraph(def *Definition, registry map[string]NodeBuilder, capacity int) (*Graph, error) {
	if def == nil || len(def.Nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrGraphValidation)
	}

	nodes := make(map[int]Node, len(def.Nodes))
	for _, nd := range def.Nodes {
		if _, dup := nodes[nd.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %d", ErrGraphValidation, nd.ID)
		}
		build, ok := registry[nd.Properties.Type]
		if !ok {
			return nil, fmt.Errorf("%w: unknown node type %q (node %d)", ErrGraphValidation, nd.Properties.Type, nd.ID)
		}
		node, err := build(nd)
		if err != nil {
			return nil, fmt.Errorf("%w: node %d: %v", ErrGraphValidation, nd.ID, err)
		}
		nodes[nd.ID] = node
	}

	adjacency := make(map[int][]int, len(nodes))
	indegree := make(map[int]int, len(nodes))
	for id := range nodes {
		indegree[id] = 0
	}

	for _, link := range def.Links {
		origin, ok := nodes[link.Origin]
		if !ok {
			return nil, fmt.Errorf("%w: link %d origin node %d not found", ErrGraphValidation, link.ID, link.Origin)
		}
		target, ok := nodes[link.Target]
		if !ok {
			return nil, fmt.Errorf("%w: link %d target node %d not found", ErrGraphValidation, link.ID, link.Target)
		}
		portType, err := ParsePortType(link.Type)
		if err != nil {
			return nil, fmt.Errorf("link %d: %w", link.ID, err)
		}
		pipe := newPipe(portType, capacity)
		if err := origin.Ports().bindOutput(link.OriginSlot, pipe); err != nil {
			return nil, fmt.Errorf("link %d origin node %d: %w", link.ID, link.Origin, err)
		}
		if err := target.Ports().bindInput(link.TargetSlot, pipe); err != nil {
			return nil, fmt.Errorf("link %d target node %d: %w", link.ID, link.Target, err)
		}
		adjacency[link.Origin] = append(adjacency[link.Origin], link.Target)
		indegree[link.Target]++
	}

	order, err := topoSort(nodes, adjacency, indegree)
	if err != nil {
		return nil, err
	}
	return &Graph{nodes: nodes, order: order}, nil
}

// topoSort is Kahn's algorithm; leftover nodes mean a cycle. Feedback edges
// are not supported, so every cycle is a defect.
func topoSort(nodes map[int]Node, adjacency map[int][]int, indegree map[int]int) ([]Node, error) {
	queue := make([]int, 0, len(nodes))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]Node, 0, len(nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, nodes[id])
		for _, next := range adjacency[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(nodes) {
		var stuck []int
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, fmt.Errorf("%w: cycle through nodes %v", ErrGraphValidation, stuck)
	}
	return order, nil
}
