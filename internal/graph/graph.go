package graph

import (
	"github.com/corvid-labs/flume/pkg/schema"
)

// Graph is the in-memory adjacency view of a pipeline definition, used by the
// engine to walk nodes and by the validator for reachability analysis.
type Graph struct {
	Nodes    map[string]*schema.Node // node ID -> definition
	Out      map[string][]schema.Edge
	In       map[string][]schema.Edge
	Triggers []string // trigger node IDs in definition order
}

// Build constructs a Graph from a definition, checking only referential
// soundness (duplicate node IDs, edges pointing at unknown nodes). Full
// validation is the Validator's job; Build is the minimum the engine needs
// to walk a definition that has already been validated.
func Build(def *schema.PipelineDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline has no nodes")
	}

	g := &Graph{
		Nodes: make(map[string]*schema.Node, len(def.Nodes)),
		Out:   make(map[string][]schema.Edge),
		In:    make(map[string][]schema.Edge),
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", node.ID)
		}
		if !schema.ValidNodeTypes[node.Type] {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType, "node %s has unknown type: %s", node.ID, node.Type).WithNode(node.ID)
		}
		g.Nodes[node.ID] = node
		if node.Type == schema.NodeTrigger {
			g.Triggers = append(g.Triggers, node.ID)
		}
	}

	for i, e := range def.Edges {
		if _, ok := g.Nodes[e.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge at index %d references non-existent source node: %s", i, e.Source)
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge at index %d references non-existent target node: %s", i, e.Target)
		}
		g.Out[e.Source] = append(g.Out[e.Source], e)
		g.In[e.Target] = append(g.In[e.Target], e)
	}

	return g, nil
}

// Entry resolves the node an execution starts at. With an explicit startNode
// it must exist in the graph; otherwise the unique trigger node is used.
func (g *Graph) Entry(startNode string) (string, error) {
	if startNode != "" {
		if _, ok := g.Nodes[startNode]; !ok {
			return "", schema.NewErrorf(schema.ErrCodeNotFound, "start node %q not found", startNode)
		}
		return startNode, nil
	}
	switch len(g.Triggers) {
	case 0:
		return "", schema.NewError(schema.ErrCodeValidation, "pipeline has no trigger node and no start node was given")
	case 1:
		return g.Triggers[0], nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"pipeline has %d trigger nodes; a start node is required", len(g.Triggers))
	}
}

// Next returns the target of the single outgoing edge of nodeID.
// ok is false when the node has no outgoing edge (end of the pipeline).
func (g *Graph) Next(nodeID string) (string, bool) {
	edges := g.Out[nodeID]
	if len(edges) == 0 {
		return "", false
	}
	return edges[0].Target, true
}

// Branch returns the target of the outgoing edge whose handle matches the
// boolean result of a condition node. Edges are matched on SourceHandle
// first, then Label. ok is false when no edge matches.
func (g *Graph) Branch(nodeID string, result bool) (string, bool) {
	want := "false"
	if result {
		want = "true"
	}
	for _, e := range g.Out[nodeID] {
		if branchHandle(e) == want {
			return e.Target, true
		}
	}
	return "", false
}

// branchHandle returns the branch label of an edge, preferring SourceHandle
// over Label.
func branchHandle(e schema.Edge) string {
	if e.SourceHandle != "" {
		return e.SourceHandle
	}
	return e.Label
}
