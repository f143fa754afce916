// Package graph holds the in-memory association graph between utterances
// and its durable snapshot. All mutation goes through an exclusive lock;
// nothing in this package talks to external services.
package graph

import (
	"fmt"
	"log"
	"sync"
)

const (
	EdgeAssociative = "associative"
	EdgeStructural  = "structural"
)

// Node mirrors one canonical utterance.
type Node struct {
	Role      string  `json:"role"`
	Timestamp float64 `json:"timestamp"`
}

// Edge is an undirected weighted link between two utterances.
type Edge struct {
	Type             string  `json:"type"`
	CumulativeWeight float64 `json:"cumulative_weight"`
	MaxSimilarity    float64 `json:"max_similarity"`
	SharedClaims     int     `json:"shared_claims_count"`
}

// ClaimMeta carries the claim scores that weight an edge.
type ClaimMeta struct {
	Importance int
	Confidence int
}

type edgeKey struct {
	A string
	B string
}

func keyFor(a, b string) edgeKey {
	if b < a {
		a, b = b, a
	}
	return edgeKey{A: a, B: b}
}

// Options are the tunables consumed by UpsertEdge and DecayTick.
type Options struct {
	StructuralMin float64
	DecayFactor   float64
	DecayFloor    float64
}

// Graph is the association graph store. Safe for concurrent use.
type Graph struct {
	mu    sync.Mutex
	nodes map[string]Node
	edges map[edgeKey]*Edge

	path string
	opts Options
}

func New(path string, opts Options) *Graph {
	return &Graph{
		nodes: make(map[string]Node),
		edges: make(map[edgeKey]*Edge),
		path:  path,
		opts:  opts,
	}
}

// EnsureNode adds a node if absent, otherwise refreshes its attributes.
func (g *Graph) EnsureNode(id string, node Node) {
	if id == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[id] = node
}

// UpsertEdge creates or reinforces the edge between two utterances.
// The weight contribution combines the similarity of the linking facts with
// the importance and confidence of the two claims that produced the link.
// An edge upgrades from associative to structural and never downgrades.
func (g *Graph) UpsertEdge(a, b string, similarity float64, metaA, metaB ClaimMeta) error {
	if a == "" || b == "" {
		return fmt.Errorf("upsert edge: empty node id")
	}
	if a == b {
		// Self-loops carry no association information.
		return nil
	}

	impA := clampScore(metaA.Importance)
	confA := clampScore(metaA.Confidence)
	impB := clampScore(metaB.Importance)
	confB := clampScore(metaB.Confidence)

	// importance and confidence are 1-10, so each product caps at 100.
	weightModifier := float64(impA*confA+impB*confB) / 200.0
	weight := similarity * weightModifier

	linkType := EdgeAssociative
	if similarity >= g.opts.StructuralMin {
		linkType = EdgeStructural
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := keyFor(a, b)
	if edge, ok := g.edges[key]; ok {
		edge.CumulativeWeight += weight
		edge.SharedClaims++
		if similarity > edge.MaxSimilarity {
			edge.MaxSimilarity = similarity
		}
		if linkType == EdgeStructural && edge.Type == EdgeAssociative {
			edge.Type = EdgeStructural
		}
		return nil
	}

	g.edges[key] = &Edge{
		Type:             linkType,
		CumulativeWeight: weight,
		MaxSimilarity:    similarity,
		SharedClaims:     1,
	}
	return nil
}

// DecayTick multiplies every edge weight by the decay factor and prunes
// edges that fall under the floor. Nodes are never removed.
func (g *Graph) DecayTick() (pruned int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for key, edge := range g.edges {
		edge.CumulativeWeight *= g.opts.DecayFactor
		if edge.CumulativeWeight < g.opts.DecayFloor {
			delete(g.edges, key)
			pruned++
		}
	}
	if pruned > 0 {
		log.Printf("[graph] decay tick pruned %d edges, %d remain", pruned, len(g.edges))
	}
	return pruned
}

// EdgeBetween returns a copy of the edge between two nodes, if present.
func (g *Graph) EdgeBetween(a, b string) (Edge, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	edge, ok := g.edges[keyFor(a, b)]
	if !ok {
		return Edge{}, false
	}
	return *edge, true
}

// HasNode reports whether a node exists.
func (g *Graph) HasNode(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.nodes[id]
	return ok
}

// Stats is a compact counters snapshot used by status reporting.
type Stats struct {
	Nodes       int
	Edges       int
	Structural  int
	Associative int
	TotalWeight float64
}

func (g *Graph) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Stats{Nodes: len(g.nodes), Edges: len(g.edges)}
	for _, edge := range g.edges {
		s.TotalWeight += edge.CumulativeWeight
		if edge.Type == EdgeStructural {
			s.Structural++
		} else {
			s.Associative++
		}
	}
	return s
}

func clampScore(v int) int {
	// Model output is expected in 1-10 but is not trusted to stay there.
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}
