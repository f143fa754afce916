package graph

import (
	"math"
	"testing"
)

func testOptions() Options {
	return Options{
		StructuralMin: 0.85,
		DecayFactor:   0.5,
		DecayFloor:    0.01,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestUpsertEdgeWeight(t *testing.T) {
	g := New("", testOptions())
	g.EnsureNode("a", Node{Role: "user"})
	g.EnsureNode("b", Node{Role: "agent"})

	metaA := ClaimMeta{Importance: 8, Confidence: 7}
	metaB := ClaimMeta{Importance: 7, Confidence: 9}
	if err := g.UpsertEdge("a", "b", 0.90, metaA, metaB); err != nil {
		t.Fatalf("UpsertEdge error: %v", err)
	}

	edge, ok := g.EdgeBetween("a", "b")
	if !ok {
		t.Fatal("expected edge between a and b")
	}
	// (8*7 + 7*9) / 200 = 0.595, times similarity 0.90
	want := 0.90 * 0.595
	if !almostEqual(edge.CumulativeWeight, want) {
		t.Fatalf("expected weight %v, got %v", want, edge.CumulativeWeight)
	}
	if edge.Type != EdgeStructural {
		t.Fatalf("expected structural edge at similarity 0.90, got %s", edge.Type)
	}
	if edge.SharedClaims != 1 {
		t.Fatalf("expected 1 shared claim, got %d", edge.SharedClaims)
	}
	if !almostEqual(edge.MaxSimilarity, 0.90) {
		t.Fatalf("expected max similarity 0.90, got %v", edge.MaxSimilarity)
	}
}

func TestUpsertEdgeUndirected(t *testing.T) {
	g := New("", testOptions())
	meta := ClaimMeta{Importance: 5, Confidence: 5}

	if err := g.UpsertEdge("a", "b", 0.80, meta, meta); err != nil {
		t.Fatalf("UpsertEdge error: %v", err)
	}
	if err := g.UpsertEdge("b", "a", 0.80, meta, meta); err != nil {
		t.Fatalf("UpsertEdge reversed error: %v", err)
	}

	edge, ok := g.EdgeBetween("a", "b")
	if !ok {
		t.Fatal("expected edge")
	}
	if edge.SharedClaims != 2 {
		t.Fatalf("reversed upsert should reinforce the same edge, got %d shared claims", edge.SharedClaims)
	}
	if g.Stats().Edges != 1 {
		t.Fatalf("expected a single undirected edge, got %d", g.Stats().Edges)
	}
}

func TestUpsertEdgeReinforce(t *testing.T) {
	g := New("", testOptions())
	meta := ClaimMeta{Importance: 10, Confidence: 10}

	if err := g.UpsertEdge("a", "b", 0.80, meta, meta); err != nil {
		t.Fatalf("UpsertEdge error: %v", err)
	}
	if err := g.UpsertEdge("a", "b", 0.79, meta, meta); err != nil {
		t.Fatalf("UpsertEdge second error: %v", err)
	}

	edge, _ := g.EdgeBetween("a", "b")
	want := 0.80 + 0.79 // modifier is 1.0 at max scores
	if !almostEqual(edge.CumulativeWeight, want) {
		t.Fatalf("expected cumulative weight %v, got %v", want, edge.CumulativeWeight)
	}
	if edge.SharedClaims != 2 {
		t.Fatalf("expected 2 shared claims, got %d", edge.SharedClaims)
	}
	if !almostEqual(edge.MaxSimilarity, 0.80) {
		t.Fatalf("max similarity should keep the high-water mark, got %v", edge.MaxSimilarity)
	}
}

func TestEdgeTypeNeverDowngrades(t *testing.T) {
	g := New("", testOptions())
	meta := ClaimMeta{Importance: 5, Confidence: 5}

	// Associative first, then a structural reinforcement upgrades it.
	_ = g.UpsertEdge("a", "b", 0.80, meta, meta)
	if edge, _ := g.EdgeBetween("a", "b"); edge.Type != EdgeAssociative {
		t.Fatalf("expected associative edge, got %s", edge.Type)
	}
	_ = g.UpsertEdge("a", "b", 0.90, meta, meta)
	if edge, _ := g.EdgeBetween("a", "b"); edge.Type != EdgeStructural {
		t.Fatalf("expected upgrade to structural, got %s", edge.Type)
	}

	// A later weak reinforcement must not downgrade it.
	_ = g.UpsertEdge("a", "b", 0.79, meta, meta)
	if edge, _ := g.EdgeBetween("a", "b"); edge.Type != EdgeStructural {
		t.Fatalf("structural edge downgraded to %s", edge.Type)
	}
}

func TestStructuralThresholdBoundary(t *testing.T) {
	g := New("", testOptions())
	meta := ClaimMeta{Importance: 5, Confidence: 5}

	// Exactly at the threshold counts as structural.
	_ = g.UpsertEdge("a", "b", 0.85, meta, meta)
	if edge, _ := g.EdgeBetween("a", "b"); edge.Type != EdgeStructural {
		t.Fatalf("similarity at threshold should be structural, got %s", edge.Type)
	}

	_ = g.UpsertEdge("c", "d", 0.8499, meta, meta)
	if edge, _ := g.EdgeBetween("c", "d"); edge.Type != EdgeAssociative {
		t.Fatalf("similarity just under threshold should be associative, got %s", edge.Type)
	}
}

func TestUpsertEdgeSelfLoop(t *testing.T) {
	g := New("", testOptions())
	meta := ClaimMeta{Importance: 5, Confidence: 5}

	if err := g.UpsertEdge("a", "a", 0.95, meta, meta); err != nil {
		t.Fatalf("self-loop should be a no-op, got error: %v", err)
	}
	if _, ok := g.EdgeBetween("a", "a"); ok {
		t.Fatal("self-loop edge must not be stored")
	}
}

func TestUpsertEdgeEmptyID(t *testing.T) {
	g := New("", testOptions())
	meta := ClaimMeta{Importance: 5, Confidence: 5}
	if err := g.UpsertEdge("", "b", 0.9, meta, meta); err == nil {
		t.Fatal("expected error for empty node id")
	}
}

func TestUpsertEdgeClampsScores(t *testing.T) {
	g := New("", testOptions())

	// Out-of-range scores clamp to [1,10]: (10*1 + 1*10)/200 = 0.1
	_ = g.UpsertEdge("a", "b", 1.0, ClaimMeta{Importance: 99, Confidence: 0}, ClaimMeta{Importance: -3, Confidence: 42})
	edge, _ := g.EdgeBetween("a", "b")
	if !almostEqual(edge.CumulativeWeight, 0.1) {
		t.Fatalf("expected clamped weight 0.1, got %v", edge.CumulativeWeight)
	}
}

func TestDecayTick(t *testing.T) {
	g := New("", Options{StructuralMin: 0.85, DecayFactor: 0.5, DecayFloor: 0.1})
	strong := ClaimMeta{Importance: 10, Confidence: 10}
	weak := ClaimMeta{Importance: 1, Confidence: 1}

	_ = g.UpsertEdge("a", "b", 0.80, strong, strong) // weight 0.80
	_ = g.UpsertEdge("c", "d", 0.80, weak, weak)     // weight 0.008

	pruned := g.DecayTick()
	if pruned != 1 {
		t.Fatalf("expected 1 pruned edge, got %d", pruned)
	}
	if _, ok := g.EdgeBetween("c", "d"); ok {
		t.Fatal("edge below the floor should be pruned")
	}
	edge, ok := g.EdgeBetween("a", "b")
	if !ok {
		t.Fatal("strong edge should survive the decay tick")
	}
	if !almostEqual(edge.CumulativeWeight, 0.40) {
		t.Fatalf("expected decayed weight 0.40, got %v", edge.CumulativeWeight)
	}

	// Nodes are untouched by decay.
	g.EnsureNode("c", Node{})
	if !g.HasNode("c") {
		t.Fatal("decay must not remove nodes")
	}
}

func TestStats(t *testing.T) {
	g := New("", testOptions())
	g.EnsureNode("a", Node{})
	g.EnsureNode("b", Node{})
	g.EnsureNode("c", Node{})
	meta := ClaimMeta{Importance: 10, Confidence: 10}

	_ = g.UpsertEdge("a", "b", 0.90, meta, meta)
	_ = g.UpsertEdge("b", "c", 0.80, meta, meta)

	s := g.Stats()
	if s.Nodes != 3 || s.Edges != 2 {
		t.Fatalf("expected 3 nodes / 2 edges, got %d / %d", s.Nodes, s.Edges)
	}
	if s.Structural != 1 || s.Associative != 1 {
		t.Fatalf("expected 1 structural and 1 associative, got %d / %d", s.Structural, s.Associative)
	}
	if !almostEqual(s.TotalWeight, 0.90+0.80) {
		t.Fatalf("expected total weight 1.70, got %v", s.TotalWeight)
	}
}
