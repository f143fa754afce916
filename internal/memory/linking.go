package memory

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/stellarlinkco/mindgraph/internal/graph"
)

// link wires one persisted claim into the association graph. It finds the
// nearest neighbor facts, loads every claim owned by those facts in one
// batch, and reinforces an edge between the claim's owning utterance and
// each distinct neighbor utterance. Re-derived claims take this path too,
// so repetition keeps strengthening existing edges. Edge upserts fan out
// concurrently since the graph store serializes internally.
func (x *Extractor) link(ctx context.Context, claim Claim, factText string) error {
	// One extra neighbor because the fact itself is usually the top hit.
	matches, err := x.engine.SimilarFacts(ctx, factText, x.neighborCount+1)
	if err != nil {
		return fmt.Errorf("link %s: %w", claim.ID, err)
	}

	neighborIDs := make([]string, 0, len(matches))
	similarity := make(map[string]float64, len(matches))
	for _, m := range matches {
		if m.ID == claim.FactID {
			continue
		}
		sim := 1.0 - m.Distance
		if sim < x.associativeMin {
			continue
		}
		neighborIDs = append(neighborIDs, m.ID)
		similarity[m.ID] = sim
	}
	if len(neighborIDs) == 0 {
		return nil
	}

	claimsByFact, err := x.engine.ClaimsByFactIDs(neighborIDs)
	if err != nil {
		return fmt.Errorf("link %s: %w", claim.ID, err)
	}

	meta := graph.ClaimMeta{Importance: claim.Importance, Confidence: claim.Confidence}

	var wg sync.WaitGroup
	linked := 0
	for neighborFactID, claims := range claimsByFact {
		sim := similarity[neighborFactID]
		seen := make(map[string]bool, len(claims))
		for _, other := range claims {
			if other.UtteranceID == claim.UtteranceID || seen[other.UtteranceID] {
				continue
			}
			seen[other.UtteranceID] = true
			linked++

			wg.Add(1)
			go func(other Claim, sim float64) {
				defer wg.Done()
				otherMeta := graph.ClaimMeta{Importance: other.Importance, Confidence: other.Confidence}
				if err := x.graph.UpsertEdge(claim.UtteranceID, other.UtteranceID, sim, meta, otherMeta); err != nil {
					log.Printf("[extract] edge %s <-> %s: %v", claim.UtteranceID, other.UtteranceID, err)
				}
			}(other, sim)
		}
	}
	wg.Wait()

	if linked > 0 {
		log.Printf("[extract] claim %s linked to %d utterances", claim.ID, linked)
	}
	return nil
}
