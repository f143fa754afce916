package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/stellarlinkco/mindgraph/internal/graph"
)

const extractionPrompt = `You are a claim extraction engine. Decompose the framed utterance into atomic claims.

Rules:
1. Each claim has exactly one agent, one mental-action verb, and one bare fact
2. agent is "self" when the speaker holds the stance, "other" otherwise
3. verb is a third-person singular mental action (believes, wants, fears, recalls, ...)
4. fact is a self-contained proposition with no unresolved pronouns
5. sentiment is a short list of affect words, may be empty
6. importance and confidence are integers in [1, 10]

Utterance:
%s`

// claimSchema constrains the extraction model's structured output.
var claimSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"claims": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"agent":      {"type": "string", "enum": ["self", "other"]},
					"verb":       {"type": "string"},
					"fact":       {"type": "string"},
					"sentiment":  {"type": "array", "items": {"type": "string"}},
					"importance": {"type": "integer"},
					"confidence": {"type": "integer"}
				},
				"required": ["agent", "verb", "fact", "sentiment", "importance", "confidence"],
				"additionalProperties": false
			}
		}
	},
	"required": ["claims"],
	"additionalProperties": false
}`)

// Extractor runs the claim pipeline: frame the utterance by speaker role,
// ask the model for atomic claims, persist them, then link each new claim
// into the association graph.
//
// The model handle is created lazily and dropped after any model failure,
// so a bad connection does not poison later extractions.
type Extractor struct {
	engine *Engine
	graph  *graph.Graph

	neighborCount  int
	associativeMin float64

	factory func() StructuredModel
	mu      sync.Mutex
	model   StructuredModel
}

func NewExtractor(engine *Engine, g *graph.Graph, factory func() StructuredModel, neighborCount int, associativeMin float64) *Extractor {
	if neighborCount <= 0 {
		neighborCount = 10
	}
	return &Extractor{
		engine:         engine,
		graph:          g,
		neighborCount:  neighborCount,
		associativeMin: associativeMin,
		factory:        factory,
	}
}

func (x *Extractor) handle() StructuredModel {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.model == nil {
		x.model = x.factory()
	}
	return x.model
}

// Reset drops the cached model handle so the next extraction rebuilds it.
func (x *Extractor) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.model = nil
}

// Process extracts claims for a stored utterance and links them. A model or
// parse failure aborts the whole pipeline for this utterance; the utterance
// itself stays in the store and can be re-processed later.
func (x *Extractor) Process(ctx context.Context, utteranceID string) ([]string, error) {
	u, ok := x.engine.GetUtterance(utteranceID)
	if !ok {
		return nil, fmt.Errorf("process %s: utterance not found", utteranceID)
	}

	prompt := fmt.Sprintf(extractionPrompt, frameUtterance(u.Role, u.Text))
	raw, err := x.handle().CompleteStructured(ctx, prompt, "claim_batch", claimSchema)
	if err != nil {
		x.Reset()
		return nil, fmt.Errorf("process %s: %w", utteranceID, err)
	}

	var batch claimBatch
	if err := json.Unmarshal([]byte(raw), &batch); err != nil {
		x.Reset()
		return nil, fmt.Errorf("process %s: parse claims: %w", utteranceID, err)
	}

	var claimIDs []string
	for _, cand := range batch.Claims {
		cand.Fact = strings.TrimSpace(cand.Fact)
		cand.Verb = strings.TrimSpace(cand.Verb)
		if cand.Fact == "" || cand.Verb == "" {
			log.Printf("[extract] %s: dropping claim with empty fact or verb", utteranceID)
			continue
		}
		if cand.Agent != AgentSelf {
			cand.Agent = AgentOther
		}

		factID, _, err := x.engine.GetOrCreateFact(ctx, cand.Fact)
		if err != nil {
			return claimIDs, fmt.Errorf("process %s: %w", utteranceID, err)
		}
		modalityID, _, err := x.engine.GetOrCreateModality(ctx, cand.Verb)
		if err != nil {
			return claimIDs, fmt.Errorf("process %s: %w", utteranceID, err)
		}
		claimID, _, err := x.engine.GetOrCreateClaim(ctx, cand, utteranceID, factID, modalityID)
		if err != nil {
			return claimIDs, fmt.Errorf("process %s: %w", utteranceID, err)
		}
		claimIDs = append(claimIDs, claimID)

		// Every surviving claim links, re-derived ones included, so the
		// edges of the claim's owning utterance keep reinforcing.
		claim, ok := x.engine.GetClaim(claimID)
		if !ok {
			log.Printf("[extract] %s: claim %s not readable for linking", utteranceID, claimID)
			continue
		}
		if err := x.link(ctx, claim, cand.Fact); err != nil {
			// Linking is best-effort: the claim is already durable.
			log.Printf("[extract] %s: %v", utteranceID, err)
		}
	}

	log.Printf("[extract] %s: %d claims", utteranceID, len(claimIDs))
	return claimIDs, nil
}

// frameUtterance prefixes the raw text with the speaker's perspective so
// the model resolves "I"/"you" correctly.
func frameUtterance(role, text string) string {
	switch role {
	case RoleUser:
		return fmt.Sprintf("The user said: %q", text)
	case RoleAgent:
		return fmt.Sprintf("I said: %q", text)
	case RoleInternal:
		return fmt.Sprintf("I thought: %q", text)
	default:
		return fmt.Sprintf("Someone said: %q", text)
	}
}
