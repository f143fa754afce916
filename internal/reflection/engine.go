// Package reflection is the background consolidation loop: sample a hot
// memory, pull its semantic neighborhood, synthesize one insight, feed the
// insight back through the claim pipeline, and cool the cluster down.
package reflection

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"

	"github.com/stellarlinkco/mindgraph/internal/memory"
)

const synthesisPrompt = `You are reflecting on a cluster of related memories. Write ONE concise
insight that connects them: a pattern, a contradiction, or a conclusion the
memories support together. Write it as a single first-person paragraph.
Do not enumerate the memories back.

Memories:
%s`

// Cycle outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeAborted   = "aborted"
)

// CycleResult records how one reflection cycle ended.
type CycleResult struct {
	Outcome     string
	SeedID      string
	ClusterSize int
	InsightID   string
	Reason      string
}

// Engine runs reflection cycles against the canonical store. A backup model
// takes over synthesis when the primary fails.
type Engine struct {
	store     *memory.Engine
	extractor *memory.Extractor
	primary   memory.TextModel
	backup    memory.TextModel

	minHeat     int
	clusterSize int
}

func New(store *memory.Engine, extractor *memory.Extractor, primary, backup memory.TextModel, minHeat, clusterSize int) *Engine {
	if clusterSize <= 0 {
		clusterSize = 5
	}
	return &Engine{
		store:       store,
		extractor:   extractor,
		primary:     primary,
		backup:      backup,
		minHeat:     minHeat,
		clusterSize: clusterSize,
	}
}

// RunCycle executes one full cycle. It never panics the caller: a panic
// anywhere inside is recovered and reported as an aborted cycle.
func (e *Engine) RunCycle(ctx context.Context) (result CycleResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[reflect] cycle panic: %v", r)
			result = CycleResult{Outcome: OutcomeAborted, Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()

	log.Printf("[reflect] cycle start: seeding (min heat %d)", e.minHeat)
	seed, ok := e.store.SampleWeightedSeed(e.minHeat)
	if !ok {
		log.Printf("[reflect] no record hot enough, skipping cycle")
		return CycleResult{Outcome: OutcomeSkipped, Reason: "no hot records"}
	}

	log.Printf("[reflect] seeding -> clustering: seed %s (heat=%d)", seed.ID, seed.Heat)
	cluster := e.store.SemanticCluster(ctx, seed.Text, e.clusterSize)
	if len(cluster) < 2 {
		log.Printf("[reflect] cluster around %s too small (%d), skipping cycle", seed.ID, len(cluster))
		return CycleResult{Outcome: OutcomeSkipped, SeedID: seed.ID, ClusterSize: len(cluster), Reason: "cluster too small"}
	}

	log.Printf("[reflect] clustering -> synthesizing: %d memories", len(cluster))
	insight, err := e.synthesize(ctx, cluster)
	if err != nil {
		log.Printf("[reflect] synthesis failed, aborting cycle: %v", err)
		return CycleResult{Outcome: OutcomeAborted, SeedID: seed.ID, ClusterSize: len(cluster), Reason: err.Error()}
	}

	log.Printf("[reflect] synthesizing -> persisting")
	heat := medianHeat(cluster)
	insightID, created, err := e.store.IngestUtterance(ctx, insight, memory.RoleInternal, heat)
	if err != nil {
		log.Printf("[reflect] persist failed, aborting cycle: %v", err)
		return CycleResult{Outcome: OutcomeAborted, SeedID: seed.ID, ClusterSize: len(cluster), Reason: err.Error()}
	}
	if created && e.extractor != nil {
		if _, err := e.extractor.Process(ctx, insightID); err != nil {
			// The insight is stored; claim extraction can be retried later.
			log.Printf("[reflect] insight %s extraction failed: %v", insightID, err)
		}
	}

	log.Printf("[reflect] persisting -> cooling")
	ids := make([]string, 0, len(cluster))
	for _, u := range cluster {
		ids = append(ids, u.ID)
	}
	if err := e.store.Cooldown(ids); err != nil {
		log.Printf("[reflect] cooldown failed: %v", err)
	}

	log.Printf("[reflect] cycle completed: insight %s (heat=%d) from %d memories", insightID, heat, len(cluster))
	return CycleResult{Outcome: OutcomeCompleted, SeedID: seed.ID, ClusterSize: len(cluster), InsightID: insightID}
}

// synthesize asks the primary model for an insight and falls back to the
// backup model on failure.
func (e *Engine) synthesize(ctx context.Context, cluster []memory.Utterance) (string, error) {
	var b strings.Builder
	for i, u := range cluster {
		fmt.Fprintf(&b, "%d. [%s, heat %d] %s\n", i+1, u.Role, u.Heat, u.Text)
	}
	prompt := fmt.Sprintf(synthesisPrompt, b.String())

	insight, err := e.primary.Complete(ctx, prompt)
	if err == nil {
		if insight = strings.TrimSpace(insight); insight != "" {
			return insight, nil
		}
		err = fmt.Errorf("empty insight from primary model")
	}
	if e.backup == nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}

	log.Printf("[reflect] primary model failed (%v), trying backup", err)
	insight, backupErr := e.backup.Complete(ctx, prompt)
	if backupErr != nil {
		return "", fmt.Errorf("synthesize: primary: %v; backup: %w", err, backupErr)
	}
	if insight = strings.TrimSpace(insight); insight == "" {
		return "", fmt.Errorf("synthesize: empty insight from backup model")
	}
	return insight, nil
}

// medianHeat rounds the median heat of the cluster; the insight inherits it
// so fresh insights compete fairly for future reflection.
func medianHeat(cluster []memory.Utterance) int {
	heats := make([]int, len(cluster))
	for i, u := range cluster {
		heats[i] = u.Heat
	}
	sort.Ints(heats)

	n := len(heats)
	if n%2 == 1 {
		return heats[n/2]
	}
	mid := float64(heats[n/2-1]+heats[n/2]) / 2.0
	return int(math.Round(mid))
}
