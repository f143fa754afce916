package reflection

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/mindgraph/internal/config"
	"github.com/stellarlinkco/mindgraph/internal/graph"
)

// Scheduler drives the periodic maintenance jobs: reflection cycles, graph
// decay ticks, and graph snapshots. Jobs never overlap themselves; cron
// entries are registered once at start.
type Scheduler struct {
	engine *Engine
	graph  *graph.Graph

	reflectEvery  time.Duration
	decayEvery    time.Duration
	snapshotEvery time.Duration

	cron   *rcron.Cron
	mu     sync.Mutex
	cancel context.CancelFunc

	reflecting sync.Mutex
}

func NewScheduler(engine *Engine, g *graph.Graph, cfg *config.Config) (*Scheduler, error) {
	reflectEvery, err := time.ParseDuration(cfg.Reflection.Interval)
	if err != nil {
		return nil, fmt.Errorf("parse reflection interval: %w", err)
	}
	decayEvery, err := time.ParseDuration(cfg.Graph.DecayInterval)
	if err != nil {
		return nil, fmt.Errorf("parse decay interval: %w", err)
	}
	snapshotEvery, err := time.ParseDuration(cfg.Graph.SnapshotInterval)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot interval: %w", err)
	}

	return &Scheduler{
		engine:        engine,
		graph:         g,
		reflectEvery:  reflectEvery,
		decayEvery:    decayEvery,
		snapshotEvery: snapshotEvery,
	}, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.cron = rcron.New()
	s.mu.Unlock()

	jobs := []struct {
		name  string
		every time.Duration
		run   func()
	}{
		{"reflection", s.reflectEvery, func() { s.runReflection(runCtx) }},
		{"decay", s.decayEvery, func() { s.graph.DecayTick() }},
		{"snapshot", s.snapshotEvery, func() { s.saveSnapshot() }},
	}
	for _, job := range jobs {
		expr := "@every " + job.every.String()
		if _, err := s.cron.AddFunc(expr, job.run); err != nil {
			cancel()
			return fmt.Errorf("register %s job (%s): %w", job.name, expr, err)
		}
	}

	s.cron.Start()
	log.Printf("[scheduler] started (reflection=%s decay=%s snapshot=%s)", s.reflectEvery, s.decayEvery, s.snapshotEvery)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) runReflection(ctx context.Context) {
	// Skip the tick entirely if the previous cycle is still running.
	if !s.reflecting.TryLock() {
		log.Printf("[scheduler] reflection cycle still running, skipping tick")
		return
	}
	defer s.reflecting.Unlock()

	result := s.engine.RunCycle(ctx)
	if result.Outcome == OutcomeAborted {
		log.Printf("[scheduler] reflection aborted: %s", result.Reason)
	}
}

func (s *Scheduler) saveSnapshot() {
	if err := s.graph.SnapshotSave(); err != nil {
		log.Printf("[scheduler] snapshot save failed: %v", err)
	}
}

// Stop halts the cron loop, waits for running jobs, and takes one final
// snapshot so a clean shutdown never loses graph state.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	cron := s.cron
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	if cron != nil {
		stopCtx := cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(10 * time.Second):
			log.Printf("[scheduler] stop timeout waiting for running jobs")
		}
	}

	s.saveSnapshot()
	log.Printf("[scheduler] stopped")
}
