package memory

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stellarlinkco/mindgraph/internal/graph"
	"github.com/stellarlinkco/mindgraph/internal/vector"
)

// fakeIndex is an in-memory vector.Index whose query results are scripted.
type fakeIndex struct {
	mu      sync.Mutex
	recs    map[string]vector.Record
	matches []vector.Match
}

func (f *fakeIndex) Get(ctx context.Context, ids []string) ([]vector.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []vector.Record
	for _, id := range ids {
		if rec, ok := f.recs[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeIndex) Upsert(ctx context.Context, recs []vector.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range recs {
		f.recs[rec.ID] = rec
	}
	return nil
}

func (f *fakeIndex) Update(ctx context.Context, id string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.recs[id]
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]string)
	}
	for k, v := range metadata {
		rec.Metadata[k] = v
	}
	rec.ID = id
	f.recs[id] = rec
	return nil
}

func (f *fakeIndex) Query(ctx context.Context, text string, k int, filter map[string]string) ([]vector.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.matches) > k {
		return f.matches[:k], nil
	}
	return f.matches, nil
}

func (f *fakeIndex) setMatches(matches []vector.Match) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.matches = matches
}

type fakeStore struct {
	mu      sync.Mutex
	indexes map[string]*fakeIndex
}

func newFakeStore() *fakeStore {
	return &fakeStore{indexes: make(map[string]*fakeIndex)}
}

func (s *fakeStore) Collection(name string) (vector.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.indexes[name]; ok {
		return idx, nil
	}
	idx := &fakeIndex{recs: make(map[string]vector.Record)}
	s.indexes[name] = idx
	return idx, nil
}

func (s *fakeStore) index(name string) *fakeIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexes[name]
}

func newTestEngine(t *testing.T) (*Engine, *graph.Graph, *fakeStore) {
	t.Helper()
	g := graph.New("", graph.Options{StructuralMin: 0.85, DecayFactor: 0.995, DecayFloor: 0.01})
	store := newFakeStore()
	e, err := NewEngine(filepath.Join(t.TempDir(), "memory.db"), g, store)
	if err != nil {
		t.Fatalf("NewEngine error: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, g, store
}

func TestIngestUtteranceIdempotent(t *testing.T) {
	e, g, store := newTestEngine(t)
	ctx := context.Background()

	id, created, err := e.IngestUtterance(ctx, "I love hiking", RoleUser, 0)
	if err != nil {
		t.Fatalf("IngestUtterance error: %v", err)
	}
	if !created {
		t.Fatal("first ingest should create")
	}
	if !g.HasNode(id) {
		t.Fatal("ingest should mirror a graph node")
	}
	if rec, ok := store.index(vector.CollectionStream).recs[id]; !ok || rec.Metadata["role"] != RoleUser {
		t.Fatal("ingest should upsert the stream collection with the role")
	}

	again, created, err := e.IngestUtterance(ctx, "I love hiking", RoleUser, 0)
	if err != nil {
		t.Fatalf("repeat ingest error: %v", err)
	}
	if created || again != id {
		t.Fatalf("repeat ingest should return existing id %s untouched, got %s (created=%v)", id, again, created)
	}
}

func TestIngestUtteranceConcurrentDuplicates(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	const workers = 16
	ids := make([]string, workers)
	createds := make([]bool, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], createds[i], errs[i] = e.IngestUtterance(ctx, "same text every time", RoleUser, 0)
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("worker %d got id %s, want %s", i, ids[i], ids[0])
		}
		if createds[i] {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly one creation, got %d", created)
	}

	s, _ := e.Stats()
	if s.Utterances != 1 {
		t.Fatalf("expected a single stored utterance, got %d", s.Utterances)
	}
}

func TestIngestUtteranceEmptyText(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, _, err := e.IngestUtterance(context.Background(), "   ", RoleUser, 0); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestGetUtterancesPreservesOrder(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	a, _, _ := e.IngestUtterance(ctx, "first", RoleUser, 0)
	b, _, _ := e.IngestUtterance(ctx, "second", RoleAgent, 0)

	got := e.GetUtterances([]string{b, "utt_missing", a})
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].ID != b || got[1].ID != a {
		t.Fatalf("expected order [%s %s], got [%s %s]", b, a, got[0].ID, got[1].ID)
	}
}

func TestGetUtteranceMiss(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, ok := e.GetUtterance("utt_nope"); ok {
		t.Fatal("expected miss for unknown id")
	}
}

func TestGetOrCreateFactDedup(t *testing.T) {
	e, _, store := newTestEngine(t)
	ctx := context.Background()

	id, created, err := e.GetOrCreateFact(ctx, "the sky is blue")
	if err != nil || !created {
		t.Fatalf("first fact: created=%v err=%v", created, err)
	}
	if _, ok := store.index(vector.CollectionFacts).recs[id]; !ok {
		t.Fatal("fact should be indexed")
	}

	again, created, err := e.GetOrCreateFact(ctx, "the sky is blue")
	if err != nil || created || again != id {
		t.Fatalf("repeat fact should dedup: id=%s created=%v err=%v", again, created, err)
	}
}

func TestGetOrCreateModalityHydrated(t *testing.T) {
	e, _, store := newTestEngine(t)
	ctx := context.Background()

	id, created, err := e.GetOrCreateModality(ctx, "recalls")
	if err != nil || !created {
		t.Fatalf("modality: created=%v err=%v", created, err)
	}

	var hydrated string
	if err := e.db.QueryRow(`SELECT hydrated FROM modalities WHERE id = ?`, id).Scan(&hydrated); err != nil {
		t.Fatalf("read modality: %v", err)
	}
	if hydrated != "mental action: recalls" {
		t.Fatalf("unexpected hydrated form: %q", hydrated)
	}
	if rec := store.index(vector.CollectionModalities).recs[id]; rec.Text != hydrated {
		t.Fatalf("index should embed the hydrated form, got %q", rec.Text)
	}
}

func TestGetOrCreateClaimDedupAndClamp(t *testing.T) {
	e, _, store := newTestEngine(t)
	ctx := context.Background()

	uttA, _, _ := e.IngestUtterance(ctx, "utterance a", RoleUser, 0)
	uttB, _, _ := e.IngestUtterance(ctx, "utterance b", RoleUser, 0)
	factID, _, _ := e.GetOrCreateFact(ctx, "coffee keeps me awake")
	modID, _, _ := e.GetOrCreateModality(ctx, "believes")

	cand := ClaimCandidate{Agent: AgentSelf, Verb: "believes", Fact: "coffee keeps me awake", Importance: 42, Confidence: -1}
	id, created, err := e.GetOrCreateClaim(ctx, cand, uttA, factID, modID)
	if err != nil || !created {
		t.Fatalf("claim: created=%v err=%v", created, err)
	}

	claim, ok := e.GetClaim(id)
	if !ok {
		t.Fatal("claim not readable")
	}
	if claim.Importance != 10 || claim.Confidence != 1 {
		t.Fatalf("expected clamped scores 10/1, got %d/%d", claim.Importance, claim.Confidence)
	}

	// Same (fact, modality) from another utterance is the same claim.
	again, created, err := e.GetOrCreateClaim(ctx, cand, uttB, factID, modID)
	if err != nil || created || again != id {
		t.Fatalf("claim identity should be (fact, modality): id=%s created=%v err=%v", again, created, err)
	}

	rec := store.index(vector.CollectionClaims).recs[id]
	if rec.Text != "[self] -> [believes] -> ([coffee keeps me awake])" {
		t.Fatalf("unexpected claim document: %q", rec.Text)
	}
	if rec.Metadata["utterance_id"] != uttA || rec.Metadata["fact_id"] != factID {
		t.Fatalf("claim metadata should point at owner: %v", rec.Metadata)
	}
}

func TestClaimsByFactIDs(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	utt, _, _ := e.IngestUtterance(ctx, "some utterance", RoleUser, 0)
	factA, _, _ := e.GetOrCreateFact(ctx, "fact a")
	factB, _, _ := e.GetOrCreateFact(ctx, "fact b")
	modX, _, _ := e.GetOrCreateModality(ctx, "wants")
	modY, _, _ := e.GetOrCreateModality(ctx, "fears")

	_, _, _ = e.GetOrCreateClaim(ctx, ClaimCandidate{Agent: AgentSelf, Verb: "wants", Fact: "fact a", Importance: 5, Confidence: 5}, utt, factA, modX)
	_, _, _ = e.GetOrCreateClaim(ctx, ClaimCandidate{Agent: AgentSelf, Verb: "fears", Fact: "fact a", Importance: 5, Confidence: 5}, utt, factA, modY)
	_, _, _ = e.GetOrCreateClaim(ctx, ClaimCandidate{Agent: AgentOther, Verb: "wants", Fact: "fact b", Importance: 5, Confidence: 5}, utt, factB, modX)

	grouped, err := e.ClaimsByFactIDs([]string{factA, factB, "missing"})
	if err != nil {
		t.Fatalf("ClaimsByFactIDs error: %v", err)
	}
	if len(grouped[factA]) != 2 || len(grouped[factB]) != 1 {
		t.Fatalf("unexpected grouping: %d / %d", len(grouped[factA]), len(grouped[factB]))
	}
	if _, ok := grouped["missing"]; ok {
		t.Fatal("missing fact should have no entry")
	}
}

func TestHeatHitAndCooldown(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	a, _, _ := e.IngestUtterance(ctx, "hot memory", RoleUser, 4)
	b, _, _ := e.IngestUtterance(ctx, "warm memory", RoleUser, 1)
	c, _, _ := e.IngestUtterance(ctx, "cold memory", RoleUser, 0)

	if err := e.RecordHeatHit([]string{a}); err != nil {
		t.Fatalf("RecordHeatHit error: %v", err)
	}
	if u, _ := e.GetUtterance(a); u.Heat != 5 {
		t.Fatalf("expected heat 5 after hit, got %d", u.Heat)
	}

	if err := e.Cooldown([]string{a, b, c}); err != nil {
		t.Fatalf("Cooldown error: %v", err)
	}
	for _, tc := range []struct {
		id   string
		want int
	}{{a, 2}, {b, 0}, {c, 0}} {
		if u, _ := e.GetUtterance(tc.id); u.Heat != tc.want {
			t.Fatalf("cooldown of %s: expected heat %d, got %d", tc.id, tc.want, u.Heat)
		}
	}
}

func TestSampleWeightedSeed(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, ok := e.SampleWeightedSeed(2); ok {
		t.Fatal("empty store should yield no seed")
	}

	_, _, _ = e.IngestUtterance(ctx, "cold", RoleUser, 0)
	if _, ok := e.SampleWeightedSeed(0); ok {
		t.Fatal("min heat below 1 must not select cold records")
	}

	light, _, _ := e.IngestUtterance(ctx, "light", RoleUser, 1)
	heavy, _, _ := e.IngestUtterance(ctx, "heavy", RoleUser, 10)

	// With heats 10 and 1 the heavy record should win about 10x as often.
	// 2200 trials put the light count around 200 with a standard deviation
	// near 14, so a ratio band of [6, 16] leaves several sigmas of slack.
	const trials = 2200
	counts := map[string]int{}
	for i := 0; i < trials; i++ {
		seed, ok := e.SampleWeightedSeed(1)
		if !ok {
			t.Fatal("expected a seed")
		}
		counts[seed.ID]++
	}
	if counts[light] == 0 {
		t.Fatalf("light record never selected in %d trials", trials)
	}
	ratio := float64(counts[heavy]) / float64(counts[light])
	if ratio < 6 || ratio > 16 {
		t.Fatalf("selection ratio should track the 10:1 heat ratio, got %.1f (heavy=%d light=%d)", ratio, counts[heavy], counts[light])
	}

	// Raising the bar excludes the light record entirely.
	seed, ok := e.SampleWeightedSeed(5)
	if !ok || seed.ID != heavy {
		t.Fatalf("expected only the heavy record above min heat 5, got %v (ok=%v)", seed.ID, ok)
	}
}

func TestSearchRecordsHeat(t *testing.T) {
	e, _, store := newTestEngine(t)
	ctx := context.Background()

	a, _, _ := e.IngestUtterance(ctx, "I enjoy trail running", RoleUser, 0)
	b, _, _ := e.IngestUtterance(ctx, "the weather was awful", RoleUser, 0)

	store.index(vector.CollectionStream).setMatches([]vector.Match{
		{ID: a, Distance: 0.1},
		{ID: b, Distance: 0.4},
	})

	hits, err := e.Search(ctx, "running", 5, "")
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Utterance.ID != a || hits[0].Similarity < 0.89 || hits[0].Similarity > 0.91 {
		t.Fatalf("unexpected top hit: %+v", hits[0])
	}

	// Every returned record took a heat hit.
	for _, id := range []string{a, b} {
		if u, _ := e.GetUtterance(id); u.Heat != 1 {
			t.Fatalf("expected heat 1 on %s after search, got %d", id, u.Heat)
		}
	}
}

func TestStatsCounts(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	utt, _, _ := e.IngestUtterance(ctx, "hello", RoleUser, 3)
	_, _, _ = e.IngestUtterance(ctx, "world", RoleAgent, 0)
	factID, _, _ := e.GetOrCreateFact(ctx, "a fact")
	modID, _, _ := e.GetOrCreateModality(ctx, "knows")
	_, _, _ = e.GetOrCreateClaim(ctx, ClaimCandidate{Agent: AgentSelf, Verb: "knows", Fact: "a fact", Importance: 5, Confidence: 5}, utt, factID, modID)

	s, err := e.Stats()
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if s.Utterances != 2 || s.Facts != 1 || s.Modalities != 1 || s.Claims != 1 || s.HotRecords != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}
