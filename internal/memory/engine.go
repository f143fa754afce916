package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/mindgraph/internal/graph"
	"github.com/stellarlinkco/mindgraph/internal/vector"
)

// Engine is the canonical content-addressed store for utterances, facts,
// modalities and claims. Identity is the content hash, so ingestion and
// extraction are idempotent. The engine mirrors every new utterance into the
// graph as a node and keeps the similarity collections in sync.
//
// Read paths never propagate storage failures to the conversational caller:
// errors are logged and degrade to "not found".
type Engine struct {
	db *sql.DB
	mu sync.Mutex

	graph *graph.Graph

	stream     vector.Index
	facts      vector.Index
	modalities vector.Index
	claims     vector.Index
}

func NewEngine(dbPath string, g *graph.Graph, store vector.Store) (*Engine, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	e := &Engine{db: db, graph: g}
	if err := e.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := e.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if store != nil {
		for _, bind := range []struct {
			name string
			dst  *vector.Index
		}{
			{vector.CollectionStream, &e.stream},
			{vector.CollectionFacts, &e.facts},
			{vector.CollectionModalities, &e.modalities},
			{vector.CollectionClaims, &e.claims},
		} {
			idx, err := store.Collection(bind.name)
			if err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("bind collection %s: %w", bind.name, err)
			}
			*bind.dst = idx
		}
	}

	return e, nil
}

func (e *Engine) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := e.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

func (e *Engine) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS utterances (
			id TEXT PRIMARY KEY,
			hash TEXT NOT NULL UNIQUE,
			text TEXT NOT NULL,
			role TEXT NOT NULL,
			timestamp REAL NOT NULL,
			heat INTEGER NOT NULL DEFAULT 0 CHECK (heat >= 0)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_utterances_heat ON utterances(heat)`,
		`CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS modalities (
			id TEXT PRIMARY KEY,
			verb TEXT NOT NULL,
			hydrated TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS claims (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			fact_id TEXT NOT NULL REFERENCES facts(id),
			modality_id TEXT NOT NULL REFERENCES modalities(id),
			utterance_id TEXT NOT NULL REFERENCES utterances(id),
			sentiment TEXT NOT NULL DEFAULT '[]',
			importance INTEGER NOT NULL DEFAULT 5,
			confidence INTEGER NOT NULL DEFAULT 5
		)`,
		`CREATE INDEX IF NOT EXISTS idx_claims_fact ON claims(fact_id)`,
		`CREATE INDEX IF NOT EXISTS idx_claims_utterance ON claims(utterance_id)`,
	}

	for _, stmt := range stmts {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// IngestUtterance stores an utterance, keyed by its content hash. A repeat
// of identical text returns the existing id untouched. New records get a
// mirrored graph node and a stream-collection document.
func (e *Engine) IngestUtterance(ctx context.Context, text, role string, initialHeat int) (string, bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false, fmt.Errorf("ingest utterance: empty text")
	}
	if initialHeat < 0 {
		initialHeat = 0
	}

	h := hashText(text)
	id := "utt_" + h[:16]
	ts := float64(time.Now().UnixNano()) / float64(time.Second)

	// Lookup and insert share the lock so two concurrent ingests of the
	// same text cannot race past the dedup check into a UNIQUE violation.
	e.mu.Lock()
	var existing string
	err := e.db.QueryRow(`SELECT id FROM utterances WHERE hash = ?`, h).Scan(&existing)
	if err == nil {
		e.mu.Unlock()
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		e.mu.Unlock()
		return "", false, fmt.Errorf("ingest utterance lookup: %w", err)
	}

	_, err = e.db.Exec(`
		INSERT INTO utterances (id, hash, text, role, timestamp, heat)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, h, text, role, ts, initialHeat)
	e.mu.Unlock()
	if err != nil {
		return "", false, fmt.Errorf("ingest utterance insert: %w", err)
	}

	if e.graph != nil {
		e.graph.EnsureNode(id, graph.Node{Role: role, Timestamp: ts})
	}
	if e.stream != nil {
		rec := vector.Record{ID: id, Text: text, Metadata: map[string]string{"role": role}}
		if err := e.stream.Upsert(ctx, []vector.Record{rec}); err != nil {
			log.Printf("[memory] stream upsert for %s failed: %v", id, err)
		}
	}

	log.Printf("[memory] new utterance %s (role=%s, heat=%d)", id, role, initialHeat)
	return id, true, nil
}

// GetUtterance degrades storage errors to a miss.
func (e *Engine) GetUtterance(id string) (Utterance, bool) {
	var u Utterance
	err := e.db.QueryRow(`
		SELECT id, text, role, timestamp, heat FROM utterances WHERE id = ?
	`, id).Scan(&u.ID, &u.Text, &u.Role, &u.Timestamp, &u.Heat)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("[memory] get utterance %s: %v", id, err)
		}
		return Utterance{}, false
	}
	return u, true
}

// GetUtterances loads records by id, preserving the order of ids. Missing
// ids are skipped; storage errors degrade to an empty result.
func (e *Engine) GetUtterances(ids []string) []Utterance {
	if len(ids) == 0 {
		return nil
	}

	query := `SELECT id, text, role, timestamp, heat FROM utterances WHERE id IN (` + placeholders(len(ids)) + `)`
	rows, err := e.db.Query(query, toArgs(ids)...)
	if err != nil {
		log.Printf("[memory] get utterances: %v", err)
		return nil
	}
	defer rows.Close()

	byID := make(map[string]Utterance, len(ids))
	for rows.Next() {
		var u Utterance
		if err := rows.Scan(&u.ID, &u.Text, &u.Role, &u.Timestamp, &u.Heat); err != nil {
			log.Printf("[memory] scan utterance: %v", err)
			return nil
		}
		byID[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		log.Printf("[memory] iterate utterances: %v", err)
		return nil
	}

	result := make([]Utterance, 0, len(byID))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			result = append(result, u)
		}
	}
	return result
}

// GetOrCreateFact dedups a bare proposition by content hash.
func (e *Engine) GetOrCreateFact(ctx context.Context, text string) (string, bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false, fmt.Errorf("get or create fact: empty text")
	}

	id := hashText(text)

	e.mu.Lock()
	var one int
	err := e.db.QueryRow(`SELECT 1 FROM facts WHERE id = ?`, id).Scan(&one)
	if err == nil {
		e.mu.Unlock()
		return id, false, nil
	}
	if err != sql.ErrNoRows {
		e.mu.Unlock()
		return "", false, fmt.Errorf("fact lookup: %w", err)
	}

	_, err = e.db.Exec(`INSERT INTO facts (id, text) VALUES (?, ?)`, id, text)
	e.mu.Unlock()
	if err != nil {
		return "", false, fmt.Errorf("fact insert: %w", err)
	}

	if e.facts != nil {
		rec := vector.Record{ID: id, Text: text}
		if err := e.facts.Upsert(ctx, []vector.Record{rec}); err != nil {
			log.Printf("[memory] facts upsert for %s failed: %v", id[:16], err)
		}
	}
	log.Printf("[memory] new fact %s: %q", id[:16], truncate(text, 50))
	return id, true, nil
}

// GetFact degrades storage errors to a miss.
func (e *Engine) GetFact(id string) (Fact, bool) {
	var f Fact
	err := e.db.QueryRow(`SELECT id, text FROM facts WHERE id = ?`, id).Scan(&f.ID, &f.Text)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("[memory] get fact %s: %v", id, err)
		}
		return Fact{}, false
	}
	return f, true
}

// GetOrCreateModality dedups a mental-action verb by content hash. The
// hydrated form is what gets embedded.
func (e *Engine) GetOrCreateModality(ctx context.Context, verb string) (string, bool, error) {
	verb = strings.TrimSpace(verb)
	if verb == "" {
		return "", false, fmt.Errorf("get or create modality: empty verb")
	}

	id := hashText(verb)
	hydrated := "mental action: " + verb

	e.mu.Lock()
	var one int
	err := e.db.QueryRow(`SELECT 1 FROM modalities WHERE id = ?`, id).Scan(&one)
	if err == nil {
		e.mu.Unlock()
		return id, false, nil
	}
	if err != sql.ErrNoRows {
		e.mu.Unlock()
		return "", false, fmt.Errorf("modality lookup: %w", err)
	}

	_, err = e.db.Exec(`INSERT INTO modalities (id, verb, hydrated) VALUES (?, ?, ?)`, id, verb, hydrated)
	e.mu.Unlock()
	if err != nil {
		return "", false, fmt.Errorf("modality insert: %w", err)
	}

	if e.modalities != nil {
		rec := vector.Record{ID: id, Text: hydrated, Metadata: map[string]string{"verb": verb}}
		if err := e.modalities.Upsert(ctx, []vector.Record{rec}); err != nil {
			log.Printf("[memory] modalities upsert for %s failed: %v", id[:16], err)
		}
	}
	log.Printf("[memory] new modality %s: %q", id[:16], verb)
	return id, true, nil
}

// GetOrCreateClaim persists a claim keyed by its (fact, modality) pair.
// Re-derivation from another utterance returns the existing claim id.
func (e *Engine) GetOrCreateClaim(ctx context.Context, cand ClaimCandidate, utteranceID, factID, modalityID string) (string, bool, error) {
	id := "claim_" + hashText(factID + ":" + modalityID)[:16]

	sentiment := cand.Sentiment
	if sentiment == nil {
		sentiment = []string{}
	}
	sentimentJSON, err := json.Marshal(sentiment)
	if err != nil {
		return "", false, fmt.Errorf("marshal sentiment: %w", err)
	}

	e.mu.Lock()
	var one int
	err = e.db.QueryRow(`SELECT 1 FROM claims WHERE id = ?`, id).Scan(&one)
	if err == nil {
		e.mu.Unlock()
		return id, false, nil
	}
	if err != sql.ErrNoRows {
		e.mu.Unlock()
		return "", false, fmt.Errorf("claim lookup: %w", err)
	}

	_, err = e.db.Exec(`
		INSERT INTO claims (id, agent, fact_id, modality_id, utterance_id, sentiment, importance, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, cand.Agent, factID, modalityID, utteranceID, string(sentimentJSON), clampScore(cand.Importance), clampScore(cand.Confidence))
	e.mu.Unlock()
	if err != nil {
		return "", false, fmt.Errorf("claim insert: %w", err)
	}

	if e.claims != nil {
		doc := fmt.Sprintf("[%s] -> [%s] -> ([%s])", cand.Agent, cand.Verb, cand.Fact)
		rec := vector.Record{
			ID:   id,
			Text: doc,
			Metadata: map[string]string{
				"utterance_id": utteranceID,
				"fact_id":      factID,
			},
		}
		if err := e.claims.Upsert(ctx, []vector.Record{rec}); err != nil {
			log.Printf("[memory] claims upsert for %s failed: %v", id, err)
		}
	}
	log.Printf("[memory] new claim %s (agent=%s)", id, cand.Agent)
	return id, true, nil
}

// GetClaim degrades storage errors to a miss.
func (e *Engine) GetClaim(id string) (Claim, bool) {
	var c Claim
	var sentimentJSON string
	err := e.db.QueryRow(`
		SELECT id, agent, fact_id, modality_id, utterance_id, sentiment, importance, confidence
		FROM claims WHERE id = ?
	`, id).Scan(&c.ID, &c.Agent, &c.FactID, &c.ModalityID, &c.UtteranceID, &sentimentJSON, &c.Importance, &c.Confidence)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("[memory] get claim %s: %v", id, err)
		}
		return Claim{}, false
	}
	if err := json.Unmarshal([]byte(sentimentJSON), &c.Sentiment); err != nil {
		c.Sentiment = nil
	}
	return c, true
}

// ClaimsByFactIDs loads every claim referencing any of the given facts in
// one IN query and groups them by fact id.
func (e *Engine) ClaimsByFactIDs(factIDs []string) (map[string][]Claim, error) {
	result := make(map[string][]Claim)
	if len(factIDs) == 0 {
		return result, nil
	}

	query := `
		SELECT id, agent, fact_id, modality_id, utterance_id, sentiment, importance, confidence
		FROM claims WHERE fact_id IN (` + placeholders(len(factIDs)) + `)`
	rows, err := e.db.Query(query, toArgs(factIDs)...)
	if err != nil {
		return nil, fmt.Errorf("claims by fact ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c Claim
		var sentimentJSON string
		if err := rows.Scan(&c.ID, &c.Agent, &c.FactID, &c.ModalityID, &c.UtteranceID, &sentimentJSON, &c.Importance, &c.Confidence); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		if err := json.Unmarshal([]byte(sentimentJSON), &c.Sentiment); err != nil {
			c.Sentiment = nil
		}
		result[c.FactID] = append(result[c.FactID], c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claims: %w", err)
	}
	return result, nil
}

// RecordHeatHit bumps the access counter for retrieved records. Called by
// the memory-search surface after every query.
func (e *Engine) RecordHeatHit(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	query := `UPDATE utterances SET heat = heat + 1 WHERE id IN (` + placeholders(len(ids)) + `)`
	if _, err := e.db.Exec(query, toArgs(ids)...); err != nil {
		return fmt.Errorf("record heat hit: %w", err)
	}
	return nil
}

// Cooldown halves heat (integer floor) for the given ids. Zero stays zero.
func (e *Engine) Cooldown(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	query := `UPDATE utterances SET heat = heat / 2 WHERE heat > 0 AND id IN (` + placeholders(len(ids)) + `)`
	if _, err := e.db.Exec(query, toArgs(ids)...); err != nil {
		return fmt.Errorf("cooldown: %w", err)
	}
	return nil
}

// SampleWeightedSeed picks one record among those with heat >= minHeat,
// with selection probability proportional to heat. A minHeat below 1 is
// raised to 1 so an all-cold store simply yields no seed.
func (e *Engine) SampleWeightedSeed(minHeat int) (Utterance, bool) {
	if minHeat <= 0 {
		minHeat = 1
	}

	rows, err := e.db.Query(`
		SELECT id, text, role, timestamp, heat FROM utterances WHERE heat >= ?
	`, minHeat)
	if err != nil {
		log.Printf("[memory] sample seed: %v", err)
		return Utterance{}, false
	}
	defer rows.Close()

	var population []Utterance
	total := 0
	for rows.Next() {
		var u Utterance
		if err := rows.Scan(&u.ID, &u.Text, &u.Role, &u.Timestamp, &u.Heat); err != nil {
			log.Printf("[memory] scan seed candidate: %v", err)
			return Utterance{}, false
		}
		population = append(population, u)
		total += u.Heat
	}
	if err := rows.Err(); err != nil {
		log.Printf("[memory] iterate seed candidates: %v", err)
		return Utterance{}, false
	}
	if len(population) == 0 || total <= 0 {
		return Utterance{}, false
	}

	pick := rand.Intn(total)
	for _, u := range population {
		pick -= u.Heat
		if pick < 0 {
			return u, true
		}
	}
	return population[len(population)-1], true
}

// SemanticCluster returns up to size utterances nearest to the seed text.
// Failures degrade to an empty cluster.
func (e *Engine) SemanticCluster(ctx context.Context, seedText string, size int) []Utterance {
	if e.stream == nil || size <= 0 {
		return nil
	}
	matches, err := e.stream.Query(ctx, seedText, size, nil)
	if err != nil {
		log.Printf("[memory] semantic cluster query: %v", err)
		return nil
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ID)
	}
	return e.GetUtterances(ids)
}

// SimilarFacts returns the nearest fact neighbors for a fact text.
func (e *Engine) SimilarFacts(ctx context.Context, text string, k int) ([]vector.Match, error) {
	if e.facts == nil {
		return nil, fmt.Errorf("similar facts: no facts index")
	}
	return e.facts.Query(ctx, text, k, nil)
}

// Search is the memory-search surface: nearest stream records for a query,
// with a heat hit recorded on every returned record.
func (e *Engine) Search(ctx context.Context, query string, k int, roleFilter string) ([]SearchHit, error) {
	if e.stream == nil {
		return nil, fmt.Errorf("search: no stream index")
	}
	query = strings.TrimSpace(query)
	if query == "" || k <= 0 {
		return nil, nil
	}

	var filter map[string]string
	if roleFilter != "" {
		filter = map[string]string{"role": roleFilter}
	}
	matches, err := e.stream.Query(ctx, query, k, filter)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(matches))
	similarity := make(map[string]float64, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ID)
		similarity[m.ID] = 1.0 - m.Distance
	}

	records := e.GetUtterances(ids)
	hits := make([]SearchHit, 0, len(records))
	hitIDs := make([]string, 0, len(records))
	for _, u := range records {
		hits = append(hits, SearchHit{Utterance: u, Similarity: similarity[u.ID]})
		hitIDs = append(hitIDs, u.ID)
	}

	if err := e.RecordHeatHit(hitIDs); err != nil {
		log.Printf("[memory] search heat hit: %v", err)
	}
	return hits, nil
}

func (e *Engine) Stats() (StoreStats, error) {
	var s StoreStats
	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM utterances`, &s.Utterances},
		{`SELECT COUNT(*) FROM facts`, &s.Facts},
		{`SELECT COUNT(*) FROM modalities`, &s.Modalities},
		{`SELECT COUNT(*) FROM claims`, &s.Claims},
		{`SELECT COUNT(*) FROM utterances WHERE heat > 0`, &s.HotRecords},
	}
	for _, c := range counts {
		if err := e.db.QueryRow(c.query).Scan(c.dst); err != nil {
			return StoreStats{}, fmt.Errorf("stats: %w", err)
		}
	}
	return s, nil
}

func clampScore(v int) int {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = "?"
	}
	return strings.Join(parts, ",")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
