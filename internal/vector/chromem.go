package vector

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemStore implements Store over chromem-go, an embedded pure-Go vector
// database. Each collection persists under its own name in the DB directory.
type ChromemStore struct {
	db          *chromem.DB
	embed       chromem.EmbeddingFunc
	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// NewChromemStore opens (or creates) a persistent chromem DB at path.
// The embedding func is used both for document adds and text queries.
func NewChromemStore(path string, embed chromem.EmbeddingFunc) (*ChromemStore, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}
	return &ChromemStore{
		db:          db,
		embed:       embed,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// NewMemoryChromemStore creates a non-persistent store, used in tests.
func NewMemoryChromemStore(embed chromem.EmbeddingFunc) *ChromemStore {
	return &ChromemStore{
		db:          chromem.NewDB(),
		embed:       embed,
		collections: make(map[string]*chromem.Collection),
	}
}

func (s *ChromemStore) Collection(name string) (Index, error) {
	col, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	return &chromemIndex{col: col}, nil
}

func (s *ChromemStore) collection(name string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(name, nil, s.embed)
	if err != nil {
		return nil, fmt.Errorf("get or create collection %s: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

type chromemIndex struct {
	col *chromem.Collection
}

func (i *chromemIndex) Get(ctx context.Context, ids []string) ([]Record, error) {
	recs := make([]Record, 0, len(ids))
	for _, id := range ids {
		doc, err := i.col.GetByID(ctx, id)
		if err != nil {
			// Missing ids degrade to absence rather than failing the batch.
			continue
		}
		recs = append(recs, Record{ID: doc.ID, Text: doc.Content, Metadata: doc.Metadata})
	}
	return recs, nil
}

func (i *chromemIndex) Upsert(ctx context.Context, recs []Record) error {
	for _, rec := range recs {
		doc := chromem.Document{
			ID:       rec.ID,
			Content:  rec.Text,
			Metadata: rec.Metadata,
		}
		if err := i.col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document %s: %w", rec.ID, err)
		}
	}
	return nil
}

func (i *chromemIndex) Update(ctx context.Context, id string, metadata map[string]string) error {
	doc, err := i.col.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get document %s: %w", id, err)
	}
	if doc.Metadata == nil {
		doc.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		doc.Metadata[k] = v
	}
	// Re-add with the existing embedding so no re-embedding happens.
	if err := i.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("update document %s: %w", id, err)
	}
	return nil
}

func (i *chromemIndex) Query(ctx context.Context, text string, k int, filter map[string]string) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	// chromem rejects nResults larger than the collection.
	if count := i.col.Count(); count < k {
		if count == 0 {
			return nil, nil
		}
		k = count
	}

	results, err := i.col.Query(ctx, text, k, filter, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, res := range results {
		matches = append(matches, Match{
			ID:       res.ID,
			Distance: 1.0 - float64(res.Similarity),
		})
	}
	return matches, nil
}
