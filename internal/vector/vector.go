// Package vector is the similarity-search boundary: exact lookup by id,
// nearest-neighbor query by text, and document/metadata upserts. The engine
// treats everything behind Index as an opaque service.
package vector

import "context"

// Record is one stored document with its metadata.
type Record struct {
	ID       string
	Text     string
	Metadata map[string]string
}

// Match is one nearest-neighbor hit. Distance is in [0,1];
// similarity = 1 - Distance.
type Match struct {
	ID       string
	Distance float64
}

// Index is one named similarity collection.
type Index interface {
	Get(ctx context.Context, ids []string) ([]Record, error)
	Upsert(ctx context.Context, recs []Record) error
	Update(ctx context.Context, id string, metadata map[string]string) error
	Query(ctx context.Context, text string, k int, filter map[string]string) ([]Match, error)
}

// Store hands out named collections.
type Store interface {
	Collection(name string) (Index, error)
}

// Collection names used by the memory engine.
const (
	CollectionStream     = "stream"
	CollectionFacts      = "facts"
	CollectionModalities = "modalities"
	CollectionClaims     = "claims"
)
