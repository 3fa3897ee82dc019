package vectorstore

import (
	"context"
	"errors"
)

// ErrCollectionNotFound is returned when an operation targets a missing collection.
var ErrCollectionNotFound = errors.New("collection not found")

// Point is a vector with its payload, keyed by a UUID string.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Record is a stored point read back without its vector.
type Record struct {
	ID      string
	Payload map[string]any
}

// Page is one slice of a paged scroll.
type Page struct {
	Records []Record
	Next    string
}

// SearchResult holds a single vector search hit.
type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// CollectionInfo summarizes a collection for analytics.
type CollectionInfo struct {
	Name      string
	Points    int
	Archived  int
	Dimension int
}

// Store is the vector database contract the memory facade is written against.
type Store interface {
	EnsureCollection(ctx context.Context, name string, dimension int) error
	Upsert(ctx context.Context, collection string, points ...Point) error
	Search(ctx context.Context, collection string, vector []float32, limit int) ([]SearchResult, error)
	// Scroll returns up to limit records in store order. limit <= 0 reads all.
	Scroll(ctx context.Context, collection string, limit int) ([]Record, error)
	// ScrollPage returns up to limit records after offset, an id returned as
	// Next by the previous page. An empty Next marks the last page.
	ScrollPage(ctx context.Context, collection, offset string, limit int) (*Page, error)
	// SetPayload merges keys into the payload of an existing point.
	SetPayload(ctx context.Context, collection, id string, payload map[string]any) error
	Delete(ctx context.Context, collection string, ids ...string) error
	Count(ctx context.Context, collection string) (int, error)
	CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error)
	ListCollections(ctx context.Context) ([]string, error)
	DeleteCollection(ctx context.Context, name string) error
	Close() error
}

// ArchivedKey is the payload flag set on archived entries.
const ArchivedKey = "archived"

// IsArchived reports whether a payload carries the archived flag.
func IsArchived(payload map[string]any) bool {
	v, ok := payload[ArchivedKey]
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true"
	}
	return false
}
