package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemStore is an embedded, in-process Store backed by chromem-go.
// Payloads are kept as JSON in the document metadata.
type ChromemStore struct {
	db   *chromem.DB
	mu   sync.RWMutex
	dims map[string]int
}

var _ Store = (*ChromemStore)(nil)

const payloadKey = "payload"

// NewChromemStore creates an empty in-memory store.
func NewChromemStore() *ChromemStore {
	return &ChromemStore{
		db:   chromem.NewDB(),
		dims: make(map[string]int),
	}
}

func (s *ChromemStore) collection(name string) (*chromem.Collection, error) {
	col := s.db.GetCollection(name, nil)
	if col == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return col, nil
}

// EnsureCollection creates the collection if it does not exist.
func (s *ChromemStore) EnsureCollection(ctx context.Context, name string, dimension int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dims[name]; ok {
		return nil
	}
	// No embedding func: vectors are always supplied by the caller.
	if _, err := s.db.GetOrCreateCollection(name, nil, nil); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	s.dims[name] = dimension
	return nil
}

// Upsert adds documents, replacing any with the same id.
func (s *ChromemStore) Upsert(ctx context.Context, collection string, points ...Point) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	for _, p := range points {
		doc, err := toDocument(p)
		if err != nil {
			return err
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document %s: %w", p.ID, err)
		}
	}
	return nil
}

// Search returns the nearest documents by cosine similarity.
func (s *ChromemStore) Search(ctx context.Context, collection string, vector []float32, limit int) ([]SearchResult, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	// chromem-go requires nResults <= collection size.
	if n := col.Count(); limit > n {
		limit = n
	}
	if limit <= 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, vector, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		payload, err := decodePayload(r.Metadata)
		if err != nil {
			return nil, err
		}
		out = append(out, SearchResult{ID: r.ID, Score: r.Similarity, Payload: payload})
	}
	return out, nil
}

// Scroll lists records. chromem-go has no iteration API, so this queries
// the whole collection with a probe vector.
func (s *ChromemStore) Scroll(ctx context.Context, collection string, limit int) ([]Record, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	s.mu.RLock()
	dim := s.dims[collection]
	s.mu.RUnlock()
	if dim <= 0 {
		return nil, fmt.Errorf("scroll %s: unknown dimension", collection)
	}
	probe := make([]float32, dim)
	probe[0] = 1
	results, err := col.QueryEmbedding(ctx, probe, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("scroll %s: %w", collection, err)
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	out := make([]Record, 0, len(results))
	for _, r := range results {
		payload, err := decodePayload(r.Metadata)
		if err != nil {
			return nil, err
		}
		out = append(out, Record{ID: r.ID, Payload: payload})
	}
	return out, nil
}

// ScrollPage pages through the collection in id order. offset is the last id
// of the previous page, so points deleted between pages do not shift it.
func (s *ChromemStore) ScrollPage(ctx context.Context, collection, offset string, limit int) (*Page, error) {
	all, err := s.Scroll(ctx, collection, 0)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	start := sort.Search(len(all), func(i int) bool { return all[i].ID > offset })
	rest := all[start:]
	if limit <= 0 || limit >= len(rest) {
		return &Page{Records: rest}, nil
	}
	return &Page{Records: rest[:limit], Next: rest[limit-1].ID}, nil
}

// SetPayload merges keys into a document's payload and re-adds it.
func (s *ChromemStore) SetPayload(ctx context.Context, collection, id string, payload map[string]any) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	doc, err := col.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	current, err := decodePayload(doc.Metadata)
	if err != nil {
		return err
	}
	for k, v := range payload {
		current[k] = v
	}
	updated, err := toDocument(Point{ID: id, Vector: doc.Embedding, Payload: current})
	if err != nil {
		return err
	}
	if err := col.AddDocument(ctx, updated); err != nil {
		return fmt.Errorf("set payload %s/%s: %w", collection, id, err)
	}
	return nil
}

// Delete removes documents by id.
func (s *ChromemStore) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete documents %s: %w", collection, err)
	}
	return nil
}

// Count returns the number of documents in a collection.
func (s *ChromemStore) Count(ctx context.Context, collection string) (int, error) {
	col, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

// CollectionInfo reports count, archived count and dimension.
func (s *ChromemStore) CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	records, err := s.Scroll(ctx, name, 0)
	if err != nil {
		return nil, err
	}
	archived := 0
	for _, r := range records {
		if IsArchived(r.Payload) {
			archived++
		}
	}
	s.mu.RLock()
	dim := s.dims[name]
	s.mu.RUnlock()
	return &CollectionInfo{Name: name, Points: len(records), Archived: archived, Dimension: dim}, nil
}

// ListCollections returns all collection names.
func (s *ChromemStore) ListCollections(ctx context.Context) ([]string, error) {
	cols := s.db.ListCollections()
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	return names, nil
}

// DeleteCollection drops a collection.
func (s *ChromemStore) DeleteCollection(ctx context.Context, name string) error {
	if err := s.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("delete collection %s: %w", name, err)
	}
	s.mu.Lock()
	delete(s.dims, name)
	s.mu.Unlock()
	return nil
}

// Close is a no-op; chromem-go keeps everything in memory.
func (s *ChromemStore) Close() error { return nil }

func toDocument(p Point) (chromem.Document, error) {
	raw, err := json.Marshal(p.Payload)
	if err != nil {
		return chromem.Document{}, fmt.Errorf("marshal payload %s: %w", p.ID, err)
	}
	content, _ := p.Payload["content"].(string)
	if content == "" {
		content = p.ID
	}
	return chromem.Document{
		ID:        p.ID,
		Content:   content,
		Embedding: p.Vector,
		Metadata:  map[string]string{payloadKey: string(raw)},
	}, nil
}

func decodePayload(md map[string]string) (map[string]any, error) {
	payload := make(map[string]any)
	raw, ok := md[payloadKey]
	if !ok {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}
