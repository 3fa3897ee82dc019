package vectorstore

import (
	"context"
	"errors"
	"testing"
)

func seedStore(t *testing.T) *ChromemStore {
	t.Helper()
	s := NewChromemStore()
	ctx := context.Background()
	if err := s.EnsureCollection(ctx, "c1", 3); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	err := s.Upsert(ctx, "c1",
		Point{ID: "a", Vector: []float32{1, 0, 0}, Payload: map[string]any{"content": "alpha", "importance": 0.5}},
		Point{ID: "b", Vector: []float32{0, 1, 0}, Payload: map[string]any{"content": "beta"}},
		Point{ID: "c", Vector: []float32{0, 0, 1}, Payload: map[string]any{"content": "gamma", ArchivedKey: true}},
	)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return s
}

func TestChromemSearchOrdersBySimilarity(t *testing.T) {
	s := seedStore(t)
	got, err := s.Search(context.Background(), "c1", []float32{0.9, 0.1, 0}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d results, want 3 (limit clamped to size)", len(got))
	}
	if got[0].ID != "a" {
		t.Errorf("got first %q, want a", got[0].ID)
	}
	if got[0].Payload["content"] != "alpha" {
		t.Errorf("payload not decoded: %v", got[0].Payload)
	}
}

func TestChromemMissingCollection(t *testing.T) {
	s := NewChromemStore()
	_, err := s.Search(context.Background(), "nope", []float32{1}, 1)
	if !errors.Is(err, ErrCollectionNotFound) {
		t.Fatalf("got %v, want ErrCollectionNotFound", err)
	}
}

func TestChromemScrollAndInfo(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	recs, err := s.Scroll(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("scroll: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	limited, _ := s.Scroll(ctx, "c1", 2)
	if len(limited) != 2 {
		t.Fatalf("got %d records, want 2", len(limited))
	}

	info, err := s.CollectionInfo(ctx, "c1")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Points != 3 || info.Archived != 1 || info.Dimension != 3 {
		t.Errorf("got %+v, want 3 points, 1 archived, dim 3", info)
	}
}

func TestChromemScrollPageWalksInIDOrder(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	var ids []string
	offset := ""
	for pages := 0; ; pages++ {
		if pages > 3 {
			t.Fatal("scroll did not terminate")
		}
		page, err := s.ScrollPage(ctx, "c1", offset, 2)
		if err != nil {
			t.Fatalf("scroll page: %v", err)
		}
		for _, r := range page.Records {
			ids = append(ids, r.ID)
		}
		if page.Next == "" {
			break
		}
		offset = page.Next
	}
	want := []string{"a", "b", "c"}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("record %d: got %q, want %q", i, ids[i], want[i])
		}
	}

	if _, err := s.ScrollPage(ctx, "missing", "", 2); !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("got %v, want ErrCollectionNotFound", err)
	}
}

func TestChromemSetPayloadMerges(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	if err := s.SetPayload(ctx, "c1", "b", map[string]any{ArchivedKey: true}); err != nil {
		t.Fatalf("set payload: %v", err)
	}
	recs, _ := s.Scroll(ctx, "c1", 0)
	for _, r := range recs {
		if r.ID != "b" {
			continue
		}
		if !IsArchived(r.Payload) {
			t.Error("b should be archived")
		}
		if r.Payload["content"] != "beta" {
			t.Errorf("content lost: %v", r.Payload)
		}
	}
}

func TestChromemDeleteAndCollections(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	if err := s.Delete(ctx, "c1", "a", "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := s.Count(ctx, "c1"); n != 1 {
		t.Fatalf("got %d, want 1", n)
	}
	names, _ := s.ListCollections(ctx)
	if len(names) != 1 || names[0] != "c1" {
		t.Fatalf("got %v, want [c1]", names)
	}
	if err := s.DeleteCollection(ctx, "c1"); err != nil {
		t.Fatalf("delete collection: %v", err)
	}
	if _, err := s.Count(ctx, "c1"); !errors.Is(err, ErrCollectionNotFound) {
		t.Fatalf("got %v, want ErrCollectionNotFound", err)
	}
}

func TestIsArchived(t *testing.T) {
	cases := []struct {
		payload map[string]any
		want    bool
	}{
		{map[string]any{}, false},
		{map[string]any{ArchivedKey: true}, true},
		{map[string]any{ArchivedKey: "true"}, true},
		{map[string]any{ArchivedKey: false}, false},
	}
	for _, c := range cases {
		if got := IsArchived(c.payload); got != c.want {
			t.Errorf("IsArchived(%v) = %v, want %v", c.payload, got, c.want)
		}
	}
}
