package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/linkage"
	"github.com/nidhogg/nuka-memory/internal/metrics"
	"github.com/nidhogg/nuka-memory/internal/scope"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

// Collections lists the physical collections that belong to a scope.
func (f *Facade) Collections(ctx context.Context, s scope.Scope) ([]CollectionRef, error) {
	if err := f.ready(); err != nil {
		return nil, err
	}
	names, err := f.store.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	var refs []CollectionRef
	for _, name := range names {
		sc, partition, ok := f.namer.Parse(name)
		if !ok || sc != s {
			continue
		}
		refs = append(refs, CollectionRef{Name: name, Scope: sc, Partition: partition})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// Entries reads up to limit entries from a collection, archived included.
// limit <= 0 reads the whole collection.
func (f *Facade) Entries(ctx context.Context, collection string, limit int) ([]Entry, error) {
	if err := f.ready(); err != nil {
		return nil, err
	}
	start := time.Now()
	records, err := f.store.Scroll(ctx, collection, limit)
	if err != nil {
		if errors.Is(err, vectorstore.ErrCollectionNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", collection, err)
	}
	f.record(metrics.OpRead, start)
	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		entries = append(entries, decodeEntry(r.ID, collection, r.Payload))
	}
	return entries, nil
}

// ScanEntries walks a whole collection in pages of pageSize, archived
// entries included. A missing collection is empty.
func (f *Facade) ScanEntries(ctx context.Context, collection string, pageSize int, fn func([]Entry) error) error {
	if err := f.ready(); err != nil {
		return err
	}
	offset := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		page, err := f.store.ScrollPage(ctx, collection, offset, pageSize)
		if err != nil {
			if errors.Is(err, vectorstore.ErrCollectionNotFound) {
				return nil
			}
			return fmt.Errorf("read %s: %w", collection, err)
		}
		f.record(metrics.OpRead, start)
		if len(page.Records) > 0 {
			entries := make([]Entry, 0, len(page.Records))
			for _, r := range page.Records {
				entries = append(entries, decodeEntry(r.ID, collection, r.Payload))
			}
			if err := fn(entries); err != nil {
				return err
			}
		}
		if page.Next == "" || page.Next == offset {
			return nil
		}
		offset = page.Next
	}
}

// Archive tags an entry as archived. It stays stored and searchable with
// IncludeArchived.
func (f *Facade) Archive(ctx context.Context, collection, id string) error {
	if err := f.ready(); err != nil {
		return err
	}
	err := f.store.SetPayload(ctx, collection, id, map[string]any{
		vectorstore.ArchivedKey: true,
		ArchivedAtKey:           f.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", id, err)
	}
	return nil
}

// Delete physically removes entries and their link graph nodes.
func (f *Facade) Delete(ctx context.Context, collection string, ids ...string) error {
	if err := f.ready(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := f.store.Delete(ctx, collection, ids...); err != nil {
		return fmt.Errorf("delete from %s: %w", collection, err)
	}
	if f.linker != nil {
		for _, id := range ids {
			if err := f.linker.Unlink(ctx, id); err != nil {
				f.logger.Warn("unlink deleted memory failed", zap.String("id", id), zap.Error(err))
			}
		}
	}
	return nil
}

// Count returns the number of entries in a collection. A missing
// collection counts as empty.
func (f *Facade) Count(ctx context.Context, collection string) (int, error) {
	if err := f.ready(); err != nil {
		return 0, err
	}
	n, err := f.store.Count(ctx, collection)
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return 0, nil
	}
	return n, err
}

// ScopeCount sums entries across every collection of a scope.
func (f *Facade) ScopeCount(ctx context.Context, s scope.Scope) (int, error) {
	refs, err := f.Collections(ctx, s)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, r := range refs {
		n, err := f.Count(ctx, r.Name)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DropCollection removes a whole partition collection.
func (f *Facade) DropCollection(ctx context.Context, collection string) error {
	if err := f.ready(); err != nil {
		return err
	}
	if err := f.store.DeleteCollection(ctx, collection); err != nil {
		return err
	}
	f.forgetCollection(collection)
	if sc, partition, ok := f.namer.Parse(collection); ok && sc == scope.Thread {
		f.registry.Forget(partition)
	}
	return nil
}

// Linked reports whether an entry is tied to an artifact or commit, either
// by metadata or through the link graph.
func (f *Facade) Linked(ctx context.Context, e Entry) bool {
	if linkage.HasMetadataLink(e.Metadata) {
		return true
	}
	if f.linker == nil {
		return false
	}
	ok, err := f.linker.HasLinks(ctx, e.ID)
	if err != nil {
		f.logger.Debug("link lookup failed", zap.String("id", e.ID), zap.Error(err))
		return false
	}
	return ok
}

// CollectionStats implements metrics.StatsSource over every owned collection.
func (f *Facade) CollectionStats(ctx context.Context) ([]metrics.CollectionStats, error) {
	names, err := f.store.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	var (
		stats []metrics.CollectionStats
		errs  []error
	)
	for _, name := range names {
		sc, _, ok := f.namer.Parse(name)
		if !ok {
			continue
		}
		info, err := f.store.CollectionInfo(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		dim := info.Dimension
		if dim == 0 {
			dim = f.embedder.Dimension()
		}
		stats = append(stats, metrics.CollectionStats{
			Name:      name,
			Scope:     sc.Label(),
			Entries:   info.Points,
			Archived:  info.Archived,
			Dimension: dim,
			Bytes:     metrics.EstimateBytes(info.Points, dim),
		})
	}
	return stats, errors.Join(errs...)
}
