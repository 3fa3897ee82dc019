package linkage

import (
	"fmt"
	"sort"
)

// Kind classifies what an entry is linked to.
type Kind string

const (
	KindCommit   Kind = "commit"
	KindArtifact Kind = "artifact"
	KindBuild    Kind = "build"
	KindPR       Kind = "pull_request"
	KindEntry    Kind = "entry"
)

// Ref is one outgoing link from an entry.
type Ref struct {
	Kind Kind   `json:"kind"`
	Ref  string `json:"ref"`
}

// metadataKeys maps metadata fields to the link kind they denote.
var metadataKeys = map[string]Kind{
	"commit_sha":   KindCommit,
	"commit_hash":  KindCommit,
	"artifact_id":  KindArtifact,
	"artifact_ref": KindArtifact,
	"build_id":     KindBuild,
	"pr_number":    KindPR,
}

// RelatedEntriesKey lists entry ids an entry is related to.
const RelatedEntriesKey = "related_entry_ids"

// Keys returns the metadata fields that denote an artifact or commit link.
func Keys() []string {
	keys := make([]string, 0, len(metadataKeys))
	for k := range metadataKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasMetadataLink reports whether metadata carries any artifact or commit key.
func HasMetadataLink(metadata map[string]any) bool {
	for k := range metadataKeys {
		if v, ok := metadata[k]; ok && present(v) {
			return true
		}
	}
	return false
}

// RefsFromMetadata extracts link refs from entry metadata, in a stable order.
func RefsFromMetadata(metadata map[string]any) []Ref {
	var refs []Ref
	for _, k := range Keys() {
		v, ok := metadata[k]
		if !ok || !present(v) {
			continue
		}
		refs = append(refs, Ref{Kind: metadataKeys[k], Ref: fmt.Sprint(v)})
	}
	switch ids := metadata[RelatedEntriesKey].(type) {
	case []string:
		for _, id := range ids {
			refs = append(refs, Ref{Kind: KindEntry, Ref: id})
		}
	case []any:
		for _, id := range ids {
			if s, ok := id.(string); ok && s != "" {
				refs = append(refs, Ref{Kind: KindEntry, Ref: s})
			}
		}
	}
	return refs
}

func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	}
	return true
}
