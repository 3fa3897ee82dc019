package scope

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// DefaultPrefix namespaces every collection owned by this service.
const DefaultPrefix = "nuka_"

// Namer maps scopes and partition values to physical collection names.
type Namer struct {
	Prefix string
}

// NewNamer returns a Namer; an empty prefix is allowed.
func NewNamer(prefix string) Namer {
	return Namer{Prefix: prefix}
}

// Collection resolves the physical collection for a scope. Partitioned
// scopes require a non-empty partition value.
func (n Namer) Collection(s Scope, partition string) (string, error) {
	spec, ok := Lookup(s)
	if !ok {
		return "", fmt.Errorf("unknown scope %q", s)
	}
	if !spec.Partitioned() {
		return n.Prefix + spec.Base, nil
	}
	partition = partitionName(partition)
	if partition == "" {
		return "", fmt.Errorf("%s required for %s scope", spec.PartitionKey, s.Label())
	}
	return n.Prefix + spec.Base + "_" + partition, nil
}

// Static returns the collections of the unpartitioned scopes.
func (n Namer) Static() []string {
	var out []string
	for _, s := range order {
		spec := table[s]
		if !spec.Partitioned() {
			out = append(out, n.Prefix+spec.Base)
		}
	}
	return out
}

// Parse maps a physical collection name back to its scope and partition.
// Names outside the prefix or unknown to the table return ok=false.
func (n Namer) Parse(name string) (s Scope, partition string, ok bool) {
	if !strings.HasPrefix(name, n.Prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, n.Prefix)
	// Exact matches first so "agent_memory" never reads as a partition.
	for _, sc := range order {
		spec := table[sc]
		if !spec.Partitioned() && rest == spec.Base {
			return sc, "", true
		}
	}
	for _, sc := range order {
		spec := table[sc]
		if spec.Partitioned() && strings.HasPrefix(rest, spec.Base+"_") {
			p := strings.TrimPrefix(rest, spec.Base+"_")
			if p != "" {
				return sc, p, true
			}
		}
	}
	return "", "", false
}

// partitionName makes a partition value safe for a collection name. Values
// that needed rewriting get a hash of the original appended, so distinct ids
// such as "team.alpha" and "team_alpha" never share a collection.
func partitionName(v string) string {
	v = strings.TrimSpace(v)
	clean, changed := sanitize(v)
	if !changed || clean == "" {
		return clean
	}
	h := fnv.New32a()
	h.Write([]byte(v))
	return fmt.Sprintf("%s_%08x", clean, h.Sum32())
}

func sanitize(v string) (string, bool) {
	var b strings.Builder
	b.Grow(len(v))
	changed := false
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
			changed = true
		}
	}
	return b.String(), changed
}
