package linkage

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Graph records links between memory entries and external artifacts
// (commits, builds, documents) in Neo4j.
type Graph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewGraph connects to Neo4j.
func NewGraph(uri, user, password string, logger *zap.Logger) (*Graph, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Graph{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (g *Graph) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the uniqueness constraints the MERGEs rely on.
func (g *Graph) EnsureSchema(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, stmt := range []string{
		`CREATE CONSTRAINT entry_id IF NOT EXISTS FOR (e:Entry) REQUIRE e.id IS UNIQUE`,
		`CREATE CONSTRAINT artifact_key IF NOT EXISTS FOR (a:Artifact) REQUIRE (a.kind, a.ref) IS UNIQUE`,
	} {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("ensure graph schema: %w", err)
		}
	}
	return nil
}

// Link attaches refs to an entry. Entry refs become RELATES_TO edges
// between entries; all others become LINKED_TO edges to Artifact nodes.
func (g *Graph) Link(ctx context.Context, entryID, collection string, refs []Ref) error {
	if len(refs) == 0 {
		return nil
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, ref := range refs {
		var cypher string
		if ref.Kind == KindEntry {
			cypher = `MERGE (e:Entry {id: $id})
			 ON CREATE SET e.collection = $collection, e.created_at = datetime()
			 MERGE (o:Entry {id: $ref})
			 MERGE (e)-[:RELATES_TO]->(o)`
		} else {
			cypher = `MERGE (e:Entry {id: $id})
			 ON CREATE SET e.collection = $collection, e.created_at = datetime()
			 MERGE (a:Artifact {kind: $kind, ref: $ref})
			 MERGE (e)-[:LINKED_TO]->(a)`
		}
		_, err := session.Run(ctx, cypher, map[string]interface{}{
			"id":         entryID,
			"collection": collection,
			"kind":       string(ref.Kind),
			"ref":        ref.Ref,
		})
		if err != nil {
			return fmt.Errorf("link %s to %s:%s: %w", entryID, ref.Kind, ref.Ref, err)
		}
	}
	g.logger.Debug("entry linked", zap.String("entry", entryID), zap.Int("refs", len(refs)))
	return nil
}

// HasLinks reports whether an entry has any artifact edge, directly or via
// a related entry.
func (g *Graph) HasLinks(ctx context.Context, entryID string) (bool, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (e:Entry {id: $id})
		 OPTIONAL MATCH (e)-[:RELATES_TO*0..1]-(:Entry)-[:LINKED_TO]->(a:Artifact)
		 RETURN count(a) AS links`,
		map[string]interface{}{"id": entryID})
	if err != nil {
		return false, fmt.Errorf("query links %s: %w", entryID, err)
	}
	var links int64
	if result.Next(ctx) {
		if v, ok := result.Record().Get("links"); ok {
			links, _ = v.(int64)
		}
	}
	return links > 0, result.Err()
}

// Artifacts returns the artifact refs directly linked to an entry.
func (g *Graph) Artifacts(ctx context.Context, entryID string) ([]Ref, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Entry {id: $id})-[:LINKED_TO]->(a:Artifact)
		 RETURN a.kind AS kind, a.ref AS ref ORDER BY kind, ref`,
		map[string]interface{}{"id": entryID})
	if err != nil {
		return nil, fmt.Errorf("query artifacts %s: %w", entryID, err)
	}
	var refs []Ref
	for result.Next(ctx) {
		rec := result.Record()
		kind, _ := rec.Get("kind")
		ref, _ := rec.Get("ref")
		k, _ := kind.(string)
		r, _ := ref.(string)
		refs = append(refs, Ref{Kind: Kind(k), Ref: r})
	}
	return refs, result.Err()
}

// Unlink removes an entry node and its edges. Artifacts left without any
// entry are removed too.
func (g *Graph) Unlink(ctx context.Context, entryID string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH (e:Entry {id: $id})
		 OPTIONAL MATCH (e)-[:LINKED_TO]->(a:Artifact)
		 DETACH DELETE e
		 WITH a WHERE a IS NOT NULL AND NOT EXISTS { (a)<-[:LINKED_TO]-() }
		 DELETE a`,
		map[string]interface{}{"id": entryID})
	if err != nil {
		return fmt.Errorf("unlink %s: %w", entryID, err)
	}
	return nil
}
