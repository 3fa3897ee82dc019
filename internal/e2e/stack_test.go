//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/api"
	"github.com/nidhogg/nuka-memory/internal/app"
	"github.com/nidhogg/nuka-memory/internal/config"
	"github.com/nidhogg/nuka-memory/internal/events"
	"github.com/nidhogg/nuka-memory/internal/knowledge"
	"github.com/nidhogg/nuka-memory/internal/linkage"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/metrics"
	"github.com/nidhogg/nuka-memory/internal/scope"
	"github.com/nidhogg/nuka-memory/internal/store"
)

// Package-level shared state, set by TestMain.
var (
	testApp      *app.App
	testServer   *httptest.Server
	testNeo4jURI string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) {
		fmt.Fprintln(os.Stderr, err)
		cleanup()
		os.Exit(1)
	}

	qHost, qPort, stop, err := startQdrant(ctx)
	if err != nil {
		fail(err)
	}
	cleanups = append(cleanups, stop)

	dsn, stop, err := startPostgres(ctx)
	if err != nil {
		fail(err)
	}
	cleanups = append(cleanups, stop)

	redisURL, stop, err := startRedis(ctx)
	if err != nil {
		fail(err)
	}
	cleanups = append(cleanups, stop)

	testNeo4jURI, stop, err = startNeo4j(ctx)
	if err != nil {
		fail(err)
	}
	cleanups = append(cleanups, stop)

	cfg := config.Default()
	cfg.VectorStore.Backend = "qdrant"
	cfg.VectorStore.Qdrant.Host = qHost
	cfg.VectorStore.Qdrant.Port = qPort
	cfg.Database.Postgres.DSN = dsn
	cfg.Database.Redis.URL = redisURL
	cfg.Database.Neo4j.URI = testNeo4jURI
	cfg.Embedding.Cache.Backend = "redis"
	cfg.Events.Enabled = true
	cfg.Alerts.Stream.Enabled = true
	cfg.Pruning.ScopeDelayMs = 0
	if err := cfg.Validate(); err != nil {
		fail(err)
	}

	testApp, err = app.New(ctx, cfg, zap.NewNop())
	if err != nil {
		fail(err)
	}
	cleanups = append(cleanups, testApp.Close)

	if rep := testApp.Maintenance.InitializeKnowledgeSystem(ctx); !rep.Success {
		fail(fmt.Errorf("initialize knowledge system: %v", rep.Errors))
	}

	h := api.NewHandler(testApp.Memory, testApp.Pruner, testApp.Summarizer, testApp.Seeder,
		testApp.Transfer, testApp.Maintenance, testApp.Ledger, zap.NewNop())
	h.SetPublisher(testApp.Publisher())
	testServer = httptest.NewServer(h.Router())
	cleanups = append(cleanups, testServer.Close)

	code := m.Run()
	cleanup()
	os.Exit(code)
}

func postJSON(t *testing.T, path string, body any, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(testServer.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestStack_Wiring(t *testing.T) {
	if _, ok := testApp.Ledger.(*store.Store); !ok {
		t.Errorf("ledger = %T, want postgres store", testApp.Ledger)
	}
	if testApp.Bus == nil {
		t.Fatal("event bus not wired")
	}
	n, err := testApp.Memory.ScopeCount(context.Background(), scope.Global)
	if err != nil || n == 0 {
		t.Errorf("global entries = %d (%v), want seeded corpus", n, err)
	}
}

func TestStack_WriteAndSearchOverHTTP(t *testing.T) {
	var created map[string]string
	code := postJSON(t, "/api/memories", map[string]any{
		"content":    "The billing service retries webhooks with exponential backoff",
		"scope":      "PROJECT",
		"project_id": "e2e-billing",
		"importance": 0.6,
	}, &created)
	if code != http.StatusCreated || created["id"] == "" {
		t.Fatalf("write status = %d, body = %v", code, created)
	}

	var found struct {
		Results []memory.Result `json:"results"`
		Count   int             `json:"count"`
	}
	for i := 0; i < 2; i++ {
		code = postJSON(t, "/api/memories/search", map[string]any{
			"query":      "webhook retries backoff",
			"scope":      "PROJECT",
			"project_id": "e2e-billing",
		}, &found)
		if code != http.StatusOK {
			t.Fatalf("search status = %d", code)
		}
	}
	if found.Count == 0 || found.Results[0].ID != created["id"] {
		t.Errorf("search results = %+v", found.Results)
	}

	// The repeated query is served from the Redis embedding cache.
	snap := testApp.Collector.Collect(context.Background(), testApp.Memory)
	if snap.CacheHits == 0 {
		t.Errorf("cache hits = 0, misses = %d", snap.CacheMisses)
	}
	if snap.Operations[metrics.OpSearch] < 2 {
		t.Errorf("search ops = %d", snap.Operations[metrics.OpSearch])
	}
}

func TestStack_PruneKeepsLinkedEntries(t *testing.T) {
	ctx := context.Background()
	mem := testApp.Memory

	linked, err := mem.WriteProjectNote(ctx, "e2e-prune", "Hotfix for the nightly export job",
		map[string]any{"commit_sha": "4f2a9c1"}, 0.1)
	if err != nil {
		t.Fatalf("write linked: %v", err)
	}
	loose, err := mem.WriteProjectNote(ctx, "e2e-prune", "Scratch note about lunch options", nil, 0.1)
	if err != nil {
		t.Fatalf("write loose: %v", err)
	}

	graph, err := linkage.NewGraph(testNeo4jURI, "", "", zap.NewNop())
	if err != nil {
		t.Fatalf("open graph: %v", err)
	}
	defer graph.Close(ctx)
	if ok, err := graph.HasLinks(ctx, linked); err != nil || !ok {
		t.Fatalf("graph links for %s = %v (%v)", linked, ok, err)
	}

	later := time.Now().Add(120 * 24 * time.Hour)
	mem.SetClock(func() time.Time { return later })
	t.Cleanup(func() { mem.SetClock(time.Now) })

	res, err := testApp.Pruner.PruneScope(ctx, scope.Project, false)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if res.Archived < 1 || res.Pruned < 1 {
		t.Errorf("prune result = %+v", res)
	}

	collection, _ := mem.Namer().Collection(scope.Project, "e2e-prune")
	entries, err := mem.Entries(ctx, collection, 0)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	state := map[string]bool{}
	for _, e := range entries {
		state[e.ID] = e.Archived()
	}
	if archived, ok := state[linked]; !ok || !archived {
		t.Errorf("linked entry should be archived and retained, state = %v", state)
	}
	if _, ok := state[loose]; ok {
		t.Errorf("unlinked low-importance entry should be deleted")
	}

	if err := mem.Delete(ctx, collection, linked); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := graph.HasLinks(ctx, linked); ok {
		t.Error("delete should remove graph links")
	}
}

func TestStack_MaintenanceRecordsAndPublishes(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 24; i++ {
		if _, err := testApp.Memory.WriteThreadTurn(ctx, "e2e-thread", "user",
			fmt.Sprintf("turn %d about the deploy pipeline", i), 0.6); err != nil {
			t.Fatalf("write turn: %v", err)
		}
	}

	var cycle struct {
		Ran     []string `json:"ran"`
		Success bool     `json:"success"`
	}
	if code := postJSON(t, "/api/maintenance/run", nil, &cycle); code != http.StatusOK {
		t.Fatalf("maintenance status = %d", code)
	}
	if len(cycle.Ran) == 0 {
		t.Fatalf("cycle ran nothing: %+v", cycle)
	}

	runs, err := testApp.Ledger.ListRuns(ctx, "maintenance_cycle", 5)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) == 0 || runs[0].Success != cycle.Success {
		t.Errorf("runs = %+v", runs)
	}

	recent, err := testApp.Bus.Recent(ctx, 20)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	seen := false
	for _, ev := range recent {
		if ev.Kind == events.KindMaintenanceCycle {
			seen = true
		}
	}
	if !seen {
		t.Errorf("no %s event in %d recent events", events.KindMaintenanceCycle, len(recent))
	}
}

func TestStack_ExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	pkg, err := testApp.Transfer.Export(ctx, knowledge.ExportOptions{
		Scopes:     []scope.Scope{scope.Global},
		Anonymize:  true,
		Exhaustive: true,
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if pkg.Entries() == 0 {
		t.Fatal("export produced no entries")
	}

	var rep knowledge.ImportReport
	code := postJSON(t, "/api/knowledge/import", map[string]any{"package": pkg}, &rep)
	if code != http.StatusOK {
		t.Fatalf("import status = %d", code)
	}
	if rep.Imported != 0 || rep.Skipped != pkg.Entries() {
		t.Errorf("re-import should skip everything: %+v", rep)
	}

	runs, err := testApp.Ledger.ListRuns(ctx, "knowledge_import", 1)
	if err != nil || len(runs) != 1 {
		t.Errorf("import runs = %v (%v)", runs, err)
	}
}

func TestStack_EventBusSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub := testApp.Bus.Subscribe(ctx)
	// XREAD from "$" only sees entries added after the read is issued.
	time.Sleep(200 * time.Millisecond)
	if err := testApp.Bus.Publish(ctx, events.KindPruneRun, map[string]int{"pruned": 3}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case ev := <-sub:
		if ev == nil || ev.Kind != events.KindPruneRun || string(ev.Payload) != `{"pruned":3}` {
			t.Errorf("event = %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}
