package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/events"
	"github.com/nidhogg/nuka-memory/internal/knowledge"
	"github.com/nidhogg/nuka-memory/internal/maintenance"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/pruning"
	"github.com/nidhogg/nuka-memory/internal/scope"
	"github.com/nidhogg/nuka-memory/internal/store"
	"github.com/nidhogg/nuka-memory/internal/summarizer"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	mem         *memory.Facade
	pruner      *pruning.Engine
	summarizer  *summarizer.Engine
	seeder      *knowledge.Seeder
	transfer    *knowledge.Transfer
	maintenance *maintenance.Orchestrator
	ledger      store.Ledger
	publisher   Publisher
	origins     []string
	logger      *zap.Logger
}

// Publisher announces manual runs.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload any) error
}

// NewHandler creates a new API handler.
func NewHandler(
	mem *memory.Facade,
	pruner *pruning.Engine,
	summ *summarizer.Engine,
	seeder *knowledge.Seeder,
	transfer *knowledge.Transfer,
	orch *maintenance.Orchestrator,
	ledger store.Ledger,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		mem:         mem,
		pruner:      pruner,
		summarizer:  summ,
		seeder:      seeder,
		transfer:    transfer,
		maintenance: orch,
		ledger:      ledger,
		origins:     []string{"*"},
		logger:      logger,
	}
}

// SetPublisher announces manual pruning runs on an event stream.
func (h *Handler) SetPublisher(p Publisher) { h.publisher = p }

// SetCORSOrigins restricts allowed browser origins.
func (h *Handler) SetCORSOrigins(origins []string) {
	if len(origins) > 0 {
		h.origins = origins
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/memories", h.writeMemory)
		r.Post("/memories/search", h.searchMemory)
		r.Post("/threads/{id}/summarize", h.summarizeThread)

		r.Post("/pruning/run", h.runPruning)
		r.Post("/maintenance/run", h.runMaintenance)
		r.Get("/maintenance/history", h.maintenanceHistory)
		r.Get("/system/health", h.systemHealth)

		r.Post("/knowledge/seed", h.seedKnowledge)
		r.Post("/knowledge/export", h.exportKnowledge)
		r.Post("/knowledge/import", h.importKnowledge)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	rep := h.mem.Health(r.Context())
	status := http.StatusOK
	if !rep.StoreReachable {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

type writeRequest struct {
	Content    string         `json:"content"`
	Scope      string         `json:"scope"`
	Metadata   map[string]any `json:"metadata"`
	ProjectID  string         `json:"project_id"`
	ThreadID   string         `json:"thread_id"`
	AgentType  string         `json:"agent_type"`
	Importance *float64       `json:"importance"`
}

func (h *Handler) writeMemory(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s, err := scope.Parse(req.Scope)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id, err := h.mem.Write(r.Context(), memory.WriteRequest{
		Content:    req.Content,
		Scope:      s,
		Metadata:   req.Metadata,
		ProjectID:  req.ProjectID,
		ThreadID:   req.ThreadID,
		AgentType:  req.AgentType,
		Importance: req.Importance,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type searchRequest struct {
	Query           string         `json:"query"`
	Scope           string         `json:"scope"`
	ProjectID       string         `json:"project_id"`
	ThreadID        string         `json:"thread_id"`
	AgentType       string         `json:"agent_type"`
	Filter          map[string]any `json:"filter"`
	Limit           int            `json:"limit"`
	Passive         bool           `json:"passive"`
	IncludeArchived bool           `json:"include_archived"`
}

func (h *Handler) searchMemory(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s, err := scope.Parse(req.Scope)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	results, err := h.mem.Search(r.Context(), memory.SearchRequest{
		Query:           req.Query,
		Scope:           s,
		ProjectID:       req.ProjectID,
		ThreadID:        req.ThreadID,
		AgentType:       req.AgentType,
		Filter:          req.Filter,
		Limit:           req.Limit,
		Passive:         req.Passive,
		IncludeArchived: req.IncludeArchived,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results, "count": len(results)})
}

func (h *Handler) summarizeThread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.summarizer.SummarizeThread(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) runPruning(w http.ResponseWriter, r *http.Request) {
	dryRun := true
	if v := r.URL.Query().Get("dry_run"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "dry_run must be a boolean"})
			return
		}
		dryRun = b
	}
	started := time.Now()

	if v := r.URL.Query().Get("scope"); v != "" {
		s, err := scope.Parse(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		res, err := h.pruner.PruneScope(r.Context(), s, dryRun)
		if err != nil {
			writeError(w, err)
			return
		}
		h.record(r, "pruning", started, res)
		h.publish(r, events.KindPruneRun, res)
		writeJSON(w, http.StatusOK, res)
		return
	}

	rep, err := h.pruner.PruneAll(r.Context(), dryRun)
	if err != nil {
		writeError(w, err)
		return
	}
	h.record(r, "pruning", started, rep)
	h.publish(r, events.KindPruneRun, rep)
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) runMaintenance(w http.ResponseWriter, r *http.Request) {
	rep, err := h.maintenance.RunMaintenanceCycle(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) maintenanceHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.ledger.ListRuns(r.Context(), r.URL.Query().Get("kind"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) systemHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.maintenance.SystemHealth(r.Context()))
}

func (h *Handler) seedKnowledge(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	rep, err := h.seeder.Seed(r.Context(), force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) exportKnowledge(w http.ResponseWriter, r *http.Request) {
	var opts knowledge.ExportOptions
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	pkg, err := h.transfer.Export(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

type importRequest struct {
	Package       *knowledge.Package `json:"package"`
	Strategy      string             `json:"strategy"`
	TargetProject string             `json:"target_project"`
}

func (h *Handler) importKnowledge(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Package == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "package is required"})
		return
	}
	strategy, err := knowledge.ParseStrategy(req.Strategy)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	rep, err := h.transfer.Import(r.Context(), req.Package, knowledge.ImportOptions{
		Strategy:      strategy,
		TargetProject: req.TargetProject,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) record(r *http.Request, kind string, started time.Time, payload any) {
	if h.ledger == nil {
		return
	}
	if err := h.ledger.RecordRun(r.Context(), kind, started, payload); err != nil {
		h.logger.Warn("record run failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (h *Handler) publish(r *http.Request, kind string, payload any) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(r.Context(), kind, payload); err != nil {
		h.logger.Warn("publish event failed", zap.String("kind", kind), zap.Error(err))
	}
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case memory.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, knowledge.ErrUnsupportedVersion):
		status = http.StatusBadRequest
	case errors.Is(err, memory.ErrNotInitialized):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
