package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultTimeout bounds one embedding HTTP request.
const DefaultTimeout = 30 * time.Second

// DefaultBatchSize caps the texts sent in one API request.
const DefaultBatchSize = 64

// ErrDimensionMismatch is returned when a provider answers with vectors of
// a different size than the collections were created with.
var ErrDimensionMismatch = errors.New("embedding: dimension mismatch")

func newHTTPClient(cfg Config) *http.Client {
	timeout := DefaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// postJSON sends body to url and decodes the JSON answer into out.
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("embedding: %s returned status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("embedding: decode response: %w", err)
	}
	return nil
}

// dimensionGuard pins the vector size. A configured dimension is pinned up
// front; otherwise the first answer pins it.
type dimensionGuard struct {
	pinned atomic.Int64
}

func newDimensionGuard(configured int) *dimensionGuard {
	g := &dimensionGuard{}
	if configured > 0 {
		g.pinned.Store(int64(configured))
	}
	return g
}

func (g *dimensionGuard) check(vecs [][]float32) error {
	for _, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("embedding: empty vector in response")
		}
		g.pinned.CompareAndSwap(0, int64(len(v)))
		if want := g.pinned.Load(); int64(len(v)) != want {
			return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), want)
		}
	}
	return nil
}

func (g *dimensionGuard) dimension() int { return int(g.pinned.Load()) }

// APIProvider embeds through an OpenAI-compatible /embeddings endpoint.
type APIProvider struct {
	endpoint string
	model    string
	apiKey   string
	batch    int
	client   *http.Client
	dims     *dimensionGuard
}

// NewAPIProvider creates an APIProvider from cfg.
func NewAPIProvider(cfg Config) *APIProvider {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &APIProvider{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		batch:    batch,
		client:   newHTTPClient(cfg),
		dims:     newDimensionGuard(cfg.Dimension),
	}
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiEmbeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type apiResponse struct {
	Data []apiEmbeddingData `json:"data"`
}

// Embed sends texts in batches and returns vectors in input order.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.batch {
		end := min(start+p.batch, len(texts))
		vecs, err := p.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (p *APIProvider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var resp apiResponse
	if err := postJSON(ctx, p.client, p.endpoint+"/embeddings", p.apiKey, apiRequest{Model: p.model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d texts", len(resp.Data), len(texts))
	}
	vecs := make([][]float32, len(texts))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(vecs) || vecs[idx] != nil {
			// Servers that omit the index answer in input order.
			idx = i
		}
		vecs[idx] = d.Embedding
	}
	if err := p.dims.check(vecs); err != nil {
		return nil, err
	}
	return vecs, nil
}

// Dimension is the pinned vector size, or zero before the first answer
// when none was configured.
func (p *APIProvider) Dimension() int { return p.dims.dimension() }

// LocalProvider embeds through an Ollama-compatible /api/embeddings
// endpoint, one text per request.
type LocalProvider struct {
	endpoint string
	model    string
	client   *http.Client
	dims     *dimensionGuard
}

// NewLocalProvider creates a LocalProvider from cfg.
func NewLocalProvider(cfg Config) *LocalProvider {
	return &LocalProvider{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		client:   newHTTPClient(cfg),
		dims:     newDimensionGuard(cfg.Dimension),
	}
}

type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed requests each text in turn.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		var resp localResponse
		if err := postJSON(ctx, p.client, p.endpoint+"/api/embeddings", "", localRequest{Model: p.model, Prompt: text}, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Embedding)
	}
	if err := p.dims.check(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Dimension is the pinned vector size.
func (p *LocalProvider) Dimension() int { return p.dims.dimension() }
