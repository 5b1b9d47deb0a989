// Package embedding turns text into fixed-length vectors through an HTTP
// embedding provider.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Vector is a float32 embedding vector.
type Vector = []float32

var (
	// ErrEmbeddingUnavailable wraps every provider failure.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	// ErrDimensionMismatch is returned for vectors of the wrong length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either is empty, zero or the lengths differ.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i, x := range a {
		y := float64(b[i])
		dot += float64(x) * y
		na += float64(x) * float64(x)
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// CheckDims returns ErrDimensionMismatch unless len(v) == dims.
func CheckDims(v Vector, dims int) error {
	if len(v) != dims {
		return goerr.Wrap(ErrDimensionMismatch, "unexpected vector length",
			goerr.V("want", dims), goerr.V("got", len(v)))
	}
	return nil
}

// wire describes how one provider shapes requests and responses.
type wire struct {
	name     string
	path     string
	request  func(model, text string) any
	response func() vectorReply
}

type vectorReply interface {
	vector() (Vector, bool)
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (r *ollamaResponse) vector() (Vector, bool) { return r.Embedding, r.Embedding != nil }

type openaiRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type openaiResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (r *openaiResponse) vector() (Vector, bool) {
	if len(r.Data) == 0 {
		return nil, false
	}
	return r.Data[0].Embedding, true
}

var (
	ollamaWire = wire{
		name:     "ollama",
		path:     "/api/embeddings",
		request:  func(model, text string) any { return ollamaRequest{Model: model, Prompt: text} },
		response: func() vectorReply { return &ollamaResponse{} },
	}
	openaiWire = wire{
		name:     "openai",
		path:     "/embeddings",
		request:  func(model, text string) any { return openaiRequest{Input: text, Model: model} },
		response: func() vectorReply { return &openaiResponse{} },
	}
)

// HTTPEmbedder calls a JSON embedding endpoint and checks the returned
// vector length against Dims.
type HTTPEmbedder struct {
	wire    wire
	baseURL string
	apiKey  string
	model   string
	dims    int
	client  *http.Client
}

// NewOllamaEmbedder talks to a local Ollama instance.
// nomic-embed-text produces 768 dims, all-minilm 384.
func NewOllamaEmbedder(baseURL, model string, dims int, timeout time.Duration) *HTTPEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	if dims == 0 {
		dims = 768
		if model == "all-minilm" {
			dims = 384
		}
	}
	return newHTTPEmbedder(ollamaWire, baseURL, "", model, dims, timeout)
}

// NewOpenAIEmbedder talks to any OpenAI-compatible embeddings API.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dims int, timeout time.Duration) *HTTPEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dims == 0 {
		dims = 1536
	}
	return newHTTPEmbedder(openaiWire, baseURL, apiKey, model, dims, timeout)
}

func newHTTPEmbedder(w wire, baseURL, apiKey, model string, dims int, timeout time.Duration) *HTTPEmbedder {
	return &HTTPEmbedder{
		wire:    w,
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		dims:    dims,
		client:  &http.Client{Timeout: timeout},
	}
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	reply := e.wire.response()
	if err := e.post(ctx, e.wire.request(e.model, text), reply); err != nil {
		return nil, goerr.Wrap(err, "embed text", goerr.V("provider", e.wire.name), goerr.V("model", e.model))
	}
	v, ok := reply.vector()
	if !ok {
		return nil, goerr.Wrap(ErrEmbeddingUnavailable, "no embedding returned", goerr.V("provider", e.wire.name))
	}
	if err := CheckDims(v, e.dims); err != nil {
		return nil, err
	}
	return v, nil
}

func (e *HTTPEmbedder) Dims() int { return e.dims }

// post sends body and decodes a 2xx JSON response into out. Transport
// errors and non-2xx statuses are ErrEmbeddingUnavailable.
func (e *HTTPEmbedder) post(ctx context.Context, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+e.wire.path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return errors.Join(ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Join(ErrEmbeddingUnavailable, fmt.Errorf("status %d: %s", resp.StatusCode, string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Join(ErrEmbeddingUnavailable, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// Options selects and configures a provider.
type Options struct {
	Provider string // "ollama" | "openai" | "" (disabled)
	Model    string
	URL      string
	APIKey   string
	Dims     int
	Timeout  time.Duration
}

// New creates an embedder from opts. It returns nil when embeddings are disabled.
func New(opts Options) (Embedder, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	switch opts.Provider {
	case "ollama":
		return NewOllamaEmbedder(opts.URL, opts.Model, opts.Dims, opts.Timeout), nil
	case "openai":
		return NewOpenAIEmbedder(opts.URL, opts.APIKey, opts.Model, opts.Dims, opts.Timeout), nil
	case "":
		return nil, nil
	default:
		return nil, goerr.New("unknown embedding provider", goerr.V("provider", opts.Provider))
	}
}
