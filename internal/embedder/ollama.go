package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Task prefixes understood by nomic-embed-text. The model produces
// incompatible vectors if documents and queries are embedded without the
// matching prefix, so the mode is mapped to a prefix on every call.
const (
	ollamaDocumentPrefix = "search_document: "
	ollamaQueryPrefix    = "search_query: "
)

// OllamaEmbedder implements rag.Embedder using the Ollama /api/embed
// endpoint. It is safe for concurrent use. No API key is required — Ollama
// runs locally.
type OllamaEmbedder struct {
	// host is the Ollama server base URL (e.g. "http://localhost:11434").
	host string
	// model is the embedding model name (e.g. "nomic-embed-text").
	model string
	// dimensions is the embedding vector length, used for zero vectors.
	dimensions int
	// prefixed enables nomic-style task prefixes for document/query modes.
	prefixed bool
	// client is the shared HTTP client with a sensible timeout.
	client *http.Client
}

// OllamaConfig holds the settings for constructing an OllamaEmbedder.
type OllamaConfig struct {
	// Host is the Ollama server base URL (e.g. "http://localhost:11434").
	Host string
	// Model is the embedding model name (e.g. "nomic-embed-text").
	Model string
	// Dimensions is the embedding vector length (default: 768).
	Dimensions int
}

// NewOllamaEmbedder constructs an OllamaEmbedder from the given config.
// Task prefixes are enabled automatically for nomic models.
func NewOllamaEmbedder(cfg *OllamaConfig) *OllamaEmbedder {
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = defaultOllamaDimensions
	}
	return &OllamaEmbedder{
		host:       cfg.Host,
		model:      cfg.Model,
		dimensions: dims,
		prefixed:   usesTaskPrefixes(cfg.Model),
		client:     &http.Client{Timeout: 60 * time.Second},
	}
}

// ollamaEmbedRequest is the JSON body sent to the Ollama /api/embed endpoint.
type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// ollamaEmbedResponse is the JSON body returned from the Ollama /api/embed endpoint.
type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// EmbedDocuments embeds a batch of stored-document texts. The returned slice
// is parallel to the input; blank texts yield zero vectors without an API call.
func (e *OllamaEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return e.embed(ctx, texts, modeDocument)
}

// EmbedQuery embeds a single search query.
func (e *OllamaEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embed(ctx, []string{text}, modeQuery)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// embed sends the non-blank texts to the embed endpoint, applying the task
// prefix for the given mode when the model requires it, and reassembles the
// result with zero vectors at blank positions.
func (e *OllamaEmbedder) embed(ctx context.Context, texts []string, m mode) ([][]float32, error) {
	nonBlank, positions := splitBlanks(texts)
	if len(nonBlank) == 0 {
		return assemble(len(texts), e.dimensions, nil, nil), nil
	}

	input := nonBlank
	if e.prefixed {
		prefix := ollamaDocumentPrefix
		if m == modeQuery {
			prefix = ollamaQueryPrefix
		}
		input = make([]string, len(nonBlank))
		for i, text := range nonBlank {
			input[i] = prefix + text
		}
	}

	body := ollamaEmbedRequest{
		Model: e.model,
		Input: input,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: marshal request: %w", err)
	}

	url := e.host + "/api/embed"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: request failed: %v: %w", err, ErrUnavailable)
	}
	defer resp.Body.Close()

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama embedder: decode response: %v: %w", err, ErrUnavailable)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if result.Error != "" {
			msg = result.Error
		}
		return nil, fmt.Errorf("ollama embedder: %s: %w", msg, ErrUnavailable)
	}

	if len(result.Embeddings) != len(nonBlank) {
		return nil, fmt.Errorf("ollama embedder: expected %d embeddings, got %d: %w", len(nonBlank), len(result.Embeddings), ErrUnavailable)
	}

	return assemble(len(texts), e.dimensions, result.Embeddings, positions), nil
}
