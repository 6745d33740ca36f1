package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestSplitBlanks verifies the blank partitioning used by every backend.
func TestSplitBlanks(t *testing.T) {
	t.Parallel()

	nonBlank, positions := splitBlanks([]string{"a", "  ", "", "b", "\t\n"})
	if len(nonBlank) != 2 || nonBlank[0] != "a" || nonBlank[1] != "b" {
		t.Errorf("unexpected non-blank subset: %v", nonBlank)
	}
	if len(positions) != 2 || positions[0] != 0 || positions[1] != 3 {
		t.Errorf("unexpected positions: %v", positions)
	}
}

// TestOllamaEmbedder_BlankInputYieldsZeroVector verifies that whitespace-only
// input returns a deterministic zero vector without touching the provider.
func TestOllamaEmbedder_BlankInputYieldsZeroVector(t *testing.T) {
	t.Parallel()

	// The handler fails the test if it is ever reached.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider called for blank-only input")
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "nomic-embed-text", Dimensions: 4})

	vecs, err := e.EmbedDocuments(context.Background(), []string{"", "   "})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}
	for i, v := range vecs {
		if len(v) != 4 {
			t.Fatalf("vector %d: expected dimension 4, got %d", i, len(v))
		}
		for _, c := range v {
			if c != 0 {
				t.Errorf("vector %d: expected zero vector, got %v", i, v)
				break
			}
		}
	}
}

// TestOllamaEmbedder_ModePrefixes verifies that nomic models receive the
// matching task prefix for document vs query embedding.
func TestOllamaEmbedder_ModePrefixes(t *testing.T) {
	t.Parallel()

	var gotInputs [][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotInputs = append(gotInputs, req.Input)

		embeddings := make([][]float32, len(req.Input))
		for i := range embeddings {
			embeddings[i] = []float32{1, 0}
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: embeddings})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "nomic-embed-text", Dimensions: 2})

	if _, err := e.EmbedDocuments(context.Background(), []string{"knee pain"}); err != nil {
		t.Fatalf("embed documents: %v", err)
	}
	if _, err := e.EmbedQuery(context.Background(), "knee pain"); err != nil {
		t.Fatalf("embed query: %v", err)
	}

	if len(gotInputs) != 2 {
		t.Fatalf("expected 2 provider calls, got %d", len(gotInputs))
	}
	if gotInputs[0][0] != ollamaDocumentPrefix+"knee pain" {
		t.Errorf("document input: expected %q prefix, got %q", ollamaDocumentPrefix, gotInputs[0][0])
	}
	if gotInputs[1][0] != ollamaQueryPrefix+"knee pain" {
		t.Errorf("query input: expected %q prefix, got %q", ollamaQueryPrefix, gotInputs[1][0])
	}
}

// TestOllamaEmbedder_ProviderErrorIsUnavailable verifies that an HTTP error
// from the backend is classified as ErrUnavailable.
func TestOllamaEmbedder_ProviderErrorIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Error: "model not loaded"})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "nomic-embed-text", Dimensions: 2})

	_, err := e.EmbedQuery(context.Background(), "anything")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

// TestOpenAIEmbedder_BlanksInterleaved verifies that blank entries in a batch
// are filled with zero vectors while non-blank entries keep provider order.
func TestOpenAIEmbedder_BlanksInterleaved(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		resp := openaiEmbedResponse{}
		for i := range req.Input {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: []float32{float32(i + 1), 0}, Index: i})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Model: "text-embedding-3-small", Dimensions: 2})

	vecs, err := e.EmbedDocuments(context.Background(), []string{"first", "", "second"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vecs))
	}
	if vecs[0][0] != 1 || vecs[2][0] != 2 {
		t.Errorf("non-blank vectors out of order: %v", vecs)
	}
	if vecs[1][0] != 0 || vecs[1][1] != 0 {
		t.Errorf("blank position should be a zero vector, got %v", vecs[1])
	}
}

// TestUsesTaskPrefixes verifies prefix detection by model name.
func TestUsesTaskPrefixes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		model string
		want  bool
	}{
		{"nomic-embed-text", true},
		{"nomic-embed-text-v1.5", true},
		{"text-embedding-3-small", false},
		{"mxbai-embed-large", false},
	}

	for _, tc := range cases {
		if got := usesTaskPrefixes(tc.model); got != tc.want {
			t.Errorf("usesTaskPrefixes(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}
}
