// Package embedder provides implementations of the rag.Embedder interface
// for converting clinical note text into dense vector embeddings. Each
// implementation talks to a different backend (OpenAI, Azure OpenAI, Ollama)
// via plain HTTP — no additional SDK dependencies are required.
//
// All implementations share two contract points that callers rely on:
//
//   - Blank input never errors. A whitespace-only text yields a
//     deterministic zero vector of the configured dimension, so callers
//     never need to skip empty record fields — a zero vector simply never
//     ranks highly.
//   - Provider failures are classified as [ErrUnavailable] and propagated
//     untransformed. There is no silent fallback that could mask a broken
//     index.
package embedder

import (
	"errors"
	"strings"
)

// ErrUnavailable classifies any embedding provider failure (network, HTTP
// error, malformed response). Callers use errors.Is to distinguish a broken
// provider from their own bugs.
var ErrUnavailable = errors.New("embedder: provider unavailable")

// mode selects how a text is embedded. Providers that distinguish document
// and query embeddings (e.g. nomic-embed-text) produce incompatible vectors
// if the two are mixed up, so the mode travels with every call.
type mode string

const (
	// modeDocument embeds stored record fields.
	modeDocument mode = "document"
	// modeQuery embeds live search queries.
	modeQuery mode = "query"
)

// zeroVector returns the deterministic embedding for blank input.
func zeroVector(dimensions int) []float32 {
	return make([]float32, dimensions)
}

// isBlank reports whether the text is empty or whitespace-only.
func isBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}

// splitBlanks partitions texts into the non-blank subset sent to the
// provider and an index map used to reassemble the full result slice with
// zero vectors at blank positions.
func splitBlanks(texts []string) (nonBlank []string, positions []int) {
	for i, text := range texts {
		if isBlank(text) {
			continue
		}
		nonBlank = append(nonBlank, text)
		positions = append(positions, i)
	}
	return nonBlank, positions
}

// assemble merges provider embeddings back into a slice parallel to the
// original input, filling blank positions with zero vectors.
func assemble(total int, dimensions int, embedded [][]float32, positions []int) [][]float32 {
	out := make([][]float32, total)
	for i := range out {
		out[i] = zeroVector(dimensions)
	}
	for i, pos := range positions {
		out[pos] = embedded[i]
	}
	return out
}
