package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/caremind/caremind-go/internal/audit"
	"github.com/caremind/caremind-go/internal/embedder"
	"github.com/caremind/caremind-go/internal/filter"
	"github.com/caremind/caremind-go/internal/rag"
	"github.com/caremind/caremind-go/internal/retrieval"
)

// fakeCompleter fails the first failures calls, then answers.
type fakeCompleter struct {
	mu       sync.Mutex
	answer   string
	failures int
	failErr  error
	calls    int
	block    bool
}

func (f *fakeCompleter) Generate(ctx context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		if f.failErr != nil {
			return nil, f.failErr
		}
		return nil, errors.New("model backend unavailable")
	}
	return schema.AssistantMessage(f.answer, nil), nil
}

// fakeRetriever fails the first failures calls, then returns fixed items.
type fakeRetriever struct {
	mu       sync.Mutex
	items    []rag.ContextItem
	err      error
	failures int
	calls    int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _, _, _ string) ([]rag.ContextItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil && (f.failures == 0 || f.calls <= f.failures) {
		return nil, f.err
	}
	return f.items, nil
}

// memRecorder collects audit records in memory.
type memRecorder struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (m *memRecorder) Write(_ context.Context, rec audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memRecorder) Close() error { return nil }

func (m *memRecorder) all() []audit.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Record(nil), m.recs...)
}

var testItems = []rag.ContextItem{
	{SourceType: rag.SourceSession, SourceID: "sess-1", Field: "plan", Snippet: "daily stretching", Similarity: 0.9},
	{SourceType: rag.SourceProfile, SourceID: "client-1", Field: "goals", Snippet: "return to running", Similarity: 0.8},
}

func newOrchestrator(t *testing.T, c Completer, r Retriever, rec audit.Recorder, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	o, err := New(c, r, filter.New(filter.Config{}), rec, cfg)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func TestAnswer_HappyPath(t *testing.T) {
	t.Parallel()

	rec := &memRecorder{}
	o := newOrchestrator(t,
		&fakeCompleter{answer: "The plan is daily stretching [1]."},
		&fakeRetriever{items: testItems},
		rec, Config{})

	resp, err := o.Answer(context.Background(), Request{TenantID: "t1", ActorID: "u1", Query: "what is the plan?"})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if resp.Language != "en" || resp.ResultCount != 2 {
		t.Errorf("unexpected response metadata: %+v", resp)
	}
	if len(resp.Citations) != 1 || resp.Citations[0].SourceID != "sess-1" {
		t.Errorf("expected single citation for sess-1, got %+v", resp.Citations)
	}
	if resp.Citations[0].Similarity != 0.9 {
		t.Errorf("citation lost its similarity score: %+v", resp.Citations[0])
	}

	body, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	for _, key := range []string{`"detected_language"`, `"field_name"`, `"similarity"`} {
		if !strings.Contains(string(body), key) {
			t.Errorf("response JSON missing %s: %s", key, body)
		}
	}

	recs := rec.all()
	if len(recs) != 1 {
		t.Fatalf("expected exactly one audit record, got %d", len(recs))
	}
	if recs[0].Outcome != audit.OutcomeComplete || recs[0].ResultCount != 2 {
		t.Errorf("unexpected audit record: %+v", recs[0])
	}
	if recs[0].QueryFingerprint == "" || strings.Contains(recs[0].QueryFingerprint, "plan") {
		t.Error("audit record must carry an opaque fingerprint, not query text")
	}
}

func TestAnswer_NoContextStillAnswersAndAudits(t *testing.T) {
	t.Parallel()

	rec := &memRecorder{}
	o := newOrchestrator(t,
		&fakeCompleter{answer: "No matching records were found for this question."},
		&fakeRetriever{err: retrieval.ErrNoContext},
		rec, Config{})

	resp, err := o.Answer(context.Background(), Request{TenantID: "t1", ActorID: "u1", Query: "anything"})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if resp.ResultCount != 0 || len(resp.Citations) != 0 {
		t.Errorf("no-context response must carry no citations: %+v", resp)
	}

	recs := rec.all()
	if len(recs) != 1 || recs[0].Outcome != audit.OutcomeNoContext {
		t.Errorf("expected one no_context audit record, got %+v", recs)
	}
}

func TestAnswer_RetriesTransientSynthesisFailure(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{answer: "Recovered answer [1].", failures: 2}
	o := newOrchestrator(t, completer, &fakeRetriever{items: testItems}, &memRecorder{}, Config{MaxAttempts: 3})

	resp, err := o.Answer(context.Background(), Request{TenantID: "t1", ActorID: "u1", Query: "q"})
	if err != nil {
		t.Fatalf("answer after retries: %v", err)
	}
	if !strings.Contains(resp.Answer, "Recovered") {
		t.Errorf("unexpected answer: %q", resp.Answer)
	}
	if completer.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", completer.calls)
	}
}

func TestAnswer_RetriesEmbeddingOutage(t *testing.T) {
	t.Parallel()

	retriever := &fakeRetriever{
		items:    testItems,
		err:      fmt.Errorf("retrieval: embedding query: %w", embedder.ErrUnavailable),
		failures: 2,
	}
	o := newOrchestrator(t, &fakeCompleter{answer: "Recovered [1]."}, retriever, &memRecorder{}, Config{MaxAttempts: 3})

	resp, err := o.Answer(context.Background(), Request{TenantID: "t1", ActorID: "u1", Query: "q"})
	if err != nil {
		t.Fatalf("answer after embedding retries: %v", err)
	}
	if resp.ResultCount != 2 {
		t.Errorf("unexpected result count: %+v", resp)
	}
	if retriever.calls != 3 {
		t.Errorf("expected 3 retrieval attempts, got %d", retriever.calls)
	}
}

func TestAnswer_EmbeddingOutageExhaustionAudited(t *testing.T) {
	t.Parallel()

	rec := &memRecorder{}
	retriever := &fakeRetriever{err: fmt.Errorf("retrieval: embedding query: %w", embedder.ErrUnavailable)}
	o := newOrchestrator(t, &fakeCompleter{answer: "unused"}, retriever, rec, Config{MaxAttempts: 2})

	_, err := o.Answer(context.Background(), Request{TenantID: "t1", ActorID: "u1", Query: "q"})
	if !errors.Is(err, ErrQueryFailed) {
		t.Fatalf("expected ErrQueryFailed, got %v", err)
	}
	if retriever.calls != 2 {
		t.Errorf("expected 2 retrieval attempts, got %d", retriever.calls)
	}
	recs := rec.all()
	if len(recs) != 1 || recs[0].ErrorKind != "embedding" {
		t.Errorf("expected one embedding-failure record, got %+v", recs)
	}
}

func TestAnswer_NonRetryableCompletionFailsFast(t *testing.T) {
	t.Parallel()

	rec := &memRecorder{}
	completer := &fakeCompleter{failures: 99, failErr: errors.New("401 Unauthorized: invalid api key")}
	o := newOrchestrator(t, completer, &fakeRetriever{items: testItems}, rec, Config{MaxAttempts: 3})

	_, err := o.Answer(context.Background(), Request{TenantID: "t1", ActorID: "u1", Query: "q"})
	if !errors.Is(err, ErrQueryFailed) {
		t.Fatalf("expected ErrQueryFailed, got %v", err)
	}
	if completer.calls != 1 {
		t.Errorf("rejected credentials must not be retried, got %d attempts", completer.calls)
	}
	recs := rec.all()
	if len(recs) != 1 || recs[0].ErrorKind != "synthesis" {
		t.Errorf("unexpected audit record: %+v", recs)
	}
}

func TestRetryableCompletion(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  string
		want bool
	}{
		{"connection reset by peer", true},
		{"status code: 503 service unavailable", true},
		{"429 too many requests", true},
		{"rate limit exceeded", true},
		{"status code: 401 unauthorized", false},
		{"400 bad request: messages must not be empty", false},
		{"404 model not found", false},
	}
	for _, tc := range cases {
		if got := retryableCompletion(errors.New(tc.err)); got != tc.want {
			t.Errorf("retryableCompletion(%q) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestAnswer_SynthesisExhaustionIsGenericAndAudited(t *testing.T) {
	t.Parallel()

	rec := &memRecorder{}
	o := newOrchestrator(t,
		&fakeCompleter{failures: 99},
		&fakeRetriever{items: testItems},
		rec, Config{MaxAttempts: 2})

	_, err := o.Answer(context.Background(), Request{TenantID: "t1", ActorID: "u1", Query: "q"})
	if !errors.Is(err, ErrQueryFailed) {
		t.Fatalf("expected ErrQueryFailed, got %v", err)
	}
	if strings.Contains(err.Error(), "backend") {
		t.Errorf("internal detail leaked into caller error: %v", err)
	}

	recs := rec.all()
	if len(recs) != 1 {
		t.Fatalf("expected exactly one audit record, got %d", len(recs))
	}
	if recs[0].Outcome != audit.OutcomeFailed || recs[0].ErrorKind != "synthesis" {
		t.Errorf("unexpected audit record: %+v", recs[0])
	}
}

func TestAnswer_WallClockTimeoutAudited(t *testing.T) {
	t.Parallel()

	rec := &memRecorder{}
	o := newOrchestrator(t,
		&fakeCompleter{block: true},
		&fakeRetriever{items: testItems},
		rec, Config{WallClockTimeout: 30 * time.Millisecond, AttemptTimeout: time.Second})

	_, err := o.Answer(context.Background(), Request{TenantID: "t1", ActorID: "u1", Query: "q"})
	if !errors.Is(err, ErrQueryFailed) {
		t.Fatalf("expected ErrQueryFailed, got %v", err)
	}

	recs := rec.all()
	if len(recs) != 1 {
		t.Fatalf("expected exactly one audit record, got %d", len(recs))
	}
	if recs[0].ErrorKind != "timeout" {
		t.Errorf("expected timeout error kind, got %+v", recs[0])
	}
}

func TestAnswer_RetrievalFailureAudited(t *testing.T) {
	t.Parallel()

	rec := &memRecorder{}
	o := newOrchestrator(t,
		&fakeCompleter{answer: "unused"},
		&fakeRetriever{err: errors.New("qdrant connection refused")},
		rec, Config{})

	_, err := o.Answer(context.Background(), Request{TenantID: "t1", ActorID: "u1", Query: "q"})
	if !errors.Is(err, ErrQueryFailed) {
		t.Fatalf("expected ErrQueryFailed, got %v", err)
	}
	if strings.Contains(err.Error(), "qdrant") {
		t.Errorf("internal detail leaked: %v", err)
	}
	recs := rec.all()
	if len(recs) != 1 || recs[0].ErrorKind != "retrieval" {
		t.Errorf("expected one retrieval-failure record, got %+v", recs)
	}
}

func TestAnswer_RejectsIncompleteRequest(t *testing.T) {
	t.Parallel()

	o := newOrchestrator(t, &fakeCompleter{answer: "x"}, &fakeRetriever{}, &memRecorder{}, Config{})
	cases := []Request{
		{ActorID: "u1", Query: "q"},
		{TenantID: "t1", Query: "q"},
		{TenantID: "t1", ActorID: "u1"},
	}
	for _, req := range cases {
		if _, err := o.Answer(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("Answer(%+v): expected ErrInvalidRequest, got %v", req, err)
		}
	}
}

func TestExtractCitations(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		answer string
		want   []string // expected source IDs in order
	}{
		{"single marker", "Improving [2].", []string{"client-1"}},
		{"order of first mention", "See [2], also [1], again [2].", []string{"client-1", "sess-1"}},
		{"out of range ignored", "Nonsense [7] but [1] holds.", []string{"sess-1"}},
		{"no markers cites everything", "The patient is improving steadily.", []string{"sess-1", "client-1"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := extractCitations(tc.answer, testItems)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d citations, want %d: %+v", len(got), len(tc.want), got)
			}
			for i, id := range tc.want {
				if got[i].SourceID != id {
					t.Errorf("citation %d: got %q, want %q", i, got[i].SourceID, id)
				}
			}
		})
	}

	if got := extractCitations("anything [1]", nil); got != nil {
		t.Errorf("no items must yield no citations, got %+v", got)
	}
}
