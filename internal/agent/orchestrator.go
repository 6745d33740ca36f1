// Package agent runs one query through the full answer pipeline: detect
// language, retrieve tenant context, synthesize an answer, filter it, and
// audit the request. The orchestrator holds no conversational state — every
// request is self-contained, and concurrent requests share nothing but the
// injected dependencies.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/caremind/caremind-go/internal/audit"
	"github.com/caremind/caremind-go/internal/budget"
	"github.com/caremind/caremind-go/internal/embedder"
	"github.com/caremind/caremind-go/internal/filter"
	"github.com/caremind/caremind-go/internal/logging"
	"github.com/caremind/caremind-go/internal/prompt"
	"github.com/caremind/caremind-go/internal/rag"
	"github.com/caremind/caremind-go/internal/retrieval"
)

// State tracks a request's position in the pipeline. Transitions only move
// forward; any step may jump to StateFailed.
type State string

const (
	// StateInit is the entry state before any work is done.
	StateInit State = "init"
	// StateLanguageDetected follows language detection.
	StateLanguageDetected State = "language_detected"
	// StateRetrieved follows context retrieval (possibly empty).
	StateRetrieved State = "retrieved"
	// StateSynthesized follows answer synthesis.
	StateSynthesized State = "synthesized"
	// StateFiltered follows output filtering.
	StateFiltered State = "filtered"
	// StateComplete is the terminal success state.
	StateComplete State = "complete"
	// StateFailed is the terminal failure state, reachable from any state.
	StateFailed State = "failed"
)

// ErrQueryFailed is the only error surface returned to callers for internal
// failures, so no backend detail can leak into API responses. The concrete
// cause goes to the log and the audit trail.
var ErrQueryFailed = errors.New("agent: query failed")

// ErrInvalidRequest reports a request missing its tenant, actor, or query.
var ErrInvalidRequest = errors.New("agent: invalid request")

// Completer generates one chat completion. Satisfied by the eino chat
// models constructed in the provider package.
type Completer interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// Retriever fetches ranked context for a query. Satisfied by
// *retrieval.Service.
type Retriever interface {
	Retrieve(ctx context.Context, tenantID, query, scopeOwnerID string) ([]rag.ContextItem, error)
}

// Request is one question from an authenticated user.
type Request struct {
	// TenantID is the tenant the query runs under.
	TenantID string
	// ActorID identifies the authenticated user asking.
	ActorID string
	// Query is the question text.
	Query string
	// ScopeRecordID optionally restricts retrieval to one record.
	ScopeRecordID string
}

// Citation names one record field that supported the answer.
type Citation struct {
	// SourceType is the record kind.
	SourceType rag.SourceType `json:"source_type"`
	// SourceID is the record identifier.
	SourceID string `json:"source_id"`
	// Field is the record field the snippet came from.
	Field string `json:"field_name"`
	// Similarity is the cosine similarity the cited snippet scored.
	Similarity float32 `json:"similarity"`
}

// Response is the filtered answer and its provenance.
type Response struct {
	// Answer is the filtered answer text.
	Answer string `json:"answer"`
	// Citations lists the records that supported the answer.
	Citations []Citation `json:"citations"`
	// Language is the detected query language.
	Language string `json:"detected_language"`
	// ResultCount is the number of context snippets used.
	ResultCount int `json:"result_count"`
	// LatencyMS is the end-to-end duration in milliseconds.
	LatencyMS int64 `json:"latency_ms"`
}

// Config holds the orchestrator's timing parameters.
type Config struct {
	// WallClockTimeout bounds the whole request (default: 30s).
	WallClockTimeout time.Duration
	// AttemptTimeout bounds each synthesis attempt (default: 15s).
	AttemptTimeout time.Duration
	// MaxAttempts is the synthesis attempt budget (default: 3).
	MaxAttempts int
	// RetryBaseDelay seeds the exponential backoff between attempts
	// (default: 500ms).
	RetryBaseDelay time.Duration
}

// withDefaults returns a copy of cfg with zero values replaced.
func (c Config) withDefaults() Config {
	if c.WallClockTimeout == 0 {
		c.WallClockTimeout = 30 * time.Second
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = 15 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	return c
}

// Orchestrator drives the answer pipeline.
type Orchestrator struct {
	// completer synthesizes answers.
	completer Completer

	// retriever supplies tenant-scoped context.
	retriever Retriever

	// outFilter bounds and redacts answers before they leave the service.
	outFilter *filter.Filter

	// recorder persists one audit record per request.
	recorder audit.Recorder

	// cfg holds the resolved timing parameters.
	cfg Config

	// now is swappable in tests.
	now func() time.Time
}

// New constructs an Orchestrator from its dependencies.
func New(completer Completer, retriever Retriever, outFilter *filter.Filter, recorder audit.Recorder, cfg Config) (*Orchestrator, error) {
	if completer == nil {
		return nil, fmt.Errorf("agent: completer must not be nil")
	}
	if retriever == nil {
		return nil, fmt.Errorf("agent: retriever must not be nil")
	}
	if outFilter == nil {
		return nil, fmt.Errorf("agent: filter must not be nil")
	}
	if recorder == nil {
		return nil, fmt.Errorf("agent: recorder must not be nil")
	}
	return &Orchestrator{
		completer: completer,
		retriever: retriever,
		outFilter: outFilter,
		recorder:  recorder,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}, nil
}

// Answer runs one request through the pipeline. Exactly one audit record is
// written no matter how the request ends; the audit write happens after the
// outcome is decided, on a context detached from the request deadline so a
// timed-out request is still recorded.
func (o *Orchestrator) Answer(ctx context.Context, req Request) (*Response, error) {
	if req.TenantID == "" || req.ActorID == "" || req.Query == "" {
		return nil, ErrInvalidRequest
	}

	start := o.now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.WallClockTimeout)
	defer cancel()
	log := logging.FromContext(ctx)

	state := StateInit
	rec := audit.Record{
		TenantID:         req.TenantID,
		ActorID:          req.ActorID,
		QueryFingerprint: audit.Fingerprint(req.Query),
		Outcome:          audit.OutcomeFailed,
	}
	defer func() {
		rec.LatencyMS = o.now().Sub(start).Milliseconds()
		if err := o.recorder.Write(context.WithoutCancel(ctx), rec); err != nil {
			log.Error("audit write failed", slog.Any("error", err), slog.String("tenant", req.TenantID))
		}
	}()

	fail := func(kind string, err error) error {
		log.Error("query failed",
			slog.String("state", string(state)),
			slog.String("kind", kind),
			slog.String("tenant", req.TenantID),
			slog.Any("error", err),
		)
		state = StateFailed
		rec.Outcome = audit.OutcomeFailed
		rec.ErrorKind = kind
		return ErrQueryFailed
	}

	lang := prompt.Detect(req.Query)
	state = StateLanguageDetected
	rec.Language = string(lang)

	items, err := o.retrieve(ctx, req)
	switch {
	case errors.Is(err, retrieval.ErrNoContext):
		items = nil
	case errors.Is(err, embedder.ErrUnavailable):
		return nil, fail("embedding", err)
	case err != nil:
		return nil, fail("retrieval", err)
	}
	state = StateRetrieved
	rec.ResultCount = len(items)

	messages := prompt.Build(lang, req.Query, items)
	log.Debug("prompt built",
		slog.Int("context_items", len(items)),
		slog.Int("est_prompt_tokens", budget.EstimateMessages(messages)),
	)
	answer, err := o.synthesize(ctx, messages)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fail("timeout", err)
		}
		return nil, fail("synthesis", err)
	}
	state = StateSynthesized

	citations := extractCitations(answer, items)
	filtered := o.outFilter.Apply(answer)
	state = StateFiltered

	state = StateComplete
	log.Info("query answered",
		slog.String("state", string(state)),
		slog.String("tenant", req.TenantID),
		slog.String("language", string(lang)),
		slog.Int("result_count", len(items)),
	)
	if len(items) == 0 {
		rec.Outcome = audit.OutcomeNoContext
	} else {
		rec.Outcome = audit.OutcomeComplete
	}
	rec.ErrorKind = ""

	return &Response{
		Answer:      filtered,
		Citations:   citations,
		Language:    string(lang),
		ResultCount: len(items),
		LatencyMS:   o.now().Sub(start).Milliseconds(),
	}, nil
}

// retrieve calls the retriever, retrying only embedding-provider outages
// with the same bounded backoff the synthesis path uses. Store errors and
// ErrNoContext pass straight through: neither gets better on a retry here.
func (o *Orchestrator) retrieve(ctx context.Context, req Request) ([]rag.ContextItem, error) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := o.cfg.RetryBaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		items, err := o.retriever.Retrieve(ctx, req.TenantID, req.Query, req.ScopeRecordID)
		if err == nil || !errors.Is(err, embedder.ErrUnavailable) {
			return items, err
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", o.cfg.MaxAttempts, lastErr)
}

// synthesize calls the completer with a per-attempt timeout and bounded
// exponential backoff. The wall-clock deadline on ctx wins over the attempt
// budget: once it expires, no further attempts start. Errors the provider
// will reject identically every time fail on the first attempt.
func (o *Orchestrator) synthesize(ctx context.Context, messages []*schema.Message) (string, error) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := o.cfg.RetryBaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
		msg, err := o.completer.Generate(attemptCtx, messages)
		cancel()
		if err == nil {
			if msg == nil || msg.Content == "" {
				lastErr = errors.New("empty completion")
				continue
			}
			return msg.Content, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !retryableCompletion(err) {
			return "", fmt.Errorf("completion rejected: %w", err)
		}
	}
	return "", fmt.Errorf("all %d attempts failed: %w", o.cfg.MaxAttempts, lastErr)
}

// retryableCompletion reports whether a completion error is worth another
// attempt. Outages, timeouts, and throttling are transient; rejected
// credentials and malformed requests will fail identically on every retry,
// so they don't get one.
func retryableCompletion(err error) bool {
	msg := strings.ToLower(err.Error())
	// Throttling is a 4xx but backs off into success.
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return true
	}
	for _, marker := range []string{
		"400", "401", "403", "404", "422",
		"unauthorized", "invalid api key", "invalid_api_key",
		"bad request", "invalid request",
	} {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	return true
}

// citationMarker matches the [n] source markers the prompt instructs the
// model to emit.
var citationMarker = regexp.MustCompile(`\[(\d+)\]`)

// extractCitations maps [n] markers in the answer back to the context items
// the prompt numbered. Order of first mention is preserved and duplicates
// collapse. When the model emitted no usable markers but context was
// injected, every item is cited so the provenance trail is never empty for
// a context-backed answer.
func extractCitations(answer string, items []rag.ContextItem) []Citation {
	if len(items) == 0 {
		return nil
	}

	var citations []Citation
	seen := make(map[int]bool, len(items))
	for _, m := range citationMarker.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(items) || seen[n] {
			continue
		}
		seen[n] = true
		item := items[n-1]
		citations = append(citations, Citation{
			SourceType: item.SourceType,
			SourceID:   item.SourceID,
			Field:      item.Field,
			Similarity: item.Similarity,
		})
	}

	if len(citations) == 0 {
		for _, item := range items {
			citations = append(citations, Citation{
				SourceType: item.SourceType,
				SourceID:   item.SourceID,
				Field:      item.Field,
				Similarity: item.Similarity,
			})
		}
	}
	return citations
}
