package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/prospecthq/prospectd/index"
	"github.com/prospecthq/prospectd/llm"
	"github.com/prospecthq/prospectd/ranking"
	"github.com/prospecthq/prospectd/session"
)

// scriptedClient replays reasoning responses in order. Forced-answer calls
// are recognized by their system prompt and answered separately.
type scriptedClient struct {
	responses    []string
	forcedAnswer string
	calls        int
}

func (s *scriptedClient) Synchronous(_ context.Context, req *llm.Request) (*llm.Response, error) {
	if req.System == forcedAnswerSystemPrompt {
		return &llm.Response{Text: s.forcedAnswer}, nil
	}
	if s.calls >= len(s.responses) {
		return nil, errors.New("script exhausted")
	}
	resp := s.responses[s.calls]
	s.calls++
	return &llm.Response{Text: resp}, nil
}

type stubSearcher struct {
	results []ranking.RankedResult
	err     error
	queries []string
}

func (s *stubSearcher) Search(_ context.Context, query string, _ int, _ map[string]string) ([]ranking.RankedResult, error) {
	s.queries = append(s.queries, query)
	return s.results, s.err
}

func testResult(id, name string, score float64) ranking.RankedResult {
	return ranking.RankedResult{
		Record: index.Record{
			ID:         id,
			Attributes: map[string]string{"name": name, "last_contact": "2026-08-20", "rating": "4.8"},
		},
		Similarity: score,
		Confidence: 0.5,
		FinalScore: score,
	}
}

func newTestSessions(t *testing.T) *session.Manager {
	t.Helper()
	mgr, err := session.NewManager(session.DefaultConfig(), nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr
}

func newTestRunner(t *testing.T, client llm.Client, searcher Searcher, sessions *session.Manager, cfg Config) *Runner {
	t.Helper()
	runner, err := NewRunner(client, searcher, nil, sessions, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	runner.now = func() time.Time { return time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC) }
	return runner
}

func TestRunner_RetrieveThenAnswer(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"action": "retrieve", "query": "plumbers in albany"}`,
		`{"action": "answer", "answer": "Acme Plumbing is your best bet."}`,
	}}
	searcher := &stubSearcher{results: []ranking.RankedResult{testResult("abc", "Acme Plumbing", 0.9)}}
	sessions := newTestSessions(t)
	runner := newTestRunner(t, client, searcher, sessions, DefaultConfig())

	result, err := runner.Run(context.Background(), "s1", "who should fix my pipes?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Answer != "Acme Plumbing is your best bet." {
		t.Fatalf("unexpected answer: %q", result.Answer)
	}
	if result.Forced {
		t.Fatal("answer chosen by the model should not be marked forced")
	}
	if result.Steps != 2 {
		t.Fatalf("expected 2 steps, got %d", result.Steps)
	}
	if len(result.Results) != 1 || result.Results[0].Record.ID != "abc" {
		t.Fatalf("expected the retrieved record in results, got %+v", result.Results)
	}
	if len(result.Suggestions) != 1 || result.Suggestions[0].RecordID != "abc" {
		t.Fatalf("expected a suggestion for the surfaced record, got %+v", result.Suggestions)
	}
	if len(searcher.queries) != 1 || searcher.queries[0] != "plumbers in albany" {
		t.Fatalf("unexpected search queries: %v", searcher.queries)
	}

	sess, err := sessions.GetOrCreate(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if len(sess.Turns) != 2 {
		t.Fatalf("expected user and assistant turns, got %d", len(sess.Turns))
	}
	if !sess.HasFact("record:abc") {
		t.Fatal("retrieved record should be deduped into working memory")
	}
}

func TestRunner_RepeatedFactNotDuplicated(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"action": "retrieve", "query": "plumbers"}`,
		`{"action": "retrieve", "query": "albany plumbers"}`,
		`{"action": "answer", "answer": "done"}`,
	}}
	searcher := &stubSearcher{results: []ranking.RankedResult{testResult("abc", "Acme Plumbing", 0.9)}}
	sessions := newTestSessions(t)
	runner := newTestRunner(t, client, searcher, sessions, DefaultConfig())

	if _, err := runner.Run(context.Background(), "s1", "find plumbers"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sess, err := sessions.GetOrCreate(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	count := 0
	for _, f := range sess.WorkingMemory {
		if f.Key == "record:abc" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected 1 fact for the record, got %d", count)
	}
}

func TestRunner_LoopGuardForcesAnswer(t *testing.T) {
	client := &scriptedClient{
		responses: []string{
			`{"action": "retrieve", "query": "plumbers"}`,
			`{"action": "retrieve", "query": "plumbers"}`,
		},
		forcedAnswer: "Based on what I found, Acme Plumbing.",
	}
	searcher := &stubSearcher{results: []ranking.RankedResult{testResult("abc", "Acme Plumbing", 0.9)}}
	runner := newTestRunner(t, client, searcher, newTestSessions(t), DefaultConfig())

	result, err := runner.Run(context.Background(), "s1", "find plumbers")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Forced {
		t.Fatal("loop guard termination should mark the answer forced")
	}
	if result.Answer != "Based on what I found, Acme Plumbing." {
		t.Fatalf("unexpected answer: %q", result.Answer)
	}
	if len(searcher.queries) != 1 {
		t.Fatalf("repeated identical call should not re-execute the tool, got %d executions", len(searcher.queries))
	}
}

func TestRunner_TerminatesWhenEveryToolFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StepBudget = 3
	client := &scriptedClient{
		responses: []string{
			`{"action": "retrieve", "query": "plumbers"}`,
			`{"action": "retrieve", "query": "albany plumbers"}`,
			`{"action": "retrieve", "query": "plumbing companies"}`,
		},
		forcedAnswer: "I could not reach the prospect index.",
	}
	searcher := &stubSearcher{err: errors.New("index down")}
	runner := newTestRunner(t, client, searcher, newTestSessions(t), cfg)

	result, err := runner.Run(context.Background(), "s1", "find plumbers")
	if err != nil {
		t.Fatalf("Run should terminate with a forced answer, got error: %v", err)
	}
	if !result.Forced {
		t.Fatal("budget exhaustion should mark the answer forced")
	}
	if result.Steps != 3 {
		t.Fatalf("expected full budget spent, got %d steps", result.Steps)
	}
	if len(result.Results) != 0 {
		t.Fatalf("no results should be attached when every tool failed, got %d", len(result.Results))
	}
}

func TestRunner_UnparseableResponseBecomesAnswer(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"The plumbers you want are downtown, near the river.",
	}}
	runner := newTestRunner(t, client, &stubSearcher{}, newTestSessions(t), DefaultConfig())

	result, err := runner.Run(context.Background(), "s1", "find plumbers")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(result.Answer, "downtown") {
		t.Fatalf("expected raw text carried as answer, got %q", result.Answer)
	}
}

func TestRunner_DegradedRankingIsSurfaced(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"action": "retrieve", "query": "plumbers"}`,
		`{"action": "answer", "answer": "Acme, but feedback was unavailable."}`,
	}}
	searcher := &stubSearcher{
		results: []ranking.RankedResult{testResult("abc", "Acme Plumbing", 0.9)},
		err:     fmt.Errorf("%w: store down", ranking.ErrFeedbackUnavailable),
	}
	runner := newTestRunner(t, client, searcher, newTestSessions(t), DefaultConfig())

	result, err := runner.Run(context.Background(), "s1", "find plumbers")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Degraded {
		t.Fatal("feedback outage during retrieval should mark the result degraded")
	}
	if len(result.Results) != 1 {
		t.Fatalf("degraded retrieval still returns results, got %d", len(result.Results))
	}
}

func TestRunner_SessionBusy(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.QueueOnBusy = false
	sessions, err := session.NewManager(cfg, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	release, err := sessions.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	client := &scriptedClient{responses: []string{`{"action": "answer", "answer": "hi"}`}}
	runner := newTestRunner(t, client, &stubSearcher{}, sessions, DefaultConfig())

	if _, err := runner.Run(context.Background(), "s1", "find plumbers"); !errors.Is(err, session.ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}
}

func TestRunner_CancelledBeforeStartLeavesSessionUntouched(t *testing.T) {
	sessions := newTestSessions(t)
	client := &scriptedClient{responses: []string{`{"action": "answer", "answer": "hi"}`}}
	runner := newTestRunner(t, client, &stubSearcher{}, sessions, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := runner.Run(ctx, "s1", "find plumbers"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	sess, err := sessions.GetOrCreate(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if len(sess.Turns) != 0 {
		t.Fatalf("cancelled run must not append turns, got %d", len(sess.Turns))
	}
}
