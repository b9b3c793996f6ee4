package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/prospecthq/prospectd/llm"
	"github.com/prospecthq/prospectd/ranking"
	"github.com/prospecthq/prospectd/retrieval"
	"github.com/prospecthq/prospectd/session"
	"github.com/prospecthq/prospectd/tools"
)

// State is the loop's position for one query. Transitions:
// Reasoning -> ActionSelected -> Observing -> Reasoning, or
// ActionSelected -> Answering -> Done.
type State string

const (
	StateReasoning      State = "reasoning"
	StateActionSelected State = "action_selected"
	StateObserving      State = "observing"
	StateAnswering      State = "answering"
	StateDone           State = "done"
)

// Searcher is the retrieval surface the loop depends on.
// *retrieval.Gateway satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string, topK int, filters map[string]string) ([]ranking.RankedResult, error)
}

// Config tunes one runner.
type Config struct {
	// Model passed to the LLM client. Empty uses the client default.
	Model string
	// StepBudget bounds reasoning steps per query. When spent, the runner
	// forces a best-effort answer from working memory.
	StepBudget int
	// ToolTimeout bounds each tool execution.
	ToolTimeout time.Duration
	// TopK is how many ranked results a retrieve action requests.
	TopK int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StepBudget:  6,
		ToolTimeout: 20 * time.Second,
		TopK:        5,
	}
}

// Result is the outcome of one agent run.
type Result struct {
	Answer string
	// Results are the ranked records actually surfaced during the run, so
	// callers can attach feedback to record ids.
	Results     []ranking.RankedResult
	Suggestions []Suggestion
	Steps       int
	// Forced is true when the answer was extracted under a spent step
	// budget or a tripped loop guard rather than chosen by the model.
	Forced bool
	// Degraded is true when any retrieval ranked with neutral confidence
	// because the feedback store was unreachable.
	Degraded bool
}

// Runner executes the reasoning loop for one query at a time per session.
type Runner struct {
	client   llm.Client
	searcher Searcher
	web      tools.WebLookup
	sessions *session.Manager
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

// NewRunner creates a Runner. web may be nil; web_lookup actions then fail
// as observations, which the model can route around.
func NewRunner(client llm.Client, searcher Searcher, web tools.WebLookup, sessions *session.Manager, cfg Config, logger zerolog.Logger) (*Runner, error) {
	if client == nil || searcher == nil || sessions == nil {
		return nil, errors.New("llm client, searcher, and session manager are required")
	}
	if cfg.StepBudget < 1 {
		return nil, fmt.Errorf("step budget must be at least 1, got %d", cfg.StepBudget)
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultConfig().ToolTimeout
	}
	if cfg.TopK < 1 {
		cfg.TopK = DefaultConfig().TopK
	}
	return &Runner{
		client:   client,
		searcher: searcher,
		web:      web,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger.With().Str("component", "agent_runner").Logger(),
		now:      time.Now,
	}, nil
}

// Run answers one user query. Runs for the same session serialize on the
// session lock; cancellation while queued returns without touching the
// session.
func (r *Runner) Run(ctx context.Context, sessionID, query string) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is required")
	}

	release, err := r.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := r.sessions.AppendTurn(ctx, sessionID, session.RoleUser, query); err != nil {
		return nil, fmt.Errorf("append user turn: %w", err)
	}
	if err := r.sessions.Compress(ctx, sessionID); err != nil {
		// Compression failure is not fatal; the session just runs larger.
		r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Compression failed, continuing uncompressed")
	}

	run := &runState{used: make(map[string]ranking.RankedResult)}

	for step := 1; step <= r.cfg.StepBudget; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		run.steps = step

		sess, err := r.sessions.GetOrCreate(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		resp, err := r.client.Synchronous(ctx, &llm.Request{
			Model:     r.cfg.Model,
			System:    reasoningSystemPrompt,
			Messages:  []llm.Message{llm.NewTextMessage(llm.RoleUser, buildStatePrompt(sess, run.observations, r.cfg.StepBudget-step+1))},
			MaxTokens: 1024,
		})
		if err != nil {
			r.logger.Error().Err(err).Int("step", step).Msg("Reasoning call failed")
			if len(run.used) > 0 || len(sess.WorkingMemory) > 0 {
				return r.forceAnswer(ctx, sessionID, run, "reasoning call failed")
			}
			return nil, fmt.Errorf("reasoning step %d: %w", step, err)
		}

		action, parsed := ParseAction(resp.Text)
		if !parsed {
			r.logger.Debug().Int("step", step).Msg("Unparseable action, treating response as answer")
		}
		r.logger.Debug().
			Int("step", step).
			Str("action", string(action.Type)).
			Str("query", action.Query).
			Msg("Action selected")

		if action.Type == ActionAnswer {
			answer := action.Answer
			if answer == "" {
				return r.forceAnswer(ctx, sessionID, run, "model answered with empty text")
			}
			return r.finish(ctx, sessionID, answer, run, false)
		}

		if action.Key() == run.lastToolKey {
			r.logger.Warn().Str("action_key", action.Key()).Msg("Loop guard tripped on repeated tool call")
			return r.forceAnswer(ctx, sessionID, run, "repeated identical tool call")
		}
		run.lastToolKey = action.Key()

		obs := r.execute(ctx, sessionID, action, run)
		run.observations = append(run.observations, obs)
	}

	return r.forceAnswer(ctx, sessionID, run, "step budget exhausted")
}

type runState struct {
	observations []Observation
	used         map[string]ranking.RankedResult
	lastToolKey  string
	degraded     bool
	steps        int
}

// execute runs one tool action under the tool timeout. Failures become
// observations; only context cancellation of the whole run aborts.
func (r *Runner) execute(ctx context.Context, sessionID string, action Action, run *runState) Observation {
	toolCtx, cancel := context.WithTimeout(ctx, r.cfg.ToolTimeout)
	defer cancel()

	switch action.Type {
	case ActionRetrieve:
		results, err := r.searcher.Search(toolCtx, action.Query, r.cfg.TopK, nil)
		if err != nil && !errors.Is(err, ranking.ErrFeedbackUnavailable) {
			return Observation{ActionKey: action.Key(), Failed: true, Reason: failureReason("prospect search", err)}
		}
		if errors.Is(err, ranking.ErrFeedbackUnavailable) {
			run.degraded = true
		}
		if len(results) == 0 {
			return Observation{ActionKey: action.Key(), Content: fmt.Sprintf("prospect search for %q found nothing", action.Query)}
		}

		var lines []string
		for _, res := range results {
			if _, seen := run.used[res.Record.ID]; !seen {
				run.used[res.Record.ID] = res
			}
			line := describeResult(res)
			lines = append(lines, line)
			if err := r.sessions.RecordFact(ctx, sessionID, session.Fact{
				Key:     "record:" + res.Record.ID,
				Content: line,
				Source:  string(ActionRetrieve),
			}); err != nil {
				r.logger.Warn().Err(err).Str("record_id", res.Record.ID).Msg("Failed to record fact")
			}
		}
		return Observation{
			ActionKey: action.Key(),
			Content:   fmt.Sprintf("prospect search for %q:\n%s", action.Query, strings.Join(lines, "\n")),
		}

	case ActionWebLookup:
		if r.web == nil {
			return Observation{ActionKey: action.Key(), Failed: true, Reason: "web lookup is not configured"}
		}
		results, err := r.web.Lookup(toolCtx, action.Query)
		if err != nil {
			return Observation{ActionKey: action.Key(), Failed: true, Reason: failureReason("web lookup", err)}
		}
		if len(results) == 0 {
			return Observation{ActionKey: action.Key(), Content: fmt.Sprintf("web lookup for %q found nothing", action.Query)}
		}

		var lines []string
		for _, res := range results {
			line := fmt.Sprintf("%s: %s (%s)", res.Title, res.Snippet, res.URL)
			lines = append(lines, line)
			if err := r.sessions.RecordFact(ctx, sessionID, session.Fact{
				Key:     "web:" + res.URL,
				Content: line,
				Source:  string(ActionWebLookup),
			}); err != nil {
				r.logger.Warn().Err(err).Str("url", res.URL).Msg("Failed to record fact")
			}
		}
		return Observation{
			ActionKey: action.Key(),
			Content:   fmt.Sprintf("web lookup for %q:\n%s", action.Query, strings.Join(lines, "\n")),
		}

	default:
		return Observation{ActionKey: action.Key(), Failed: true, Reason: fmt.Sprintf("unknown action %q", action.Type)}
	}
}

// forceAnswer extracts a best-effort answer from accumulated state when the
// loop cannot continue normally.
func (r *Runner) forceAnswer(ctx context.Context, sessionID string, run *runState, cause string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.logger.Info().Str("cause", cause).Int("steps", run.steps).Msg("Forcing best-effort answer")

	sess, err := r.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	answer := ""
	resp, err := r.client.Synchronous(ctx, &llm.Request{
		Model:     r.cfg.Model,
		System:    forcedAnswerSystemPrompt,
		Messages:  []llm.Message{llm.NewTextMessage(llm.RoleUser, buildStatePrompt(sess, run.observations, 0))},
		MaxTokens: 1024,
	})
	if err == nil {
		answer = strings.TrimSpace(resp.Text)
	}
	if answer == "" {
		answer = deterministicAnswer(sess)
	}

	return r.finish(ctx, sessionID, answer, run, true)
}

// finish records the assistant turn and assembles the result payload.
func (r *Runner) finish(ctx context.Context, sessionID, answer string, run *runState, forced bool) (*Result, error) {
	if err := r.sessions.AppendTurn(ctx, sessionID, session.RoleAssistant, answer); err != nil {
		return nil, fmt.Errorf("append assistant turn: %w", err)
	}

	results := lo.Values(run.used)
	sort.Slice(results, func(i, j int) bool {
		if results[i].FinalScore != results[j].FinalScore {
			return results[i].FinalScore > results[j].FinalScore
		}
		return results[i].Record.ID < results[j].Record.ID
	})

	now := r.now()
	suggestions := lo.Map(results, func(res ranking.RankedResult, _ int) Suggestion {
		return SuggestFor(res.Record, now)
	})

	r.logger.Info().
		Str("session_id", sessionID).
		Int("steps", run.steps).
		Int("results", len(results)).
		Bool("forced", forced).
		Bool("degraded", run.degraded).
		Msg("Run finished")

	return &Result{
		Answer:      answer,
		Results:     results,
		Suggestions: suggestions,
		Steps:       run.steps,
		Forced:      forced,
		Degraded:    run.degraded,
	}, nil
}

// deterministicAnswer is the last resort when even the forced answer call
// fails: report what working memory holds.
func deterministicAnswer(sess *session.ConversationContext) string {
	if len(sess.WorkingMemory) == 0 {
		return "I was unable to find an answer with the information available."
	}
	var b strings.Builder
	b.WriteString("Here is what I found before running out of steps:\n")
	for _, f := range sess.WorkingMemory {
		b.WriteString("- ")
		b.WriteString(f.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func describeResult(res ranking.RankedResult) string {
	name := res.Record.Attributes["name"]
	if name == "" {
		name = res.Record.ID
	}
	parts := []string{fmt.Sprintf("%s (id %s, score %.3f)", name, res.Record.ID, res.FinalScore)}
	for _, key := range []string{"address", "phone", "years_in_business", "rating", "about_us"} {
		if v := res.Record.Attributes[key]; v != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", key, v))
		}
	}
	return strings.Join(parts, "; ")
}

func failureReason(what string, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || llm.IsTimeoutError(err):
		return what + " timed out"
	case errors.Is(err, retrieval.ErrIndexUnavailable):
		return what + " failed: prospect index unavailable"
	default:
		return fmt.Sprintf("%s failed: %v", what, err)
	}
}
