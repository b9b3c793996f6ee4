package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/prospecthq/prospectd/llm"
)

const summarySystemPrompt = `You summarize conversation history. Produce a concise summary that preserves:
- every name, identifier, and number mentioned
- decisions made and preferences stated
- unresolved questions

Output only the summary text, no preamble.`

// Summarizer condenses old conversation turns through an LLM.
type Summarizer struct {
	client llm.Client
	model  string
	logger zerolog.Logger
}

// NewSummarizer creates a Summarizer. model may be empty if the client has
// a default.
func NewSummarizer(client llm.Client, model string, logger zerolog.Logger) *Summarizer {
	return &Summarizer{
		client: client,
		model:  model,
		logger: logger.With().Str("component", "session_summarizer").Logger(),
	}
}

// SummarizeTurns returns a single summary for the given turns. Earlier
// summary turns are folded in so repeated compression stays coherent.
func (s *Summarizer) SummarizeTurns(ctx context.Context, turns []Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, t := range turns {
		switch t.Role {
		case RoleUser:
			b.WriteString("User: ")
		case RoleAssistant:
			b.WriteString("Assistant: ")
		case RoleSummary:
			b.WriteString("Earlier summary: ")
		default:
			b.WriteString(t.Role)
			b.WriteString(": ")
		}
		b.WriteString(t.Content)
		b.WriteString("\n\n")
	}

	resp, err := s.client.Synchronous(ctx, &llm.Request{
		Model:     s.model,
		System:    summarySystemPrompt,
		Messages:  []llm.Message{llm.NewTextMessage(llm.RoleUser, b.String())},
		MaxTokens: 512,
	})
	if err != nil {
		return "", fmt.Errorf("summarize turns: %w", err)
	}
	summary := strings.TrimSpace(resp.Text)
	if summary == "" {
		return "", fmt.Errorf("summarizer returned empty text")
	}

	s.logger.Debug().
		Int("turns", len(turns)).
		Int("original_chars", b.Len()).
		Int("summary_chars", len(summary)).
		Msg("Summarized turns")
	return summary, nil
}
