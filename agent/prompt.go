package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prospecthq/prospectd/session"
)

const reasoningSystemPrompt = `You are a research assistant that answers questions about business prospects.

Each step, choose exactly one action and reply with a single JSON object, nothing else:
  {"action": "retrieve", "query": "<search terms for the prospect index>"}
  {"action": "web_lookup", "query": "<search terms for the public web>"}
  {"action": "answer", "answer": "<final answer for the user>"}

Rules:
- Use retrieve for anything about known prospects.
- Use web_lookup only for facts the prospect index cannot hold.
- Never repeat a tool call you have already made; its result is in working memory.
- When working memory is sufficient, answer.`

const forcedAnswerSystemPrompt = `You are a research assistant. The step budget is spent. Using ONLY the conversation and working memory below, give the best answer you can. If the information is incomplete, say what is known and what is missing. Reply with plain text, no JSON.`

// Observation is the outcome of one tool execution. Failures are carried
// into the next reasoning step instead of aborting the run.
type Observation struct {
	ActionKey string
	Content   string
	Failed    bool
	Reason    string
}

// buildStatePrompt renders the session state into the user message for one
// reasoning step. The rendering is deterministic: facts are sorted by key,
// turns and observations appear in order.
func buildStatePrompt(sess *session.ConversationContext, observations []Observation, stepsLeft int) string {
	var b strings.Builder

	if len(sess.WorkingMemory) > 0 {
		b.WriteString("Working memory:\n")
		facts := make([]session.Fact, len(sess.WorkingMemory))
		copy(facts, sess.WorkingMemory)
		sort.Slice(facts, func(i, j int) bool { return facts[i].Key < facts[j].Key })
		for _, f := range facts {
			fmt.Fprintf(&b, "- %s\n", f.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString("Conversation:\n")
	for _, t := range sess.Turns {
		switch t.Role {
		case session.RoleSummary:
			fmt.Fprintf(&b, "[summary of earlier turns] %s\n", t.Content)
		default:
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
	}
	b.WriteString("\n")

	if len(observations) > 0 {
		b.WriteString("Tool results this run:\n")
		for _, obs := range observations {
			if obs.Failed {
				fmt.Fprintf(&b, "- FAILED: %s\n", obs.Reason)
			} else {
				fmt.Fprintf(&b, "- %s\n", obs.Content)
			}
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Steps remaining: %d\nChoose your next action.", stepsLeft)
	return b.String()
}
