package agent

import (
	"encoding/json"
	"strings"
)

// ActionType is the closed set of moves the loop can make. Adding a new
// action means extending the parser, the prompt, and the executor switch.
type ActionType string

const (
	ActionRetrieve  ActionType = "retrieve"
	ActionWebLookup ActionType = "web_lookup"
	ActionAnswer    ActionType = "answer"
)

// Action is the parsed decision for one step.
type Action struct {
	Type   ActionType
	Query  string // retrieve and web_lookup
	Answer string // answer
}

// Key is the stable identity of a tool action, used by the loop guard to
// detect a model stuck re-issuing the same call.
func (a Action) Key() string {
	return string(a.Type) + "\x00" + strings.ToLower(strings.TrimSpace(a.Query))
}

// IsTool reports whether the action invokes a tool rather than answering.
func (a Action) IsTool() bool {
	return a.Type == ActionRetrieve || a.Type == ActionWebLookup
}

type actionEnvelope struct {
	Action string `json:"action"`
	Query  string `json:"query,omitempty"`
	Answer string `json:"answer,omitempty"`
}

// ParseAction extracts an action from a model response. The model is asked
// for a single JSON object; anything unparseable degrades to a best-effort
// answer carrying the raw text, so a confused model can never wedge the
// loop. The second return reports whether the response parsed cleanly.
func ParseAction(text string) (Action, bool) {
	raw := extractJSONObject(text)
	if raw == "" {
		return fallbackAnswer(text), false
	}

	var env actionEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return fallbackAnswer(text), false
	}

	switch ActionType(strings.ToLower(strings.TrimSpace(env.Action))) {
	case ActionRetrieve:
		if strings.TrimSpace(env.Query) == "" {
			return fallbackAnswer(text), false
		}
		return Action{Type: ActionRetrieve, Query: strings.TrimSpace(env.Query)}, true
	case ActionWebLookup:
		if strings.TrimSpace(env.Query) == "" {
			return fallbackAnswer(text), false
		}
		return Action{Type: ActionWebLookup, Query: strings.TrimSpace(env.Query)}, true
	case ActionAnswer:
		return Action{Type: ActionAnswer, Answer: strings.TrimSpace(env.Answer)}, true
	default:
		return fallbackAnswer(text), false
	}
}

func fallbackAnswer(text string) Action {
	return Action{Type: ActionAnswer, Answer: strings.TrimSpace(text)}
}

// extractJSONObject returns the first balanced top-level JSON object in the
// text, tolerating markdown fences and prose around it.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
