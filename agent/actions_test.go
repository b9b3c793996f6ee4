package agent

import (
	"testing"
)

func TestParseAction_CleanJSON(t *testing.T) {
	action, parsed := ParseAction(`{"action": "retrieve", "query": "plumbers in albany"}`)
	if !parsed {
		t.Fatal("expected clean parse")
	}
	if action.Type != ActionRetrieve || action.Query != "plumbers in albany" {
		t.Fatalf("unexpected action: %+v", action)
	}
}

func TestParseAction_FencedJSON(t *testing.T) {
	text := "Here is my decision:\n```json\n{\"action\": \"web_lookup\", \"query\": \"albany permits\"}\n```"
	action, parsed := ParseAction(text)
	if !parsed {
		t.Fatal("expected parse despite markdown fence")
	}
	if action.Type != ActionWebLookup || action.Query != "albany permits" {
		t.Fatalf("unexpected action: %+v", action)
	}
}

func TestParseAction_Answer(t *testing.T) {
	action, parsed := ParseAction(`{"action": "answer", "answer": "Acme is your best bet."}`)
	if !parsed {
		t.Fatal("expected clean parse")
	}
	if action.Type != ActionAnswer || action.Answer != "Acme is your best bet." {
		t.Fatalf("unexpected action: %+v", action)
	}
}

func TestParseAction_CaseInsensitiveActionName(t *testing.T) {
	action, parsed := ParseAction(`{"action": "Retrieve", "query": "plumbers"}`)
	if !parsed || action.Type != ActionRetrieve {
		t.Fatalf("expected case-insensitive parse, got %+v (parsed=%v)", action, parsed)
	}
}

func TestParseAction_GarbageFallsBackToAnswer(t *testing.T) {
	cases := []string{
		"I think we should look for plumbers near the river.",
		`{"action": "fly_to_moon"}`,
		`{"action": "retrieve"}`, // tool without a query
		`{"action": "retrieve", "query": "`,
		"",
	}
	for _, text := range cases {
		action, parsed := ParseAction(text)
		if parsed {
			t.Errorf("input %q should not parse cleanly", text)
		}
		if action.Type != ActionAnswer {
			t.Errorf("input %q should fall back to answer, got %s", text, action.Type)
		}
	}
}

func TestActionKey_StableAndCaseInsensitive(t *testing.T) {
	a := Action{Type: ActionRetrieve, Query: "Plumbers In Albany"}
	b := Action{Type: ActionRetrieve, Query: "  plumbers in albany "}
	if a.Key() != b.Key() {
		t.Fatalf("keys should match: %q vs %q", a.Key(), b.Key())
	}
	c := Action{Type: ActionWebLookup, Query: "plumbers in albany"}
	if a.Key() == c.Key() {
		t.Fatal("different action types must have different keys")
	}
}
