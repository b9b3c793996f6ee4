package agent

import (
	"strconv"
	"time"

	"github.com/prospecthq/prospectd/index"
)

// Suggestion is a follow-up recommendation attached to one record in the
// final answer payload.
type Suggestion struct {
	RecordID      string `json:"record_id"`
	Type          string `json:"type"`
	Priority      string `json:"priority"`
	SuggestedDate string `json:"suggested_date"`
}

const (
	SuggestionContact  = "contact"
	SuggestionFollowUp = "follow_up"
	SuggestionMeeting  = "schedule_meeting"

	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

const staleContactAfter = 90 * 24 * time.Hour

// SuggestFor derives a follow-up for one record from its attributes. The
// rule is a pure function of the record and the clock, so the same record
// always gets the same suggestion on the same day.
func SuggestFor(rec index.Record, now time.Time) Suggestion {
	s := Suggestion{RecordID: rec.ID}

	lastContact, hasContact := parseDate(rec.Attributes["last_contact"])
	switch {
	case !hasContact || now.Sub(lastContact) > staleContactAfter:
		s.Type = SuggestionContact
		s.Priority = PriorityHigh
		s.SuggestedDate = now.AddDate(0, 0, 3).Format("2006-01-02")
	case parseRating(rec.Attributes["rating"]) >= 4.5:
		s.Type = SuggestionMeeting
		s.Priority = PriorityMedium
		s.SuggestedDate = now.AddDate(0, 0, 7).Format("2006-01-02")
	default:
		s.Type = SuggestionFollowUp
		s.Priority = PriorityLow
		s.SuggestedDate = now.AddDate(0, 0, 14).Format("2006-01-02")
	}
	return s
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func parseRating(s string) float64 {
	if s == "" {
		return 0
	}
	r, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return r
}
