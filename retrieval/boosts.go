package retrieval

import (
	"strconv"
	"strings"

	"github.com/prospecthq/prospectd/index"
)

// BoostRule adjusts a candidate's similarity before ranking. The returned
// delta is added to the normalized similarity; the gateway clamps the sum
// to [0, 1]. Rules are deterministic functions of the query and the record.
type BoostRule func(query string, rec index.Record) float64

// ExperienceBoost rewards long-established records when the query asks for
// experience. Queries that never mention experience are left untouched.
func ExperienceBoost(minYears int, delta float64) BoostRule {
	terms := []string{"experienced", "established", "years in business", "long-standing", "veteran"}
	return func(query string, rec index.Record) float64 {
		q := strings.ToLower(query)
		matched := false
		for _, t := range terms {
			if strings.Contains(q, t) {
				matched = true
				break
			}
		}
		if !matched {
			return 0
		}
		years, err := strconv.Atoi(strings.TrimSpace(rec.Attributes["years_in_business"]))
		if err != nil || years < minYears {
			return 0
		}
		return delta
	}
}

// LocationBoost rewards records whose address mentions a location the query
// names, and penalizes records that plainly do not, so local matches float
// above otherwise-similar remote ones.
func LocationBoost(location string, bonus, penalty float64) BoostRule {
	loc := strings.ToLower(location)
	return func(query string, rec index.Record) float64 {
		if loc == "" || !strings.Contains(strings.ToLower(query), loc) {
			return 0
		}
		addr := strings.ToLower(rec.Attributes["address"])
		if addr == "" {
			return 0
		}
		if strings.Contains(addr, loc) {
			return bonus
		}
		return -penalty
	}
}

// DefaultBoosts returns the standard rule set: a ten-year experience boost
// and a New York locality preference.
func DefaultBoosts() []BoostRule {
	return []BoostRule{
		ExperienceBoost(10, 0.05),
		LocationBoost("new york", 0.05, 0.05),
	}
}
