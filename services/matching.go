package services

import (
	"fmt"
	"math"
	"strings"
	"time"

	"buysmart/models"
)

// RecencyHalfLife is the listing age at which the recency factor halves.
const RecencyHalfLife = 72 * time.Hour

const (
	priceWeight         = 0.6
	recencyWeight       = 0.4
	urgentPriceWeight   = 0.4
	urgentRecencyWeight = 0.6
)

// MatchResult is the verdict of the matching engine for one candidate.
type MatchResult struct {
	IsMatch bool
	Score   float64
	Reasons []string
}

// Evaluate classifies and scores a candidate against a requirement's
// criteria. It is deterministic for a given now and touches no state.
func Evaluate(criteria models.Criteria, c models.Candidate, now time.Time) MatchResult {
	res := MatchResult{IsMatch: true}

	if reason, ok := checkBudget(criteria, c.Price); !ok {
		res.IsMatch = false
		res.Reasons = append(res.Reasons, reason)
	}

	text := strings.ToLower(c.Title + " " + c.Description)
	for _, term := range criteria.DealBreakers {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if strings.Contains(text, term) {
			res.IsMatch = false
			res.Reasons = append(res.Reasons, fmt.Sprintf("deal-breaker %q", term))
		}
	}

	if len(criteria.ConditionPreferences) > 0 {
		have := candidateConditions(c.Condition, c.Title, c.Description)
		if !intersects(criteria.ConditionPreferences, have) {
			res.IsMatch = false
			if len(have) == 0 {
				res.Reasons = append(res.Reasons, "condition unknown")
			} else {
				res.Reasons = append(res.Reasons, fmt.Sprintf("condition %s not preferred", strings.Join(have, ",")))
			}
		}
	}

	res.Score = Score(criteria, c, now)
	return res
}

func checkBudget(criteria models.Criteria, price *float64) (string, bool) {
	if criteria.BudgetMin == nil && criteria.BudgetMax == nil {
		return "", true
	}
	if price == nil {
		return "price unknown", false
	}
	if criteria.BudgetMin != nil && *price < *criteria.BudgetMin {
		return fmt.Sprintf("price %.2f below budget %.2f", *price, *criteria.BudgetMin), false
	}
	if criteria.BudgetMax != nil && *price > *criteria.BudgetMax {
		return fmt.Sprintf("price %.2f above budget %.2f", *price, *criteria.BudgetMax), false
	}
	return "", true
}

func intersects(prefs, have []string) bool {
	for _, p := range prefs {
		p = NormalizeCondition(p)
		for _, h := range have {
			if p == h {
				return true
			}
		}
	}
	return false
}

// Score combines price proximity and recency into [0,1], rounded to four
// decimals. Urgent requirements weigh recency higher.
func Score(criteria models.Criteria, c models.Candidate, now time.Time) float64 {
	pw, rw := priceWeight, recencyWeight
	if criteria.Timeline == models.TimelineUrgent {
		pw, rw = urgentPriceWeight, urgentRecencyWeight
	}
	s := pw*PriceScore(criteria.BudgetMin, criteria.BudgetMax, c.Price) + rw*RecencyScore(c.PostedAt, now)
	return round4(clamp01(s))
}

// PriceScore is 1 at the budget midpoint and falls linearly to 0 at either
// bound. A half-open budget scores 0.5 for any price; no price scores 0.
func PriceScore(min, max, price *float64) float64 {
	if price == nil {
		return 0
	}
	if min == nil || max == nil {
		return 0.5
	}
	mid := (*min + *max) / 2
	half := (*max - *min) / 2
	if half <= 0 {
		if *price == mid {
			return 1
		}
		return 0
	}
	return clamp01(1 - math.Abs(*price-mid)/half)
}

// RecencyScore decays by half every RecencyHalfLife. Unknown dates score 0
// and future dates score 1.
func RecencyScore(posted *time.Time, now time.Time) float64 {
	if posted == nil {
		return 0
	}
	age := now.Sub(*posted)
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(RecencyHalfLife))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
