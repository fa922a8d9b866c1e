package services

import (
	"math"
	"testing"
	"time"

	"buysmart/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fptr(v float64) *float64 { return &v }

func tptr(t time.Time) *time.Time { return &t }

func iphoneCriteria() models.Criteria {
	return models.Criteria{
		ProductQuery: "iphone 13",
		BudgetMin:    fptr(30000),
		BudgetMax:    fptr(90000),
		DealBreakers: []string{"water damage"},
		Timeline:     models.TimelineFlexible,
	}
}

func TestEvaluate_BudgetAndDealBreakers(t *testing.T) {
	criteria := iphoneCriteria()
	posted := tptr(now.Add(-24 * time.Hour))

	tests := []struct {
		name  string
		cand  models.Candidate
		match bool
	}{
		{"inside budget", models.Candidate{Title: "iPhone 13 128GB", Price: fptr(60000), PostedAt: posted}, true},
		{"lower bound inclusive", models.Candidate{Title: "iPhone 13", Price: fptr(30000)}, true},
		{"upper bound inclusive", models.Candidate{Title: "iPhone 13", Price: fptr(90000)}, true},
		{"below budget", models.Candidate{Title: "iPhone 13", Price: fptr(29999)}, false},
		{"above budget", models.Candidate{Title: "iPhone 13", Price: fptr(120000)}, false},
		{"missing price", models.Candidate{Title: "iPhone 13"}, false},
		{"deal breaker in title", models.Candidate{Title: "iPhone 13 WATER DAMAGE", Price: fptr(40000)}, false},
		{"deal breaker in description", models.Candidate{Title: "iPhone 13", Description: "minor Water Damage on back", Price: fptr(40000)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Evaluate(criteria, tt.cand, now)
			if res.IsMatch != tt.match {
				t.Fatalf("expected match=%v, got %v (reasons %v)", tt.match, res.IsMatch, res.Reasons)
			}
			if !tt.match && len(res.Reasons) == 0 {
				t.Fatalf("expected a reason for rejection")
			}
			if res.Score < 0 || res.Score > 1 {
				t.Fatalf("score out of range: %v", res.Score)
			}
		})
	}
}

func TestEvaluate_OpenBudget(t *testing.T) {
	criteria := models.Criteria{BudgetMax: fptr(500)}
	if !Evaluate(criteria, models.Candidate{Price: fptr(1)}, now).IsMatch {
		t.Fatalf("expected nil lower bound to be open")
	}
	if Evaluate(criteria, models.Candidate{}, now).IsMatch {
		t.Fatalf("expected nil price to fail a set bound")
	}
	if !Evaluate(models.Criteria{}, models.Candidate{}, now).IsMatch {
		t.Fatalf("expected no budget to accept a missing price")
	}
}

func TestEvaluate_ConditionPreferences(t *testing.T) {
	criteria := models.Criteria{ConditionPreferences: []string{"new", "like new"}}

	tests := []struct {
		name  string
		cand  models.Candidate
		match bool
	}{
		{"explicit field", models.Candidate{Condition: "Like New"}, true},
		{"explicit field wins over text", models.Candidate{Condition: "used", Title: "brand new phone"}, false},
		{"inferred from title", models.Candidate{Title: "Sealed box, brand new"}, true},
		{"like new is not new and used", models.Candidate{Title: "like new condition"}, true},
		{"inferred used", models.Candidate{Title: "second hand phone"}, false},
		{"nothing inferred", models.Candidate{Title: "phone for sale"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Evaluate(criteria, tt.cand, now)
			if res.IsMatch != tt.match {
				t.Fatalf("expected match=%v, got %v (reasons %v)", tt.match, res.IsMatch, res.Reasons)
			}
		})
	}
}

func TestInferConditions_Priority(t *testing.T) {
	got := InferConditions("Like new, barely used")
	if len(got) != 1 || got[0] != ConditionLikeNew {
		t.Fatalf("expected only like_new, got %v", got)
	}
	got = InferConditions("refurbished, not working speaker")
	if len(got) != 2 || got[0] != ConditionForParts || got[1] != ConditionRefurbished {
		t.Fatalf("expected for_parts then refurbished, got %v", got)
	}
	if got := InferConditions("renewal notice"); len(got) != 0 {
		t.Fatalf("expected word boundaries to apply, got %v", got)
	}
}

func TestScore_PriceMonotonic(t *testing.T) {
	criteria := iphoneCriteria()
	posted := tptr(now.Add(-time.Hour))

	prev := -1.0
	for _, p := range []float64{30000, 40000, 50000, 60000} {
		s := Score(criteria, models.Candidate{Price: fptr(p), PostedAt: posted}, now)
		if s < prev {
			t.Fatalf("score must not decrease approaching the midpoint: %v after %v at price %v", s, prev, p)
		}
		prev = s
	}
	above := Score(criteria, models.Candidate{Price: fptr(75000), PostedAt: posted}, now)
	if above > prev {
		t.Fatalf("moving past the midpoint must not raise the score")
	}
}

func TestScore_RecencyMonotonic(t *testing.T) {
	criteria := iphoneCriteria()
	prev := 2.0
	for _, age := range []time.Duration{0, time.Hour, 24 * time.Hour, 72 * time.Hour, 30 * 24 * time.Hour} {
		s := Score(criteria, models.Candidate{Price: fptr(60000), PostedAt: tptr(now.Add(-age))}, now)
		if s > prev {
			t.Fatalf("older listing scored higher at age %v: %v > %v", age, s, prev)
		}
		prev = s
	}
}

func TestScore_UrgentWeighsRecency(t *testing.T) {
	flexible := iphoneCriteria()
	urgent := iphoneCriteria()
	urgent.Timeline = models.TimelineUrgent

	fresh := models.Candidate{Price: fptr(35000), PostedAt: tptr(now)}
	if Score(urgent, fresh, now) <= Score(flexible, fresh, now) {
		t.Fatalf("expected urgent timeline to favour a fresh listing")
	}
}

func TestScore_StableAndRounded(t *testing.T) {
	c := models.Candidate{Price: fptr(41234), PostedAt: tptr(now.Add(-37 * time.Hour))}
	a := Score(iphoneCriteria(), c, now)
	b := Score(iphoneCriteria(), c, now)
	if a != b {
		t.Fatalf("expected deterministic score, got %v and %v", a, b)
	}
	if math.Abs(a*10000-math.Round(a*10000)) > 1e-6 {
		t.Fatalf("expected 4-decimal rounding, got %v", a)
	}
}

func TestPriceScore(t *testing.T) {
	tests := []struct {
		name        string
		min, max, p *float64
		want        float64
	}{
		{"midpoint", fptr(0), fptr(100), fptr(50), 1},
		{"bound", fptr(0), fptr(100), fptr(100), 0},
		{"quarter", fptr(0), fptr(100), fptr(25), 0.5},
		{"open budget", nil, fptr(100), fptr(10), 0.5},
		{"no price", fptr(0), fptr(100), nil, 0},
		{"zero width hit", fptr(10), fptr(10), fptr(10), 1},
		{"zero width miss", fptr(10), fptr(10), fptr(11), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PriceScore(tt.min, tt.max, tt.p); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
