package services

import (
	"regexp"
	"strings"
)

// Canonical condition values.
const (
	ConditionNew         = "new"
	ConditionLikeNew     = "like_new"
	ConditionUsed        = "used"
	ConditionRefurbished = "refurbished"
	ConditionForParts    = "for_parts"
)

type conditionRule struct {
	condition string
	pattern   *regexp.Regexp
}

// Checked in order; a matched span is blanked before later rules run so
// "like new" never also counts as "new".
var conditionRules = []conditionRule{
	{ConditionForParts, regexp.MustCompile(`\b(for parts|not working|dead|spares?)\b`)},
	{ConditionRefurbished, regexp.MustCompile(`\b(refurbished|renewed|refurb)\b`)},
	{ConditionLikeNew, regexp.MustCompile(`\b(like new|mint|excellent condition|barely used|open box)\b`)},
	{ConditionNew, regexp.MustCompile(`\b(brand new|sealed|unused|new)\b`)},
	{ConditionUsed, regexp.MustCompile(`\b(used|second hand|secondhand|pre-owned|preowned|old)\b`)},
}

var conditionAliases = map[string]string{
	"new":         ConditionNew,
	"brand new":   ConditionNew,
	"like new":    ConditionLikeNew,
	"like_new":    ConditionLikeNew,
	"like-new":    ConditionLikeNew,
	"mint":        ConditionLikeNew,
	"used":        ConditionUsed,
	"good":        ConditionUsed,
	"fair":        ConditionUsed,
	"pre-owned":   ConditionUsed,
	"refurbished": ConditionRefurbished,
	"renewed":     ConditionRefurbished,
	"for parts":   ConditionForParts,
	"for_parts":   ConditionForParts,
	"not working": ConditionForParts,
}

// NormalizeCondition maps free-form condition labels onto the canonical set.
// Unknown labels are returned lower-cased and trimmed.
func NormalizeCondition(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if canonical, ok := conditionAliases[s]; ok {
		return canonical
	}
	return s
}

// InferConditions returns every canonical condition mentioned in text.
func InferConditions(text string) []string {
	text = strings.ToLower(text)
	var found []string
	for _, rule := range conditionRules {
		if !rule.pattern.MatchString(text) {
			continue
		}
		found = append(found, rule.condition)
		text = rule.pattern.ReplaceAllString(text, " ")
	}
	return found
}

// candidateConditions prefers the explicit field and falls back to inference
// over title and description.
func candidateConditions(explicit, title, description string) []string {
	if c := NormalizeCondition(explicit); c != "" {
		return []string{c}
	}
	return InferConditions(title + " " + description)
}
