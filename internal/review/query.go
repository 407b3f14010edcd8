package review

import (
	"fmt"
	"strings"
)

// BuildQueries turns PICO terms into boolean search expressions: synonyms
// within a dimension joined with OR, dimensions joined with AND. Pure
// function, no model call; identical input yields identical output.
//
// Query Q1 covers the whole question (population AND intervention AND
// comparison AND the union of outcome terms). When target outcomes are
// given, one narrower query per outcome follows.
func BuildQueries(pico PICOElements, targetOutcomes []string) []SearchQuery {
	base := []string{
		orGroup(pico.Population),
		orGroup(pico.Intervention),
		orGroup(pico.Comparison),
	}

	queries := []SearchQuery{}
	expr := andJoin(append(base, orGroup(pico.Outcomes)))
	if expr != "" {
		queries = append(queries, SearchQuery{ID: "Q1", Expression: expr, Terms: pico})
	}
	for _, outcome := range dedupeTerms(targetOutcomes) {
		expr := andJoin(append(base, quoteTerm(outcome)))
		if expr == "" {
			continue
		}
		queries = append(queries, SearchQuery{
			ID:         fmt.Sprintf("Q%d", len(queries)+1),
			Expression: expr,
			Terms:      pico,
		})
	}
	return queries
}

// orGroup renders a dimension as "(t1 OR t2 OR t3)". Empty dimensions render
// as "" and are dropped by andJoin.
func orGroup(terms []string) string {
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		q := quoteTerm(t)
		if q != "" {
			quoted = append(quoted, q)
		}
	}
	switch len(quoted) {
	case 0:
		return ""
	case 1:
		return quoted[0]
	default:
		return "(" + strings.Join(quoted, " OR ") + ")"
	}
}

func andJoin(groups []string) string {
	kept := make([]string, 0, len(groups))
	for _, g := range groups {
		if g != "" {
			kept = append(kept, g)
		}
	}
	return strings.Join(kept, " AND ")
}

// quoteTerm wraps multi-word terms in double quotes so backends treat them as
// phrases rather than bags of tokens.
func quoteTerm(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}
	if strings.ContainsAny(t, " \t") {
		return `"` + t + `"`
	}
	return t
}
