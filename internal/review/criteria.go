package review

import (
	"context"
	"fmt"
	"strings"
)

// GenerateCriteria derives the ordered eligibility criteria list from PICO
// terms and target outcomes in one model call. Criteria are never cached
// across runs.
func (r *LLMStageRunner) GenerateCriteria(ctx context.Context, pico PICOElements, targetOutcomes []string) ([]Criterion, StageAttemptMetrics, error) {
	var out struct {
		Criteria []Criterion `json:"criteria"`
	}
	prompt := buildCriteriaPrompt(pico, targetOutcomes)
	m, err := r.exec.Run(ctx, "criteria", prompt, &out, func() error {
		return validateCriteria(&out.Criteria)
	})
	if err != nil {
		return nil, m, err
	}
	return out.Criteria, m, nil
}

func buildCriteriaPrompt(pico PICOElements, targetOutcomes []string) string {
	var b strings.Builder
	b.WriteString("Return valid JSON only. No markdown fences, no commentary.\n\n")
	b.WriteString(`You are defining eligibility criteria for a systematic review. Produce an
ordered list of criterion statements, each tagged INCLUSION or EXCLUSION.
Criteria must be decidable from a title and abstract alone. Provide 3-8
inclusion criteria and 2-6 exclusion criteria, most important first.

IMPORTANT: Return valid JSON only. No markdown fences, no commentary, no
preamble.

PICO FRAME:
`)
	writePICOBlock(&b, pico)
	if len(targetOutcomes) > 0 {
		b.WriteString("\nTARGET OUTCOMES (studies must plausibly report at least one):\n")
		for _, o := range targetOutcomes {
			b.WriteString("- " + o + "\n")
		}
	}
	b.WriteString("\nRequired output schema:\n")
	b.WriteString(`{
  "criteria": [
    {
      "kind": "INCLUSION | EXCLUSION",
      "statement": "string (15-300 chars)"
    }
  ]
}`)
	return b.String()
}

func writePICOBlock(b *strings.Builder, pico PICOElements) {
	b.WriteString("Population: [" + strings.Join(pico.Population, "; ") + "]\n")
	b.WriteString("Intervention: [" + strings.Join(pico.Intervention, "; ") + "]\n")
	if len(pico.Comparison) > 0 {
		b.WriteString("Comparison: [" + strings.Join(pico.Comparison, "; ") + "]\n")
	}
	b.WriteString("Outcomes: [" + strings.Join(pico.Outcomes, "; ") + "]\n")
}

func validateCriteria(criteria *[]Criterion) error {
	if len(*criteria) < 2 {
		return fmt.Errorf("too few criteria")
	}
	inclusions := 0
	kept := make([]Criterion, 0, len(*criteria))
	for _, c := range *criteria {
		c.Statement = clampString(c.Statement, 300)
		if len(c.Statement) < 15 {
			return fmt.Errorf("criterion statement too short")
		}
		c.Kind = normalizeCriterionKind(c.Kind)
		if c.Kind == CriterionInclusion {
			inclusions++
		}
		kept = append(kept, c)
	}
	if inclusions == 0 {
		return fmt.Errorf("at least one INCLUSION criterion required")
	}
	*criteria = kept
	return nil
}

func normalizeCriterionKind(k CriterionKind) CriterionKind {
	switch strings.ToUpper(strings.TrimSpace(string(k))) {
	case string(CriterionInclusion):
		return CriterionInclusion
	default:
		return CriterionExclusion
	}
}
