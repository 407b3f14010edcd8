package review

import (
	"context"
	"fmt"
	"strings"
)

// ExtractPICO derives the four PICO term sets for a run. Caller-supplied
// dimensions are used verbatim (deduplicated, never overwritten); only the
// missing dimensions are inferred from the question text, in a single model
// call. When every dimension is supplied no call is made at all.
func (r *LLMStageRunner) ExtractPICO(ctx context.Context, req ReviewRequest) (PICOElements, StageAttemptMetrics, error) {
	override := normalizePICO(req.PICOOverride)
	if picoComplete(override) {
		return override, StageAttemptMetrics{}, nil
	}

	out := PICOElements{}
	prompt := buildPICOPrompt(req, override)
	m, err := r.exec.Run(ctx, "pico", prompt, &out, func() error {
		return validatePICO(&out, override)
	})
	if err != nil {
		return PICOElements{}, m, err
	}
	return mergePICO(override, out), m, nil
}

func buildPICOPrompt(req ReviewRequest, override PICOElements) string {
	var b strings.Builder
	b.WriteString("Return valid JSON only. No markdown fences, no commentary.\n\n")
	b.WriteString(`You are structuring a clinical research question for a systematic review.
Decompose the question into PICO terms: Population, Intervention, Comparison,
Outcome. For each dimension provide 2-6 short search terms (single words or
short noun phrases as used in medical literature), most specific first.

IMPORTANT: Return valid JSON only. No markdown fences, no commentary, no
preamble. Your entire response must be a single JSON object matching the
schema below. If the question genuinely has no comparator, return an empty
comparison array rather than inventing one.`)

	locked := lockedDimensions(override)
	if len(locked) > 0 {
		b.WriteString("\n\nThe caller already fixed these dimensions; you may leave them empty\nin your response, they will not be used: [" + strings.Join(locked, ", ") + "]")
	}
	if len(req.TargetOutcomes) > 0 {
		b.WriteString("\n\nTarget outcomes of the review (seed the outcomes dimension with terms\ncovering these): [" + strings.Join(req.TargetOutcomes, "; ") + "]")
	}
	b.WriteString("\n\nRequired output schema:\n")
	b.WriteString(`{
  "population": ["string (0-6 entries)"],
  "intervention": ["string (0-6 entries)"],
  "comparison": ["string (0-6 entries)"],
  "outcomes": ["string (0-6 entries)"]
}`)
	b.WriteString("\n\nRESEARCH QUESTION:\n" + req.Question)
	return b.String()
}

func validatePICO(out *PICOElements, override PICOElements) error {
	*out = normalizePICO(*out)
	merged := mergePICO(override, *out)
	if len(merged.Population) == 0 {
		return fmt.Errorf("population terms required")
	}
	if len(merged.Intervention) == 0 {
		return fmt.Errorf("intervention terms required")
	}
	if len(merged.Outcomes) == 0 {
		return fmt.Errorf("outcome terms required")
	}
	return nil
}

// mergePICO keeps every caller-supplied dimension verbatim and fills only the
// empty ones from the extractor output.
func mergePICO(override, derived PICOElements) PICOElements {
	out := override
	if len(out.Population) == 0 {
		out.Population = derived.Population
	}
	if len(out.Intervention) == 0 {
		out.Intervention = derived.Intervention
	}
	if len(out.Comparison) == 0 {
		out.Comparison = derived.Comparison
	}
	if len(out.Outcomes) == 0 {
		out.Outcomes = derived.Outcomes
	}
	return out
}

func normalizePICO(p PICOElements) PICOElements {
	return PICOElements{
		Population:   dedupeTerms(p.Population),
		Intervention: dedupeTerms(p.Intervention),
		Comparison:   dedupeTerms(p.Comparison),
		Outcomes:     dedupeTerms(p.Outcomes),
	}
}

// dedupeTerms trims, drops empties, and removes case-insensitive duplicates
// while preserving first-seen order and original casing.
func dedupeTerms(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

// picoComplete reports whether every dimension the pipeline requires is
// populated. Comparison is optional: single-arm questions have none.
func picoComplete(p PICOElements) bool {
	return len(p.Population) > 0 && len(p.Intervention) > 0 && len(p.Outcomes) > 0
}

func lockedDimensions(p PICOElements) []string {
	out := []string{}
	if len(p.Population) > 0 {
		out = append(out, "population")
	}
	if len(p.Intervention) > 0 {
		out = append(out, "intervention")
	}
	if len(p.Comparison) > 0 {
		out = append(out, "comparison")
	}
	if len(p.Outcomes) > 0 {
		out = append(out, "outcomes")
	}
	return out
}
