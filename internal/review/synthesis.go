package review

import (
	"context"
	"fmt"
	"strings"
)

// AggregateEvidence collapses the extracted records into one evidence entry
// per target outcome. Pure computation over already-validated records; it
// cannot fail. An outcome only cites studies whose record reports non-empty
// text for it, and an outcome nothing reports is kept as insufficient
// evidence rather than omitted.
func AggregateEvidence(records []ExtractedRecord, targetOutcomes []string, thresholds QualityThresholds) []SynthesizedEvidence {
	out := make([]SynthesizedEvidence, 0, len(targetOutcomes))
	for _, outcome := range targetOutcomes {
		ev := SynthesizedEvidence{Outcome: outcome, StudyIDs: []string{}}
		complete := 0
		var lines []string
		for _, rec := range records {
			text := strings.TrimSpace(rec.Outcomes[outcome])
			if text == "" {
				continue
			}
			ev.StudyIDs = append(ev.StudyIDs, rec.StudyID)
			ev.RecordCount++
			if rec.Quality == QualityComplete {
				complete++
			}
			lines = append(lines, fmt.Sprintf("%s: %s", rec.StudyID, text))
		}
		if ev.RecordCount == 0 {
			ev.InsufficientEvidence = true
			ev.Quality = EvidenceVeryLow
			ev.Narrative = "Insufficient evidence: no included study reported this outcome."
		} else {
			frac := float64(complete) / float64(ev.RecordCount)
			ev.Quality = gradeEvidence(ev.RecordCount, frac, thresholds)
			ev.Narrative = strings.Join(lines, " | ")
		}
		out = append(out, ev)
	}
	return out
}

// gradeEvidence walks the threshold ladder top-down; see QualityThresholds
// for the documented mapping.
func gradeEvidence(records int, completeFraction float64, t QualityThresholds) EvidenceQuality {
	switch {
	case records >= t.HighMinRecords && completeFraction >= t.HighMinCompleteFraction:
		return EvidenceHigh
	case records >= t.ModerateMinRecords && completeFraction >= t.ModerateMinCompleteFraction:
		return EvidenceModerate
	case records >= t.LowMinRecords:
		return EvidenceLow
	default:
		return EvidenceVeryLow
	}
}

// ReportInput is everything the narrative model call may draw on. All counts
// are computed in code and injected as ground truth.
type ReportInput struct {
	Question       string
	TargetOutcomes []string
	Prisma         PrismaSummary
	Evidence       []SynthesizedEvidence
	MockData       bool
	ScreeningFails int
	ExtractionFail int
}

// ReportNarrative is the model-composed prose that report.go weaves into the
// final document.
type ReportNarrative struct {
	ExecutiveSummary  string            `json:"executive_summary"`
	OutcomeNarratives map[string]string `json:"outcome_narratives"`
	Limitations       []string          `json:"limitations"`
}

// ComposeReport makes the single final model call that turns the structured
// evidence into report prose. The PRISMA counts handed to the model are the
// exact ones the rendered report will carry.
func (r *LLMStageRunner) ComposeReport(ctx context.Context, input ReportInput) (ReportNarrative, StageAttemptMetrics, error) {
	out := ReportNarrative{}
	prompt := buildReportPrompt(input)
	m, err := r.exec.Run(ctx, "synthesis", prompt, &out, func() error {
		return validateNarrative(&out, input)
	})
	return out, m, err
}

func buildReportPrompt(input ReportInput) string {
	var b strings.Builder
	b.WriteString("Return valid JSON only. No markdown fences, no commentary.\n\n")
	b.WriteString(`You are writing the narrative for a systematic review report. Work only
from the structured evidence below. Do NOT invent study counts, effect
sizes, or study identifiers — every number you mention must appear in the
input.

IMPORTANT: Return valid JSON only. No markdown fences, no commentary, no
preamble.

RESEARCH QUESTION:
` + input.Question + "\n")
	fmt.Fprintf(&b, `
PRISMA FLOW (computed, accurate):
Records identified: %d
After deduplication: %d
Screened: %d
Excluded at screening: %d
Included: %d
With extracted data: %d
Not screened due to cap: %d
`, input.Prisma.Identified, input.Prisma.AfterDedup, input.Prisma.Screened,
		input.Prisma.Excluded, input.Prisma.Included, input.Prisma.WithExtractedData,
		input.Prisma.NotScreenedCapped)
	if input.MockData {
		b.WriteString("\nNOTE: the literature backend was unavailable; all studies come from a\nclearly labeled synthetic corpus. The limitations section must say so.\n")
	}
	b.WriteString("\nEVIDENCE BY OUTCOME (computed, accurate):\n")
	for _, ev := range input.Evidence {
		fmt.Fprintf(&b, "\nOUTCOME: %s\nQUALITY: %s\nCONTRIBUTING STUDIES (%d): %s\n",
			ev.Outcome, ev.Quality, ev.RecordCount, strings.Join(ev.StudyIDs, ", "))
		if ev.InsufficientEvidence {
			b.WriteString("FINDINGS: insufficient evidence\n")
		} else {
			b.WriteString("FINDINGS: " + clampString(ev.Narrative, 1500) + "\n")
		}
	}
	fmt.Fprintf(&b, "\nPER-STUDY CALL FAILURES: screening=%d extraction=%d\n", input.ScreeningFails, input.ExtractionFail)
	b.WriteString(`
Write:
1. EXECUTIVE SUMMARY: 3-6 sentences answering the research question from the
   evidence, naming the included-study count and the overall confidence.
2. OUTCOME NARRATIVES: for each outcome, 2-4 sentences synthesizing the
   findings and their consistency. For insufficient-evidence outcomes state
   that plainly.
3. LIMITATIONS: 2-6 bullets (abstract-only screening always belongs here;
   mention caps, call failures, or synthetic data when they apply).

Required output schema:
{
  "executive_summary": "string (min 100 chars)",
  "outcome_narratives": {"<outcome name>": "string (min 40 chars)"},
  "limitations": ["string (2-6 entries)"]
}`)
	return b.String()
}

func validateNarrative(n *ReportNarrative, input ReportInput) error {
	n.ExecutiveSummary = clampString(n.ExecutiveSummary, 2000)
	if len(n.ExecutiveSummary) < 100 {
		return fmt.Errorf("executive_summary too short")
	}
	n.Limitations = compactStrings(n.Limitations)
	if len(n.Limitations) < 2 || len(n.Limitations) > 6 {
		return fmt.Errorf("limitations count")
	}
	if n.OutcomeNarratives == nil {
		n.OutcomeNarratives = map[string]string{}
	}
	valid := map[string]struct{}{}
	for _, o := range input.TargetOutcomes {
		valid[o] = struct{}{}
	}
	for name, text := range n.OutcomeNarratives {
		if _, ok := valid[name]; !ok {
			delete(n.OutcomeNarratives, name)
			continue
		}
		n.OutcomeNarratives[name] = clampString(text, 1200)
	}
	for _, o := range input.TargetOutcomes {
		if len(strings.TrimSpace(n.OutcomeNarratives[o])) < 40 {
			return fmt.Errorf("outcome narrative missing or too short for %q", o)
		}
	}
	return nil
}
