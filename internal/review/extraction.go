package review

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
)

// ExtractRecord pulls a structured record from one included study's abstract
// in a single model call. Fields the abstract does not support are reported
// as missing, never guessed; the data-quality flag is derived in code from
// which target-outcome fields came back populated.
func (r *LLMStageRunner) ExtractRecord(ctx context.Context, study Study, targetOutcomes []string) (ExtractedRecord, StageAttemptMetrics, error) {
	var out struct {
		StudyDesign    string            `json:"study_design"`
		Population     string            `json:"population"`
		Intervention   string            `json:"intervention"`
		Comparator     string            `json:"comparator"`
		Outcomes       map[string]string `json:"outcomes"`
		SafetyFindings []string          `json:"safety_findings"`
	}
	prompt := buildExtractionPrompt(study, targetOutcomes)
	m, err := r.exec.Run(ctx, "extraction", prompt, &out, func() error {
		if out.Outcomes == nil {
			out.Outcomes = map[string]string{}
		}
		return nil
	})
	if err != nil {
		return ExtractedRecord{}, m, err
	}

	rec := ExtractedRecord{
		StudyID:        study.ID,
		StudyDesign:    clampString(out.StudyDesign, 200),
		Population:     clampString(out.Population, 500),
		Intervention:   clampString(out.Intervention, 500),
		Comparator:     clampString(out.Comparator, 500),
		Outcomes:       map[string]string{},
		SafetyFindings: compactStrings(out.SafetyFindings),
	}
	// Only target outcomes survive; anything else the model volunteered is
	// dropped so synthesis never cites an unrequested outcome.
	for _, name := range targetOutcomes {
		if text := strings.TrimSpace(out.Outcomes[name]); text != "" {
			rec.Outcomes[name] = clampString(text, 600)
		}
	}
	rec.MissingFields, rec.Quality = deriveQuality(rec, targetOutcomes)
	return rec, m, nil
}

func buildExtractionPrompt(study Study, targetOutcomes []string) string {
	var b strings.Builder
	b.WriteString("Return valid JSON only. No markdown fences, no commentary.\n\n")
	b.WriteString(`You are extracting structured data from one study abstract for a systematic
review. Report only what the abstract states. For any field the abstract does
not support, return an empty string — do NOT guess or infer beyond the text.

IMPORTANT: Return valid JSON only. No markdown fences, no commentary, no
preamble.

STUDY:
ID: ` + study.ID + "\nTITLE: " + study.Title + "\n")
	b.WriteString("ABSTRACT: " + clampString(study.Abstract, 2500) + "\n")
	b.WriteString("\nTARGET OUTCOMES (report each one the abstract addresses, verbatim keys):\n")
	for _, o := range targetOutcomes {
		b.WriteString("- " + o + "\n")
	}
	b.WriteString("\nRequired output schema:\n")
	b.WriteString(`{
  "study_design": "string (e.g. randomized controlled trial, cohort; empty if unstated)",
  "population": "string (who was studied; empty if unstated)",
  "intervention": "string (what was given/done; empty if unstated)",
  "comparator": "string (control arm; empty if none or unstated)",
  "outcomes": {"<target outcome name>": "string (reported result text; omit outcomes the abstract does not report)"},
  "safety_findings": ["string (adverse events or safety signals; empty array if none reported)"]
}`)
	return b.String()
}

// deriveQuality lists the unpopulated fields and grades the record:
// COMPLETE when every target outcome and the core descriptive fields are
// present, PARTIAL when at least one target outcome is, MISSING when none.
func deriveQuality(rec ExtractedRecord, targetOutcomes []string) ([]string, DataQuality) {
	missing := []string{}
	for _, name := range []struct{ field, value string }{
		{"study_design", rec.StudyDesign},
		{"population", rec.Population},
		{"intervention", rec.Intervention},
	} {
		if strings.TrimSpace(name.value) == "" {
			missing = append(missing, name.field)
		}
	}
	populated := 0
	for _, o := range targetOutcomes {
		if strings.TrimSpace(rec.Outcomes[o]) != "" {
			populated++
		} else {
			missing = append(missing, "outcome:"+o)
		}
	}
	switch {
	case populated == len(targetOutcomes) && len(missing) == 0:
		return missing, QualityComplete
	case populated > 0:
		return missing, QualityPartial
	default:
		return missing, QualityMissing
	}
}

// missingDataRecord is the stand-in for a study whose extraction call failed
// after retries. The study stays in the included list but contributes to no
// outcome.
func missingDataRecord(study Study, targetOutcomes []string, cause error) ExtractedRecord {
	missing := []string{"study_design", "population", "intervention"}
	for _, o := range targetOutcomes {
		missing = append(missing, "outcome:"+o)
	}
	return ExtractedRecord{
		StudyID:       study.ID,
		Outcomes:      map[string]string{},
		MissingFields: missing,
		Quality:       QualityMissing,
		SafetyFindings: []string{
			fmt.Sprintf("extraction failed: %v", cause),
		},
	}
}

// ExtractionOutput holds one record per included study, in search-rank order.
type ExtractionOutput struct {
	Records  []ExtractedRecord
	Failures int
	// Extracted counts records with usable data (quality above MISSING).
	Extracted int
}

// runExtraction mirrors the screening pool: bounded workers, rank-indexed
// results, per-study failures isolated to the study. Cancellation stops
// dispatching; studies never dispatched get no record.
func runExtraction(ctx context.Context, runner StageRunner, included []Study, targetOutcomes []string, cfg RunConfig) ExtractionOutput {
	records := make([]*ExtractedRecord, len(included))
	failed := make([]bool, len(included))
	sem := make(chan struct{}, cfg.ExtractionWorkers)
	var wg sync.WaitGroup
	for i, st := range included {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, st Study) {
			defer wg.Done()
			defer func() { <-sem }()
			rec, _, err := runner.ExtractRecord(ctx, st, targetOutcomes)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("slr-review extraction_call_failed study_id=%s err=%q", st.ID, err.Error())
				failed[i] = true
				rec = missingDataRecord(st, targetOutcomes, err)
			}
			records[i] = &rec
		}(i, st)
	}
	wg.Wait()

	out := ExtractionOutput{}
	for i, rec := range records {
		if rec == nil {
			continue
		}
		if failed[i] {
			out.Failures++
		}
		out.Records = append(out.Records, *rec)
		if rec.Quality != QualityMissing {
			out.Extracted++
		}
	}
	return out
}
