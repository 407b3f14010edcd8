package review

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

// ScreenStudy classifies one candidate study against the full criteria list
// in a single model call. A label outside the three-value vocabulary is
// coerced to UNCERTAIN rather than retried or dropped.
func (r *LLMStageRunner) ScreenStudy(ctx context.Context, criteria []Criterion, study Study) (ScreeningDecision, StageAttemptMetrics, error) {
	var out struct {
		Label     string `json:"label"`
		Rationale string `json:"rationale"`
	}
	prompt := buildScreeningPrompt(criteria, study)
	m, err := r.exec.Run(ctx, "screening", prompt, &out, func() error {
		out.Rationale = clampString(out.Rationale, 500)
		if len(out.Rationale) < 10 {
			return fmt.Errorf("rationale too short")
		}
		return nil
	})
	if err != nil {
		return ScreeningDecision{}, m, err
	}
	label, coerced := normalizeScreeningLabel(out.Label)
	if coerced {
		log.Printf("slr-review screening_label_coerced study_id=%s raw=%q", study.ID, out.Label)
	}
	return ScreeningDecision{StudyID: study.ID, Label: label, Rationale: out.Rationale}, m, nil
}

func buildScreeningPrompt(criteria []Criterion, study Study) string {
	var b strings.Builder
	b.WriteString("Return valid JSON only. No markdown fences, no commentary.\n\n")
	b.WriteString(`You are screening one candidate study for a systematic review. Judge the
study against every criterion below using only its title and abstract.

Label definitions:
- INCLUDE: the abstract satisfies the inclusion criteria and triggers no
  exclusion criterion.
- EXCLUDE: the abstract clearly violates an inclusion criterion or triggers
  an exclusion criterion. Name the criterion in your rationale.
- UNCERTAIN: the abstract does not contain enough information to decide.
  When in doubt between INCLUDE and EXCLUDE, answer UNCERTAIN.

IMPORTANT: Return valid JSON only. No markdown fences, no commentary, no
preamble.

CRITERIA:
`)
	for i, c := range criteria {
		b.WriteString(fmt.Sprintf("%d. [%s] %s\n", i+1, c.Kind, c.Statement))
	}
	b.WriteString("\nSTUDY:\nID: " + study.ID + "\nTITLE: " + study.Title + "\n")
	b.WriteString("ABSTRACT: " + clampString(study.Abstract, 2500) + "\n")
	b.WriteString("\nRequired output schema:\n")
	b.WriteString(`{
  "label": "INCLUDE | EXCLUDE | UNCERTAIN",
  "rationale": "string (10-500 chars, cite the deciding criteria)"
}`)
	return b.String()
}

// normalizeScreeningLabel maps any out-of-vocabulary response to UNCERTAIN.
// The second return reports whether coercion happened.
func normalizeScreeningLabel(raw string) (ScreeningLabel, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(LabelInclude):
		return LabelInclude, false
	case string(LabelExclude):
		return LabelExclude, false
	case string(LabelUncertain):
		return LabelUncertain, false
	default:
		return LabelUncertain, true
	}
}

// ScreeningOutput is the stage result. Decisions holds exactly one terminal
// decision per screened study, in search-rank order. NotScreened counts
// studies never evaluated because of the cap; Cancelled counts studies never
// evaluated because the run was cancelled mid-stage. Both groups are excluded
// from every downstream count.
type ScreeningOutput struct {
	Decisions   []ScreeningDecision
	Included    []Study
	Excluded    int
	Failures    int
	NotScreened int
	Cancelled   int
}

// runScreening evaluates candidates in search-rank order up to maxScreen,
// dispatching per-study calls on a bounded worker pool. Each decision
// depends only on its own abstract and the shared read-only criteria, so
// completion order never matters: results land in a rank-indexed slice. A
// per-study call failure is coerced to UNCERTAIN with the cause in the
// rationale; it never aborts the run. Cancellation stops dispatching new
// calls.
func runScreening(ctx context.Context, runner StageRunner, criteria []Criterion, studies []Study, cfg RunConfig) ScreeningOutput {
	toScreen := studies
	if len(toScreen) > cfg.MaxStudiesToScreen {
		toScreen = toScreen[:cfg.MaxStudiesToScreen]
	}

	decisions := make([]*ScreeningDecision, len(toScreen))
	failures := make([]bool, len(toScreen))
	sem := make(chan struct{}, cfg.ScreeningWorkers)
	var wg sync.WaitGroup
	for i, st := range toScreen {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, st Study) {
			defer wg.Done()
			defer func() { <-sem }()
			d, _, err := runner.ScreenStudy(ctx, criteria, st)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("slr-review screening_call_failed study_id=%s err=%q", st.ID, err.Error())
				failures[i] = true
				d = ScreeningDecision{
					StudyID:   st.ID,
					Label:     LabelUncertain,
					Rationale: "screening failed: " + err.Error(),
				}
			}
			decisions[i] = &d
		}(i, st)
	}
	wg.Wait()

	out := ScreeningOutput{NotScreened: len(studies) - len(toScreen)}
	decided := map[string]ScreeningLabel{}
	for i, d := range decisions {
		if d == nil {
			// Dispatch stopped by cancellation; the study was never
			// screened. Counted apart from the cap so the report does
			// not attribute it to the screening limit.
			out.Cancelled++
			continue
		}
		if failures[i] {
			out.Failures++
		}
		out.Decisions = append(out.Decisions, *d)
		decided[d.StudyID] = d.Label
		if d.Label == LabelExclude {
			out.Excluded++
		}
	}
	out.Included = selectIncluded(toScreen, decided, cfg.MaxStudiesToInclude)
	return out
}

// selectIncluded picks the studies handed to extraction: decisions in
// {INCLUDE, UNCERTAIN}, capped at max. When truncation is needed, INCLUDE
// studies win slots over UNCERTAIN ones, by search rank within each label;
// the chosen set is then re-sorted back into search-rank order.
func selectIncluded(studies []Study, decided map[string]ScreeningLabel, max int) []Study {
	includes := []Study{}
	uncertains := []Study{}
	for _, st := range studies {
		switch decided[st.ID] {
		case LabelInclude:
			includes = append(includes, st)
		case LabelUncertain:
			uncertains = append(uncertains, st)
		}
	}
	selected := includes
	if len(selected) > max {
		selected = selected[:max]
	} else {
		room := max - len(selected)
		if room > len(uncertains) {
			room = len(uncertains)
		}
		selected = append(selected, uncertains[:room]...)
	}
	sort.SliceStable(selected, func(i, j int) bool { return selected[i].Rank < selected[j].Rank })
	return selected
}
