package review

import (
	"context"
	"strings"
	"unicode/utf8"
)

// StageRunner is the model-facing surface of the pipeline. The orchestrator
// depends only on this interface; AnthropicCaller and prompts live behind it.
type StageRunner interface {
	ExtractPICO(ctx context.Context, req ReviewRequest) (PICOElements, StageAttemptMetrics, error)
	GenerateCriteria(ctx context.Context, pico PICOElements, targetOutcomes []string) ([]Criterion, StageAttemptMetrics, error)
	ScreenStudy(ctx context.Context, criteria []Criterion, study Study) (ScreeningDecision, StageAttemptMetrics, error)
	ExtractRecord(ctx context.Context, study Study, targetOutcomes []string) (ExtractedRecord, StageAttemptMetrics, error)
	ComposeReport(ctx context.Context, input ReportInput) (ReportNarrative, StageAttemptMetrics, error)
}

// LLMStageRunner implements every stage through a shared StageExecutor, so
// retry, timeout, and token accounting behave identically across stages.
type LLMStageRunner struct {
	exec *StageExecutor
}

func NewLLMStageRunner(exec *StageExecutor) *LLMStageRunner {
	return &LLMStageRunner{exec: exec}
}

func (r *LLMStageRunner) ModelName() string { return r.exec.ModelName() }

// clampString truncates s to at most max bytes, backing up to the nearest
// rune boundary so the result is always valid UTF-8.
func clampString(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func compactStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
