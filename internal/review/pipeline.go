package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/joelkehle/evidence-review/internal/review")

type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func StageNameFromError(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return "pipeline"
}

type StageProgressFn func(stage, message string)

// Pipeline owns one review run: it sequences PICO extraction, query
// building, search, criteria generation, screening, extraction, and
// synthesis, enforces the caps, and assembles the RunResult. Fatal stage
// failures surface as one *StageError; per-study failures inside screening
// and extraction are recorded inline and never abort the run. No stage
// mutates a prior stage's output — every stage hands forward a new derived
// collection.
type Pipeline struct {
	runner StageRunner
	search *SearchStage
	cfg    RunConfig
	usage  *UsageCounter
}

func NewPipeline(runner StageRunner, search *SearchStage, cfg RunConfig, usage *UsageCounter) *Pipeline {
	if usage == nil {
		usage = &UsageCounter{}
	}
	return &Pipeline{runner: runner, search: search, cfg: cfg.withDefaults(), usage: usage}
}

func (p *Pipeline) ValidateConfig() error {
	if p.runner == nil {
		return fmt.Errorf("runner is required")
	}
	if p.search == nil {
		return fmt.Errorf("search stage is required")
	}
	return nil
}

func (p *Pipeline) Run(ctx context.Context, req ReviewRequest) (RunResult, error) {
	return p.runWithProgress(ctx, req, nil)
}

func (p *Pipeline) RunWithProgress(ctx context.Context, req ReviewRequest, progress StageProgressFn) (RunResult, error) {
	return p.runWithProgress(ctx, req, progress)
}

func (p *Pipeline) runWithProgress(ctx context.Context, req ReviewRequest, progress StageProgressFn) (RunResult, error) {
	res := RunResult{
		Request: req,
		Metadata: PipelineMetadata{
			StartedAt:           time.Now(),
			Model:               p.modelName(),
			StageAttempts:       map[string]int{},
			StageContentRetries: map[string]int{},
		},
	}
	if len(strings.TrimSpace(req.Question)) < MinQuestionChars {
		return res, errors.New("research question is insufficient for a review")
	}
	req.Question = clampString(req.Question, MaxQuestionChars)
	req.TargetOutcomes = dedupeTerms(req.TargetOutcomes)
	if len(req.TargetOutcomes) == 0 {
		return res, errors.New("at least one target outcome is required")
	}
	res.Request = req

	emit(progress, "pico", "Structuring the research question (PICO)...")
	pico, m, err := p.runStagePICO(ctx, req)
	p.recordAttempts(&res, "pico", m)
	if err != nil {
		if p.checkCancelled(ctx, &res) {
			return p.finalize(res), nil
		}
		return res, &StageError{Stage: "pico", Err: err}
	}
	res.PICO = pico
	res.Metadata.StagesExecuted = append(res.Metadata.StagesExecuted, "pico")

	emit(progress, "query_build", "Building boolean search queries...")
	res.Queries = BuildQueries(pico, req.TargetOutcomes)
	if len(res.Queries) == 0 {
		return res, &StageError{Stage: "query_build", Err: errors.New("no queries derivable from PICO terms")}
	}
	res.Metadata.StagesExecuted = append(res.Metadata.StagesExecuted, "query_build")

	emit(progress, "search", fmt.Sprintf("Searching the literature (%d queries)...", len(res.Queries)))
	searchOut, err := p.runStageSearch(ctx, res.Queries)
	if err != nil {
		if p.checkCancelled(ctx, &res) {
			return p.finalize(res), nil
		}
		return res, &StageError{Stage: "search", Err: err}
	}
	res.Studies = searchOut.Studies
	res.Prisma.Identified = searchOut.Identified
	res.Prisma.AfterDedup = searchOut.AfterDedup
	res.Metadata.MockData = searchOut.MockData
	res.Metadata.StagesExecuted = append(res.Metadata.StagesExecuted, "search")

	// Zero results is a degenerate run, not a failure: skip straight to
	// synthesis so the caller still gets a report saying nothing was found.
	if len(res.Studies) > 0 {
		if stop := p.checkCancelled(ctx, &res); stop {
			return p.finalize(res), nil
		}

		emit(progress, "criteria", "Deriving eligibility criteria...")
		criteria, m, err := p.runStageCriteria(ctx, pico, req.TargetOutcomes)
		p.recordAttempts(&res, "criteria", m)
		if err != nil {
			if p.checkCancelled(ctx, &res) {
				return p.finalize(res), nil
			}
			return res, &StageError{Stage: "criteria", Err: err}
		}
		res.Criteria = criteria
		res.Metadata.StagesExecuted = append(res.Metadata.StagesExecuted, "criteria")

		emit(progress, "screening", fmt.Sprintf("Screening %d candidate studies...", len(res.Studies)))
		screenOut := p.runStageScreening(ctx, criteria, res.Studies)
		res.Decisions = screenOut.Decisions
		res.Included = screenOut.Included
		res.Prisma.Screened = len(screenOut.Decisions)
		res.Prisma.Excluded = screenOut.Excluded
		res.Prisma.Included = len(screenOut.Included)
		res.Prisma.NotScreenedCapped = screenOut.NotScreened
		res.Metadata.ScreeningFailures = screenOut.Failures
		res.Metadata.StagesExecuted = append(res.Metadata.StagesExecuted, "screening")
		if stop := p.checkCancelled(ctx, &res); stop {
			return p.finalize(res), nil
		}

		emit(progress, "extraction", fmt.Sprintf("Extracting data from %d included studies...", len(res.Included)))
		extractOut := p.runStageExtraction(ctx, res.Included, req.TargetOutcomes)
		res.Records = extractOut.Records
		res.Prisma.WithExtractedData = extractOut.Extracted
		res.Metadata.ExtractionFailures = extractOut.Failures
		res.Metadata.StagesExecuted = append(res.Metadata.StagesExecuted, "extraction")
		if stop := p.checkCancelled(ctx, &res); stop {
			return p.finalize(res), nil
		}
	}

	emit(progress, "synthesis", "Synthesizing evidence and composing the report...")
	res.Evidence = AggregateEvidence(res.Records, req.TargetOutcomes, p.cfg.Thresholds)
	narrative, m, err := p.runStageSynthesis(ctx, res)
	p.recordAttempts(&res, "synthesis", m)
	if err != nil {
		if p.checkCancelled(ctx, &res) {
			return p.finalize(res), nil
		}
		return res, &StageError{Stage: "synthesis", Err: err}
	}
	applyNarrative(&res, narrative)
	res.Narrative = narrative
	res.FinalReport = BuildReportMarkdown(res, narrative)
	res.Metadata.StagesExecuted = append(res.Metadata.StagesExecuted, "synthesis")

	return p.finalize(res), nil
}

func (p *Pipeline) runStagePICO(ctx context.Context, req ReviewRequest) (PICOElements, StageAttemptMetrics, error) {
	ctx, span := p.startStage(ctx, "pico")
	defer span.End()
	return p.runner.ExtractPICO(ctx, req)
}

func (p *Pipeline) runStageSearch(ctx context.Context, queries []SearchQuery) (SearchOutput, error) {
	ctx, span := p.startStage(ctx, "search")
	defer span.End()
	out, err := p.search.Run(ctx, queries)
	if err == nil {
		span.SetAttributes(
			attribute.Int("review.identified", out.Identified),
			attribute.Int("review.after_dedup", out.AfterDedup),
			attribute.Bool("review.mock_data", out.MockData),
		)
	}
	return out, err
}

func (p *Pipeline) runStageCriteria(ctx context.Context, pico PICOElements, outcomes []string) ([]Criterion, StageAttemptMetrics, error) {
	ctx, span := p.startStage(ctx, "criteria")
	defer span.End()
	return p.runner.GenerateCriteria(ctx, pico, outcomes)
}

func (p *Pipeline) runStageScreening(ctx context.Context, criteria []Criterion, studies []Study) ScreeningOutput {
	ctx, span := p.startStage(ctx, "screening")
	defer span.End()
	out := runScreening(ctx, p.runner, criteria, studies, p.cfg)
	span.SetAttributes(
		attribute.Int("review.screened", len(out.Decisions)),
		attribute.Int("review.included", len(out.Included)),
	)
	return out
}

func (p *Pipeline) runStageExtraction(ctx context.Context, included []Study, outcomes []string) ExtractionOutput {
	ctx, span := p.startStage(ctx, "extraction")
	defer span.End()
	out := runExtraction(ctx, p.runner, included, outcomes, p.cfg)
	span.SetAttributes(attribute.Int("review.with_extracted_data", out.Extracted))
	return out
}

func (p *Pipeline) runStageSynthesis(ctx context.Context, res RunResult) (ReportNarrative, StageAttemptMetrics, error) {
	ctx, span := p.startStage(ctx, "synthesis")
	defer span.End()
	return p.runner.ComposeReport(ctx, ReportInput{
		Question:       res.Request.Question,
		TargetOutcomes: res.Request.TargetOutcomes,
		Prisma:         res.Prisma,
		Evidence:       res.Evidence,
		MockData:       res.Metadata.MockData,
		ScreeningFails: res.Metadata.ScreeningFailures,
		ExtractionFail: res.Metadata.ExtractionFailures,
	})
}

func (p *Pipeline) startStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "review."+stage)
}

// checkCancelled marks the result incomplete when the caller cancelled the
// run. It is consulted both at stage boundaries and after a stage call
// fails, so a cancellation that lands mid-call still yields the partial
// result instead of a fatal error.
func (p *Pipeline) checkCancelled(ctx context.Context, res *RunResult) bool {
	if ctx.Err() == nil {
		return false
	}
	res.Metadata.Incomplete = true
	res.Metadata.IncompleteReason = "run cancelled: " + ctx.Err().Error()
	return true
}

func (p *Pipeline) finalize(res RunResult) RunResult {
	res.Usage = p.usage.Snapshot()
	res.Metadata.CompletedAt = time.Now()
	res.Metadata.DurationMS = res.Metadata.CompletedAt.Sub(res.Metadata.StartedAt).Milliseconds()
	return res
}

func (p *Pipeline) recordAttempts(res *RunResult, stage string, m StageAttemptMetrics) {
	if m.Attempts > 0 {
		res.Metadata.StageAttempts[stage] = m.Attempts
	}
	if m.ContentRetries > 0 {
		res.Metadata.StageContentRetries[stage] = m.ContentRetries
	}
}

// applyNarrative fills each evidence entry's narrative with the model's
// outcome prose, keeping the code-built factual seed for any outcome the
// model did not cover.
func applyNarrative(res *RunResult, n ReportNarrative) {
	for i := range res.Evidence {
		if text := strings.TrimSpace(n.OutcomeNarratives[res.Evidence[i].Outcome]); text != "" {
			res.Evidence[i].Narrative = text
		}
	}
}

func (p *Pipeline) modelName() string {
	if llmRunner, ok := p.runner.(*LLMStageRunner); ok && llmRunner.exec != nil {
		return llmRunner.exec.ModelName()
	}
	return DefaultLLMModel
}

func emit(progress StageProgressFn, stage, message string) {
	if progress != nil {
		progress(stage, message)
	}
}
