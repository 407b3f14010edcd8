package review

import "time"

const Disclaimer = "This is an automated evidence synthesis, not a clinical guideline. " +
	"Screening and extraction operate on abstracts only. " +
	"Verify all findings against the full-text studies before relying on them."

const (
	DefaultLLMModel = "claude-sonnet-4-20250514"

	DefaultMaxSearchResults    = 50
	DefaultMaxStudiesToScreen  = 40
	DefaultMaxStudiesToInclude = 20
	DefaultLLMTimeout          = 90 * time.Second
	DefaultScreeningWorkers    = 4
	DefaultExtractionWorkers   = 4

	MinQuestionChars = 20
	MaxQuestionChars = 4000
)

// ReviewRequest is the immutable input to a run. Any PICO dimension the
// caller supplies is used verbatim; empty dimensions are inferred from the
// question text.
type ReviewRequest struct {
	RunID          string       `json:"run_id"`
	Question       string       `json:"question"`
	TargetOutcomes []string     `json:"target_outcomes"`
	PICOOverride   PICOElements `json:"pico_override,omitempty"`
}

// PICOElements holds the four term sets of a structured clinical question.
type PICOElements struct {
	Population   []string `json:"population"`
	Intervention []string `json:"intervention"`
	Comparison   []string `json:"comparison"`
	Outcomes     []string `json:"outcomes"`
}

// SearchQuery is one boolean expression plus the terms it was derived from.
type SearchQuery struct {
	ID         string       `json:"id"`
	Expression string       `json:"expression"`
	Terms      PICOElements `json:"terms"`
}

// Study is a candidate identified by the search stage. Abstract content is
// immutable after the search stage completes. Rank is the zero-based
// relevance position assigned at dedup time.
type Study struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Abstract   string `json:"abstract"`
	Year       int    `json:"year"`
	Venue      string `json:"venue"`
	Rank       int    `json:"rank"`
	MockSource bool   `json:"mock_source,omitempty"`
}

type ScreeningLabel string

const (
	LabelInclude   ScreeningLabel = "INCLUDE"
	LabelExclude   ScreeningLabel = "EXCLUDE"
	LabelUncertain ScreeningLabel = "UNCERTAIN"
)

// ScreeningDecision is terminal: exactly one per screened study, never
// overwritten.
type ScreeningDecision struct {
	StudyID   string         `json:"study_id"`
	Label     ScreeningLabel `json:"label"`
	Rationale string         `json:"rationale"`
}

type CriterionKind string

const (
	CriterionInclusion CriterionKind = "INCLUSION"
	CriterionExclusion CriterionKind = "EXCLUSION"
)

type Criterion struct {
	Kind      CriterionKind `json:"kind"`
	Statement string        `json:"statement"`
}

type DataQuality string

const (
	QualityComplete DataQuality = "COMPLETE"
	QualityPartial  DataQuality = "PARTIAL"
	QualityMissing  DataQuality = "MISSING"
)

// ExtractedRecord is the abstract-level structured record for one included
// study. Fields the model cannot populate are listed in MissingFields rather
// than guessed. Outcomes maps target outcome name to reported result text.
type ExtractedRecord struct {
	StudyID        string            `json:"study_id"`
	StudyDesign    string            `json:"study_design"`
	Population     string            `json:"population"`
	Intervention   string            `json:"intervention"`
	Comparator     string            `json:"comparator"`
	Outcomes       map[string]string `json:"outcomes"`
	SafetyFindings []string          `json:"safety_findings"`
	MissingFields  []string          `json:"missing_fields"`
	Quality        DataQuality       `json:"quality"`
}

type EvidenceQuality string

const (
	EvidenceHigh     EvidenceQuality = "HIGH"
	EvidenceModerate EvidenceQuality = "MODERATE"
	EvidenceLow      EvidenceQuality = "LOW"
	EvidenceVeryLow  EvidenceQuality = "VERY_LOW"
)

// SynthesizedEvidence aggregates extracted records for one target outcome.
// StudyIDs cites only studies whose record reports non-empty text for the
// outcome.
type SynthesizedEvidence struct {
	Outcome              string          `json:"outcome"`
	StudyIDs             []string        `json:"study_ids"`
	Narrative            string          `json:"narrative"`
	Quality              EvidenceQuality `json:"quality"`
	RecordCount          int             `json:"record_count"`
	InsufficientEvidence bool            `json:"insufficient_evidence"`
}

// PrismaSummary carries the five stage-transition counts plus the number of
// studies never evaluated because of the screening cap (reported separately,
// outside the screened total).
type PrismaSummary struct {
	Identified        int `json:"identified"`
	AfterDedup        int `json:"after_dedup"`
	Screened          int `json:"screened"`
	Excluded          int `json:"excluded"`
	Included          int `json:"included"`
	WithExtractedData int `json:"with_extracted_data"`
	NotScreenedCapped int `json:"not_screened_capped"`
}

// TokenUsage is the cumulative model usage across every stage of a run.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Calls        int64 `json:"calls"`
}

type StageAttemptMetrics struct {
	Attempts       int
	ContentRetries int
}

type PipelineMetadata struct {
	StagesExecuted      []string       `json:"stages_executed"`
	StageAttempts       map[string]int `json:"stage_attempts,omitempty"`
	StageContentRetries map[string]int `json:"stage_content_retries,omitempty"`
	ScreeningFailures   int            `json:"screening_failures"`
	ExtractionFailures  int            `json:"extraction_failures"`
	MockData            bool           `json:"mock_data"`
	Incomplete          bool           `json:"incomplete"`
	IncompleteReason    string         `json:"incomplete_reason,omitempty"`
	Model               string         `json:"model"`
	StartedAt           time.Time      `json:"started_at"`
	CompletedAt         time.Time      `json:"completed_at"`
	DurationMS          int64          `json:"duration_ms"`
}

// RunResult is the single value handed back to the caller. Accessors for the
// PRISMA counts and token usage read straight from it; nothing requires
// re-running the pipeline.
type RunResult struct {
	Request     ReviewRequest         `json:"request"`
	PICO        PICOElements          `json:"pico"`
	Queries     []SearchQuery         `json:"queries"`
	Studies     []Study               `json:"studies"`
	Criteria    []Criterion           `json:"criteria"`
	Decisions   []ScreeningDecision   `json:"decisions"`
	Included    []Study               `json:"included"`
	Records     []ExtractedRecord     `json:"records"`
	Evidence    []SynthesizedEvidence `json:"evidence"`
	Narrative   ReportNarrative       `json:"narrative"`
	Prisma      PrismaSummary         `json:"prisma"`
	FinalReport string                `json:"final_report"`
	Usage       TokenUsage            `json:"usage"`
	Metadata    PipelineMetadata      `json:"metadata"`
}

// PrismaSummaryCounts returns the flow counts without re-running anything.
func (r RunResult) PrismaSummaryCounts() PrismaSummary { return r.Prisma }

// TokenUsageTotals returns the cumulative model usage for the run.
func (r RunResult) TokenUsageTotals() TokenUsage { return r.Usage }

// ResponseEnvelope is the serialized form of a completed run, suitable for
// archival and report rendering.
type ResponseEnvelope struct {
	RunID          string           `json:"run_id"`
	Agent          string           `json:"agent"`
	Question       string           `json:"question"`
	Prisma         PrismaSummary    `json:"prisma"`
	Usage          TokenUsage       `json:"usage"`
	ReportMarkdown string           `json:"report_markdown"`
	Result         RunResult        `json:"result"`
	Metadata       PipelineMetadata `json:"metadata"`
	Disclaimer     string           `json:"disclaimer"`
}

// QualityThresholds maps contributing-record count and the fraction of
// COMPLETE-quality records onto the evidence quality scale. The ladder is
// evaluated top-down:
//
//	HIGH      when records >= HighMinRecords and completeFraction >= HighMinCompleteFraction
//	MODERATE  when records >= ModerateMinRecords and completeFraction >= ModerateMinCompleteFraction
//	LOW       when records >= LowMinRecords
//	VERY_LOW  otherwise (including a single contributing record)
type QualityThresholds struct {
	HighMinRecords              int
	HighMinCompleteFraction     float64
	ModerateMinRecords          int
	ModerateMinCompleteFraction float64
	LowMinRecords               int
}

func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		HighMinRecords:              3,
		HighMinCompleteFraction:     0.6,
		ModerateMinRecords:          2,
		ModerateMinCompleteFraction: 0.3,
		LowMinRecords:               2,
	}
}

// RunConfig carries the caps and knobs for one run. Zero values fall back to
// the package defaults.
type RunConfig struct {
	MaxSearchResults    int
	MaxStudiesToScreen  int
	MaxStudiesToInclude int
	LLMTimeout          time.Duration
	ScreeningWorkers    int
	ExtractionWorkers   int
	Thresholds          QualityThresholds
}

func (c RunConfig) withDefaults() RunConfig {
	if c.MaxSearchResults <= 0 {
		c.MaxSearchResults = DefaultMaxSearchResults
	}
	if c.MaxStudiesToScreen <= 0 {
		c.MaxStudiesToScreen = DefaultMaxStudiesToScreen
	}
	if c.MaxStudiesToInclude <= 0 {
		c.MaxStudiesToInclude = DefaultMaxStudiesToInclude
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = DefaultLLMTimeout
	}
	if c.ScreeningWorkers <= 0 {
		c.ScreeningWorkers = DefaultScreeningWorkers
	}
	if c.ExtractionWorkers <= 0 {
		c.ExtractionWorkers = DefaultExtractionWorkers
	}
	if c.Thresholds == (QualityThresholds{}) {
		c.Thresholds = DefaultQualityThresholds()
	}
	return c
}
