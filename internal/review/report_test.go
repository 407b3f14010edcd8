package review

import (
	"strings"
	"testing"
)

func reportResult() RunResult {
	return RunResult{
		Request: ReviewRequest{
			RunID:          "run-1",
			Question:       "Does the intervention | improve outcomes?",
			TargetOutcomes: []string{"overall response"},
		},
		Included: []Study{
			{ID: "W1", Year: 2021, Title: "Trial of | the intervention", Rank: 0},
		},
		Decisions: []ScreeningDecision{
			{StudyID: "W1", Label: LabelInclude, Rationale: "meets criteria"},
		},
		Records: []ExtractedRecord{
			{StudyID: "W1", Quality: QualityComplete, Outcomes: map[string]string{"overall response": "52%"}},
		},
		Evidence: []SynthesizedEvidence{
			{Outcome: "overall response", Quality: EvidenceLow, RecordCount: 1, StudyIDs: []string{"W1"}, Narrative: "One study reported improvement."},
			{Outcome: "quality of life", Quality: EvidenceVeryLow, InsufficientEvidence: true},
		},
		Prisma:   PrismaSummary{Identified: 10, AfterDedup: 8, Screened: 8, Excluded: 5, Included: 1, WithExtractedData: 1, NotScreenedCapped: 2},
		Usage:    TokenUsage{InputTokens: 1000, OutputTokens: 400, Calls: 12},
		Metadata: PipelineMetadata{Model: "fake-model"},
	}
}

func TestBuildReportMarkdown(t *testing.T) {
	n := testNarrative("overall response")
	md := BuildReportMarkdown(reportResult(), n)

	for _, want := range []string{
		"# Systematic Review Report",
		"| Records identified | 10 |",
		"| With extracted data | 1 |",
		"2 candidate studies were not screened",
		"### overall response",
		"Evidence quality: `LOW`",
		"Insufficient evidence: no included study reported this outcome.",
		"## Included Studies",
		"## Limitations",
		"- Model calls: 12",
		Disclaimer,
	} {
		if !strings.Contains(md, want) {
			t.Fatalf("report missing %q", want)
		}
	}
}

func TestBuildReportMarkdownEscapesTableCells(t *testing.T) {
	md := BuildReportMarkdown(reportResult(), testNarrative("overall response"))
	if !strings.Contains(md, `Trial of \| the intervention`) {
		t.Fatal("pipe in a study title must be escaped")
	}
	if !strings.Contains(md, `intervention \| improve`) {
		t.Fatal("pipe in the question must be escaped")
	}
}

func TestBuildReportMarkdownMockBanner(t *testing.T) {
	res := reportResult()
	res.Metadata.MockData = true
	md := BuildReportMarkdown(res, testNarrative("overall response"))
	if !strings.Contains(md, "Synthetic data") {
		t.Fatal("mock-sourced report must carry the synthetic banner")
	}
}

func TestBuildReportMarkdownZeroResults(t *testing.T) {
	res := reportResult()
	res.Prisma = PrismaSummary{}
	res.Included = nil
	md := BuildReportMarkdown(res, testNarrative("overall response"))
	if !strings.Contains(md, "No studies were identified") {
		t.Fatal("zero-result statement missing")
	}
	if strings.Contains(md, "## Included Studies") {
		t.Fatal("empty included table should be omitted")
	}
}

func TestBuildReportMarkdownIncompleteRun(t *testing.T) {
	res := reportResult()
	res.Metadata.Incomplete = true
	res.Metadata.IncompleteReason = "run cancelled: context canceled"
	md := BuildReportMarkdown(res, testNarrative("overall response"))
	if !strings.Contains(md, "**Incomplete run**: run cancelled") {
		t.Fatal("incomplete marker missing")
	}
}

func TestBuildResponseAndRebuild(t *testing.T) {
	res := reportResult()
	res.Narrative = testNarrative("overall response")
	res.FinalReport = BuildReportMarkdown(res, res.Narrative)

	env := BuildResponse(res)
	if env.Agent != "evidence-review" || env.RunID != "run-1" {
		t.Fatalf("envelope header: %+v", env)
	}
	if env.Disclaimer != Disclaimer || env.ReportMarkdown == "" {
		t.Fatal("envelope incomplete")
	}

	env.ReportMarkdown = ""
	rebuilt, err := RebuildResponseFromEnvelope(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rebuilt.ReportMarkdown, "# Systematic Review Report") {
		t.Fatal("markdown not regenerated")
	}
	if rebuilt.Prisma != res.Prisma {
		t.Fatalf("prisma not restored: %+v", rebuilt.Prisma)
	}
}

func TestRebuildResponseFromEnvelopeRequiresResult(t *testing.T) {
	if _, err := RebuildResponseFromEnvelope(ResponseEnvelope{}); err == nil {
		t.Fatal("empty envelope must fail")
	}
}
