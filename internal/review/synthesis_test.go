package review

import (
	"strings"
	"testing"
)

func rec(id string, quality DataQuality, outcomes map[string]string) ExtractedRecord {
	return ExtractedRecord{StudyID: id, Quality: quality, Outcomes: outcomes}
}

func TestAggregateEvidenceCitesOnlyReportingStudies(t *testing.T) {
	records := []ExtractedRecord{
		rec("W1", QualityComplete, map[string]string{"response rate": "52%"}),
		rec("W2", QualityPartial, map[string]string{"response rate": "44%"}),
		rec("W3", QualityMissing, map[string]string{}),
	}
	evidence := AggregateEvidence(records, []string{"response rate", "quality of life"}, DefaultQualityThresholds())
	if len(evidence) != 2 {
		t.Fatalf("one entry per target outcome, got %d", len(evidence))
	}

	rr := evidence[0]
	if rr.Outcome != "response rate" || rr.RecordCount != 2 {
		t.Fatalf("unexpected entry: %+v", rr)
	}
	for _, id := range rr.StudyIDs {
		if id == "W3" {
			t.Fatal("study with no outcome text must not be cited")
		}
	}
	if !strings.Contains(rr.Narrative, "W1: 52%") {
		t.Fatalf("narrative seed missing findings: %q", rr.Narrative)
	}

	qol := evidence[1]
	if !qol.InsufficientEvidence || qol.Quality != EvidenceVeryLow || qol.RecordCount != 0 {
		t.Fatalf("unreported outcome must be kept as insufficient: %+v", qol)
	}
}

func TestGradeEvidenceLadder(t *testing.T) {
	th := DefaultQualityThresholds()
	for _, tc := range []struct {
		records  int
		complete float64
		want     EvidenceQuality
	}{
		{records: 3, complete: 1.0, want: EvidenceHigh},
		{records: 3, complete: 0.6, want: EvidenceHigh},
		{records: 3, complete: 0.5, want: EvidenceModerate},
		{records: 2, complete: 0.5, want: EvidenceModerate},
		{records: 2, complete: 0.0, want: EvidenceLow},
		{records: 1, complete: 1.0, want: EvidenceVeryLow},
	} {
		if got := gradeEvidence(tc.records, tc.complete, th); got != tc.want {
			t.Fatalf("gradeEvidence(%d, %.1f) = %s, want %s", tc.records, tc.complete, got, tc.want)
		}
	}
}

func TestAggregateEvidenceEmptyRecords(t *testing.T) {
	evidence := AggregateEvidence(nil, []string{"mortality"}, DefaultQualityThresholds())
	if len(evidence) != 1 || !evidence[0].InsufficientEvidence {
		t.Fatalf("unexpected evidence: %+v", evidence)
	}
}

func TestValidateNarrative(t *testing.T) {
	input := ReportInput{TargetOutcomes: []string{"response rate"}}
	good := ReportNarrative{
		ExecutiveSummary: strings.Repeat("The evidence suggests a benefit. ", 5),
		OutcomeNarratives: map[string]string{
			"response rate": "Two studies reported improved response rates with consistent direction of effect.",
			"made up thing": "should be deleted",
		},
		Limitations: []string{"Abstract-only screening.", "Small evidence base."},
	}
	if err := validateNarrative(&good, input); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := good.OutcomeNarratives["made up thing"]; ok {
		t.Fatal("unknown outcome keys must be removed")
	}

	short := good
	short.ExecutiveSummary = "too short"
	if err := validateNarrative(&short, input); err == nil {
		t.Fatal("short executive summary must fail")
	}

	missing := ReportNarrative{
		ExecutiveSummary:  strings.Repeat("The evidence suggests a benefit. ", 5),
		OutcomeNarratives: map[string]string{},
		Limitations:       []string{"Abstract-only screening.", "Small evidence base."},
	}
	if err := validateNarrative(&missing, input); err == nil {
		t.Fatal("missing outcome narrative must fail")
	}
}

func TestBuildReportPromptCarriesComputedCounts(t *testing.T) {
	input := ReportInput{
		Question:       "Does the drug work?",
		TargetOutcomes: []string{"response rate"},
		Prisma:         PrismaSummary{Identified: 12, AfterDedup: 9, Screened: 9, Excluded: 4, Included: 5, WithExtractedData: 4},
		Evidence: []SynthesizedEvidence{
			{Outcome: "response rate", Quality: EvidenceModerate, RecordCount: 4, StudyIDs: []string{"W1", "W2"}, Narrative: "W1: 52% | W2: 44%"},
		},
		MockData: true,
	}
	prompt := buildReportPrompt(input)
	for _, want := range []string{"Records identified: 12", "Included: 5", "synthetic", "W1, W2", "QUALITY: MODERATE"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q", want)
		}
	}
}
