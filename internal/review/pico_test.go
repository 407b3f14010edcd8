package review

import (
	"context"
	"reflect"
	"strings"
	"testing"
)

func TestDedupeTerms(t *testing.T) {
	in := []string{" adults ", "Adults", "", "metformin", "ADULTS", "placebo"}
	got := dedupeTerms(in)
	want := []string{"adults", "metformin", "placebo"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestMergePICOKeepsOverrideVerbatim(t *testing.T) {
	override := PICOElements{Population: []string{"adults with type 2 diabetes"}}
	derived := PICOElements{
		Population:   []string{"ignored"},
		Intervention: []string{"metformin"},
		Outcomes:     []string{"HbA1c"},
	}
	got := mergePICO(override, derived)
	if got.Population[0] != "adults with type 2 diabetes" {
		t.Fatalf("override population overwritten: %v", got.Population)
	}
	if got.Intervention[0] != "metformin" || got.Outcomes[0] != "HbA1c" {
		t.Fatalf("empty dimensions not filled: %+v", got)
	}
}

func TestExtractPICOCompleteOverrideSkipsModelCall(t *testing.T) {
	caller := &fakeCaller{}
	exec, _ := newTestExecutor(caller)
	runner := NewLLMStageRunner(exec)

	req := ReviewRequest{
		Question:       "Does metformin improve glycemic control in adults with type 2 diabetes?",
		TargetOutcomes: []string{"HbA1c reduction"},
		PICOOverride: PICOElements{
			Population:   []string{"adults with type 2 diabetes"},
			Intervention: []string{"metformin"},
			Outcomes:     []string{"HbA1c reduction"},
		},
	}
	pico, m, err := runner.ExtractPICO(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if caller.calls != 0 {
		t.Fatalf("expected no model call, got %d", caller.calls)
	}
	if m.Attempts != 0 {
		t.Fatalf("expected zero attempts, got %+v", m)
	}
	if len(pico.Comparison) != 0 {
		t.Fatalf("comparison should stay empty: %v", pico.Comparison)
	}
}

func TestExtractPICOMergesDerivedIntoMissingDimensions(t *testing.T) {
	caller := &fakeCaller{responses: []string{`{
		"population": ["should be ignored"],
		"intervention": ["metformin", "Metformin"],
		"comparison": ["placebo"],
		"outcomes": ["HbA1c reduction"]
	}`}}
	exec, _ := newTestExecutor(caller)
	runner := NewLLMStageRunner(exec)

	req := ReviewRequest{
		Question:       "Does metformin improve glycemic control in adults with type 2 diabetes?",
		TargetOutcomes: []string{"HbA1c reduction"},
		PICOOverride:   PICOElements{Population: []string{"adults with T2D"}},
	}
	pico, _, err := runner.ExtractPICO(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pico.Population[0] != "adults with T2D" {
		t.Fatalf("caller-supplied population replaced: %v", pico.Population)
	}
	if len(pico.Intervention) != 1 || pico.Intervention[0] != "metformin" {
		t.Fatalf("derived intervention not deduped/merged: %v", pico.Intervention)
	}
	if !strings.Contains(caller.prompts[0], "population") {
		t.Fatalf("prompt missing locked-dimension notice: %q", caller.prompts[0])
	}
}

func TestExtractPICORetriesWhenRequiredDimensionMissing(t *testing.T) {
	caller := &fakeCaller{responses: []string{
		`{"population": ["adults"], "intervention": [], "comparison": [], "outcomes": ["mortality"]}`,
		`{"population": ["adults"], "intervention": ["statins"], "comparison": [], "outcomes": ["mortality"]}`,
	}}
	exec, _ := newTestExecutor(caller)
	runner := NewLLMStageRunner(exec)

	req := ReviewRequest{
		Question:       "Do statins reduce all-cause mortality in adults?",
		TargetOutcomes: []string{"mortality"},
	}
	pico, m, err := runner.ExtractPICO(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Attempts != 2 || m.ContentRetries != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
	if pico.Intervention[0] != "statins" {
		t.Fatalf("unexpected pico: %+v", pico)
	}
}

func TestPicoComplete(t *testing.T) {
	p := PICOElements{
		Population:   []string{"adults"},
		Intervention: []string{"drug"},
		Outcomes:     []string{"mortality"},
	}
	if !picoComplete(p) {
		t.Fatal("comparison must be optional")
	}
	p.Outcomes = nil
	if picoComplete(p) {
		t.Fatal("missing outcomes should be incomplete")
	}
}
