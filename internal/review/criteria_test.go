package review

import (
	"context"
	"strings"
	"testing"
)

func TestNormalizeCriterionKind(t *testing.T) {
	if got := normalizeCriterionKind(" inclusion "); got != CriterionInclusion {
		t.Fatalf("got %s", got)
	}
	if got := normalizeCriterionKind("EXCLUSION"); got != CriterionExclusion {
		t.Fatalf("got %s", got)
	}
	// Fail-safe: unknown kinds exclude rather than include.
	if got := normalizeCriterionKind("REQUIRED"); got != CriterionExclusion {
		t.Fatalf("got %s", got)
	}
}

func TestValidateCriteria(t *testing.T) {
	ok := []Criterion{
		{Kind: "inclusion", Statement: "Study enrolls adults with the target condition."},
		{Kind: CriterionExclusion, Statement: "Study is a case report or editorial."},
	}
	if err := validateCriteria(&ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok[0].Kind != CriterionInclusion {
		t.Fatalf("kind not normalized: %+v", ok[0])
	}

	tooFew := []Criterion{{Kind: CriterionInclusion, Statement: "Study enrolls adults with the target condition."}}
	if err := validateCriteria(&tooFew); err == nil {
		t.Fatal("single criterion must fail")
	}

	noInclusion := []Criterion{
		{Kind: CriterionExclusion, Statement: "Study is a case report or editorial."},
		{Kind: CriterionExclusion, Statement: "Study population is pediatric only."},
	}
	if err := validateCriteria(&noInclusion); err == nil {
		t.Fatal("criteria without any INCLUSION must fail")
	}

	tooShort := []Criterion{
		{Kind: CriterionInclusion, Statement: "short"},
		{Kind: CriterionExclusion, Statement: "Study is a case report or editorial."},
	}
	if err := validateCriteria(&tooShort); err == nil {
		t.Fatal("short statement must fail")
	}
}

func TestGenerateCriteria(t *testing.T) {
	caller := &fakeCaller{responses: []string{`{"criteria":[
		{"kind":"INCLUSION","statement":"Study enrolls adults with the target condition."},
		{"kind":"INCLUSION","statement":"Study reports at least one target outcome."},
		{"kind":"EXCLUSION","statement":"Study is a case report, editorial, or letter."}
	]}`}}
	exec, _ := newTestExecutor(caller)
	runner := NewLLMStageRunner(exec)

	criteria, m, err := runner.GenerateCriteria(context.Background(), testPICO(), []string{"HbA1c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(criteria) != 3 || m.Attempts != 1 {
		t.Fatalf("unexpected result: %d criteria, metrics %+v", len(criteria), m)
	}
	if !strings.Contains(caller.prompts[0], "HbA1c") {
		t.Fatal("prompt missing target outcomes")
	}
}
