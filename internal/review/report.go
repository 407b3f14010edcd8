package review

import (
	"fmt"
	"strings"
	"time"
)

// BuildReportMarkdown renders the final document from the structured run
// result plus the model narrative. Every count is taken from PrismaSummary,
// never from the model's prose, so the flow section always reconciles.
func BuildReportMarkdown(res RunResult, n ReportNarrative) string {
	var b strings.Builder
	buildHeader(&b, res)
	fmt.Fprintf(&b, "## Executive Summary\n\n%s\n\n", safe(n.ExecutiveSummary))
	buildPrismaFlow(&b, res)
	buildOutcomeSections(&b, res)
	buildIncludedStudies(&b, res)
	buildLimitations(&b, n)
	buildMetadata(&b, res)
	return b.String()
}

func buildHeader(b *strings.Builder, res RunResult) {
	fmt.Fprintf(b, "# Systematic Review Report\n\n")
	fmt.Fprintf(b, "- Run ID: %s\n", res.Request.RunID)
	fmt.Fprintf(b, "- Question: %s\n", cell(res.Request.Question))
	fmt.Fprintf(b, "- Date: %s\n\n", time.Now().Format(time.RFC3339))
	if res.Metadata.MockData {
		fmt.Fprintf(b, "> **Synthetic data.** The literature backend was unavailable; every study below comes from a labeled mock corpus.\n\n")
	}
	fmt.Fprintf(b, "%s\n\n", Disclaimer)
}

func buildPrismaFlow(b *strings.Builder, res RunResult) {
	p := res.Prisma
	fmt.Fprintf(b, "## PRISMA Flow\n\n")
	if p.Identified == 0 {
		fmt.Fprintf(b, "No studies were identified by any search query. The review produced no evidence.\n\n")
	}
	fmt.Fprintf(b, "| Step | Count |\n|---|---|\n")
	fmt.Fprintf(b, "| Records identified | %d |\n", p.Identified)
	fmt.Fprintf(b, "| After deduplication | %d |\n", p.AfterDedup)
	fmt.Fprintf(b, "| Screened | %d |\n", p.Screened)
	fmt.Fprintf(b, "| Excluded at screening | %d |\n", p.Excluded)
	fmt.Fprintf(b, "| Included | %d |\n", p.Included)
	fmt.Fprintf(b, "| With extracted data | %d |\n\n", p.WithExtractedData)
	if p.NotScreenedCapped > 0 {
		fmt.Fprintf(b, "%d candidate studies were not screened due to the screening cap and are excluded from all counts above.\n\n", p.NotScreenedCapped)
	}
}

func buildOutcomeSections(b *strings.Builder, res RunResult) {
	if len(res.Evidence) == 0 {
		return
	}
	fmt.Fprintf(b, "## Evidence by Outcome\n\n")
	for _, ev := range res.Evidence {
		fmt.Fprintf(b, "### %s\n\n", cell(ev.Outcome))
		fmt.Fprintf(b, "- Evidence quality: `%s`\n", ev.Quality)
		fmt.Fprintf(b, "- Contributing studies: %d", ev.RecordCount)
		if len(ev.StudyIDs) > 0 {
			fmt.Fprintf(b, " (%s)", strings.Join(ev.StudyIDs, ", "))
		}
		b.WriteString("\n\n")
		if ev.InsufficientEvidence {
			fmt.Fprintf(b, "Insufficient evidence: no included study reported this outcome.\n\n")
			continue
		}
		fmt.Fprintf(b, "%s\n\n", safe(ev.Narrative))
	}
}

func buildIncludedStudies(b *strings.Builder, res RunResult) {
	if len(res.Included) == 0 {
		return
	}
	decisionByID := map[string]ScreeningDecision{}
	for _, d := range res.Decisions {
		decisionByID[d.StudyID] = d
	}
	recordByID := map[string]ExtractedRecord{}
	for _, r := range res.Records {
		recordByID[r.StudyID] = r
	}
	fmt.Fprintf(b, "## Included Studies\n\n")
	fmt.Fprintf(b, "| ID | Year | Title | Screening | Data quality |\n|---|---|---|---|---|\n")
	for _, st := range res.Included {
		d := decisionByID[st.ID]
		quality := "—"
		if rec, ok := recordByID[st.ID]; ok {
			quality = string(rec.Quality)
		}
		fmt.Fprintf(b, "| %s | %d | %s | %s | %s |\n", st.ID, st.Year, cell(st.Title), d.Label, quality)
	}
	b.WriteString("\n")
}

func buildLimitations(b *strings.Builder, n ReportNarrative) {
	if len(n.Limitations) == 0 {
		return
	}
	fmt.Fprintf(b, "## Limitations\n\n")
	for _, l := range n.Limitations {
		fmt.Fprintf(b, "- %s\n", cell(l))
	}
	b.WriteString("\n")
}

func buildMetadata(b *strings.Builder, res RunResult) {
	fmt.Fprintf(b, "## Run Metadata\n\n")
	fmt.Fprintf(b, "- Model: %s\n", res.Metadata.Model)
	fmt.Fprintf(b, "- Model calls: %d\n", res.Usage.Calls)
	fmt.Fprintf(b, "- Tokens: %d in / %d out\n", res.Usage.InputTokens, res.Usage.OutputTokens)
	fmt.Fprintf(b, "- Screening call failures: %d\n", res.Metadata.ScreeningFailures)
	fmt.Fprintf(b, "- Extraction call failures: %d\n", res.Metadata.ExtractionFailures)
	fmt.Fprintf(b, "- Duration: %dms\n", res.Metadata.DurationMS)
	if res.Metadata.Incomplete {
		fmt.Fprintf(b, "- **Incomplete run**: %s\n", cell(res.Metadata.IncompleteReason))
	}
}

func safe(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r", " "))
}

// cell additionally flattens newlines and escapes pipes so values cannot
// break a markdown table row.
func cell(s string) string {
	s = strings.ReplaceAll(safe(s), "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}

// BuildResponse wraps a finished run in its archival envelope.
func BuildResponse(res RunResult) ResponseEnvelope {
	return ResponseEnvelope{
		RunID:          res.Request.RunID,
		Agent:          "evidence-review",
		Question:       res.Request.Question,
		Prisma:         res.Prisma,
		Usage:          res.Usage,
		ReportMarkdown: res.FinalReport,
		Result:         res,
		Metadata:       res.Metadata,
		Disclaimer:     Disclaimer,
	}
}

// RebuildResponseFromEnvelope regenerates the markdown from the structured
// result, so archived envelopes can be re-rendered after report template
// changes.
func RebuildResponseFromEnvelope(env ResponseEnvelope) (ResponseEnvelope, error) {
	if env.Result.Request.Question == "" {
		return env, fmt.Errorf("envelope has no embedded result")
	}
	env.ReportMarkdown = BuildReportMarkdown(env.Result, env.Result.Narrative)
	env.Prisma = env.Result.Prisma
	env.Usage = env.Result.Usage
	env.Metadata = env.Result.Metadata
	return env, nil
}
