package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/joelkehle/evidence-review/internal/review"
	"github.com/joelkehle/evidence-review/internal/runstore"
	"github.com/joelkehle/evidence-review/internal/telemetry"
)

func main() {
	question := flag.String("question", "", "Research question (required)")
	outcomesFlag := flag.String("outcomes", "", "Comma-separated target outcomes (required)")
	picoPath := flag.String("pico", "", "Optional path to a JSON file with partial PICO overrides")
	dbPath := flag.String("db", "", "Optional SQLite path to archive the run")
	outputPath := flag.String("output", "", "Path to write the response envelope JSON (defaults to stdout)")
	markdownPath := flag.String("markdown", "", "Optional path to write the report markdown")
	mockOnly := flag.Bool("mock", false, "Skip the real literature backend and use the synthetic corpus")
	listRuns := flag.Bool("list", false, "List archived runs from -db and exit")
	flag.Parse()

	if *listRuns {
		if *dbPath == "" {
			log.Fatal("-list requires -db")
		}
		if err := printRunList(*dbPath); err != nil {
			log.Fatal(err)
		}
		return
	}

	if strings.TrimSpace(*question) == "" {
		log.Fatal("missing required -question")
	}
	outcomes := splitList(*outcomesFlag)
	if len(outcomes) == 0 {
		log.Fatal("missing required -outcomes")
	}

	shutdown := telemetry.Init("evidence-review")
	defer shutdown(context.Background())

	caller, err := review.NewAnthropicCallerFromEnv()
	if err != nil {
		log.Fatal(err)
	}
	cfg := review.RunConfig{
		MaxSearchResults:    envInt("SLR_MAX_SEARCH_RESULTS", review.DefaultMaxSearchResults),
		MaxStudiesToScreen:  envInt("SLR_MAX_SCREEN", review.DefaultMaxStudiesToScreen),
		MaxStudiesToInclude: envInt("SLR_MAX_INCLUDE", review.DefaultMaxStudiesToInclude),
		LLMTimeout:          time.Duration(envInt("SLR_LLM_TIMEOUT_SEC", int(review.DefaultLLMTimeout/time.Second))) * time.Second,
	}

	usage := &review.UsageCounter{}
	exec := review.NewStageExecutor(caller, cfg.LLMTimeout, usage)
	runner := review.NewLLMStageRunner(exec)

	var backend review.LiteratureSearcher
	if !*mockOnly {
		backend = review.NewOpenAlexSearcher(review.OpenAlexConfig{
			Email: strings.TrimSpace(os.Getenv("OPENALEX_MAILTO")),
		})
	}
	search := review.NewSearchStage(backend, review.NewMockSearcher(), cfg.MaxSearchResults)

	pipeline := review.NewPipeline(runner, search, cfg, usage)
	if err := pipeline.ValidateConfig(); err != nil {
		log.Fatal(err)
	}

	req := review.ReviewRequest{
		RunID:          uuid.NewString(),
		Question:       *question,
		TargetOutcomes: outcomes,
	}
	if *picoPath != "" {
		b, err := os.ReadFile(*picoPath)
		if err != nil {
			log.Fatalf("read pico overrides: %v", err)
		}
		if err := json.Unmarshal(b, &req.PICOOverride); err != nil {
			log.Fatalf("decode pico overrides: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	started := time.Now()
	log.Printf("slr-review run_start run_id=%s outcomes=%d", req.RunID, len(outcomes))
	result, runErr := pipeline.RunWithProgress(ctx, req, func(stage, message string) {
		log.Printf("slr-review progress stage=%s msg=%q", stage, message)
	})
	if runErr != nil {
		log.Fatalf("slr-review run_failed run_id=%s stage=%s elapsed_ms=%d err=%v",
			req.RunID, review.StageNameFromError(runErr), time.Since(started).Milliseconds(), runErr)
	}
	log.Printf("slr-review run_done run_id=%s identified=%d included=%d tokens_in=%d tokens_out=%d incomplete=%t elapsed_ms=%d",
		req.RunID, result.Prisma.Identified, result.Prisma.Included,
		result.Usage.InputTokens, result.Usage.OutputTokens,
		result.Metadata.Incomplete, time.Since(started).Milliseconds())

	env := review.BuildResponse(result)
	if *dbPath != "" {
		store, err := runstore.Open(*dbPath)
		if err != nil {
			log.Fatalf("open run store: %v", err)
		}
		defer store.Close()
		if err := store.Save(env); err != nil {
			log.Fatalf("archive run: %v", err)
		}
	}
	if *markdownPath != "" {
		if err := os.WriteFile(*markdownPath, []byte(env.ReportMarkdown), 0o644); err != nil {
			log.Fatalf("write markdown: %v", err)
		}
	}
	if err := writeEnvelope(*outputPath, env); err != nil {
		log.Fatalf("write envelope: %v", err)
	}
}

func printRunList(dbPath string) error {
	store, err := runstore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	defer store.Close()
	rows, err := store.List(50)
	if err != nil {
		return err
	}
	for _, r := range rows {
		fmt.Printf("%s  %s  identified=%d included=%d extracted=%d tokens=%d/%d mock=%t incomplete=%t\n",
			r.CreatedAt.Format(time.RFC3339), r.RunID,
			r.Identified, r.Included, r.WithExtractedData,
			r.InputTokens, r.OutputTokens, r.MockData, r.Incomplete)
	}
	return nil
}

func writeEnvelope(path string, env review.ResponseEnvelope) error {
	b, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	if path == "" {
		_, err := fmt.Println(string(b))
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func splitList(v string) []string {
	out := []string{}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
