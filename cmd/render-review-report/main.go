package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joelkehle/evidence-review/internal/render"
	"github.com/joelkehle/evidence-review/internal/review"
	"github.com/joelkehle/evidence-review/internal/runstore"
)

func main() {
	inputPath := flag.String("input", "", "Path to saved review response envelope JSON")
	dbPath := flag.String("db", "", "SQLite run archive to load from instead of -input")
	runID := flag.String("run", "", "Run ID to load from the archive (requires -db)")
	outputPath := flag.String("output", "", "Path to write rebuilt markdown (defaults to stdout)")
	jsonOutputPath := flag.String("json-output", "", "Optional path to write rebuilt response envelope JSON")
	pdfPath := flag.String("pdf", "", "Optional path to render a PDF via headless Chromium")
	flag.Parse()

	var env review.ResponseEnvelope
	switch {
	case *dbPath != "" && *runID != "":
		store, err := runstore.Open(*dbPath)
		if err != nil {
			log.Fatalf("open run store: %v", err)
		}
		defer store.Close()
		env, err = store.Get(*runID)
		if err != nil {
			log.Fatalf("load run: %v", err)
		}
	case *inputPath != "":
		in, err := os.ReadFile(*inputPath)
		if err != nil {
			log.Fatalf("read input: %v", err)
		}
		if err := json.Unmarshal(in, &env); err != nil {
			log.Fatalf("decode input JSON: %v", err)
		}
	default:
		log.Fatal("missing required -input (or -db with -run)")
	}

	rebuilt, err := review.RebuildResponseFromEnvelope(env)
	if err != nil {
		log.Fatalf("rebuild report: %v", err)
	}

	if err := writeMarkdown(*outputPath, rebuilt.ReportMarkdown); err != nil {
		log.Fatalf("write markdown: %v", err)
	}
	if *jsonOutputPath != "" {
		if err := writeEnvelopeJSON(*jsonOutputPath, rebuilt); err != nil {
			log.Fatalf("write json output: %v", err)
		}
	}
	if *pdfPath != "" {
		renderer := render.NewChromiumPDFRenderer()
		pdf, err := renderer.Render(context.Background(), rebuilt)
		if err != nil {
			log.Fatalf("render pdf: %v", err)
		}
		if err := os.WriteFile(*pdfPath, pdf, 0o644); err != nil {
			log.Fatalf("write pdf: %v", err)
		}
	}
}

func writeMarkdown(outputPath, markdown string) error {
	if outputPath == "" {
		_, err := fmt.Print(markdown)
		return err
	}
	return os.WriteFile(outputPath, []byte(markdown), 0o644)
}

func writeEnvelopeJSON(path string, env review.ResponseEnvelope) error {
	b, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
