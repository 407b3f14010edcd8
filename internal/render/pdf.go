// Package render turns review report markdown into HTML and PDF.
package render

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joelkehle/evidence-review/internal/review"
)

const reportCSS = `
body{font-family:Georgia,serif;color:#1c1917;line-height:1.45;font-size:11pt;}
h1{font-size:1.6rem;border-bottom:2px solid #1e3a5f;padding-bottom:0.3rem;}
h2{font-size:1.15rem;color:#1e3a5f;margin-top:1.4rem;}
h3{font-size:1rem;margin-top:1rem;}
blockquote{border-left:3px solid #b45309;background:#fef3c7;padding:0.4rem 0.7rem;margin:0.6rem 0;}
table{width:100%;border-collapse:collapse;font-size:0.85rem;margin:0.6rem 0;}
th,td{border:1px solid #a8a29e;padding:0.3rem 0.45rem;text-align:left;vertical-align:top;}
thead th{background:#f1f5f9;font-weight:700;}
code{background:#f5f5f4;padding:0.05rem 0.25rem;border-radius:3px;font-size:0.85em;}
`

type ChromiumPDFRenderer struct {
	chromePath string
}

func NewChromiumPDFRenderer() *ChromiumPDFRenderer {
	return &ChromiumPDFRenderer{chromePath: detectChromePath()}
}

// HTML converts a report envelope to a standalone HTML document.
func HTML(env review.ResponseEnvelope) (string, error) {
	var content strings.Builder
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(env.ReportMarkdown), &content); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}

	var meta strings.Builder
	if env.RunID != "" {
		meta.WriteString("<div><strong>Run:</strong> " + html.EscapeString(env.RunID) + "</div>")
	}
	if env.Question != "" {
		meta.WriteString("<div><strong>Question:</strong> " + html.EscapeString(env.Question) + "</div>")
	}
	if !env.Metadata.CompletedAt.IsZero() {
		meta.WriteString("<div><strong>Date:</strong> " + html.EscapeString(env.Metadata.CompletedAt.In(time.Local).Format("January 2, 2006 at 3:04 PM MST")) + "</div>")
	}
	badges := ""
	if env.Metadata.MockData {
		badges += "<span class='report-badge'>SYNTHETIC DATA</span>"
	}
	if env.Metadata.Incomplete {
		badges += "<span class='report-badge'>INCOMPLETE</span>"
	}

	return "<!doctype html><html><head><meta charset='utf-8'><title>Systematic Review Report</title>" +
		"<style>" + reportCSS +
		".report-badge{background:#fef3c7;color:#78350f;border:1px solid #fcd34d;padding:0.1rem 0.5rem;border-radius:4px;font-size:0.8rem;margin-right:0.4rem;} " +
		".report-meta{color:#44403c;font-size:0.85rem;margin-bottom:0.8rem;} " +
		"@media print{ @page{size:auto;margin:12mm;} }" +
		"</style></head><body>" +
		"<div class='report-meta'>" + meta.String() + badges + "</div>" +
		content.String() +
		"</body></html>", nil
}

func (r *ChromiumPDFRenderer) Render(ctx context.Context, env review.ResponseEnvelope) ([]byte, error) {
	htmlDoc, err := HTML(env)
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	}
	if r.chromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.chromePath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(timeoutCtx, append(chromedp.DefaultExecAllocatorOptions[:], opts...)...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	var pdf []byte
	dataURL := "data:text/html;base64," + base64.StdEncoding.EncodeToString([]byte(htmlDoc))
	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			footer := `<div style="width:100%;text-align:center;font-size:9px;color:#666;">` +
				`Page <span class="pageNumber"></span> of <span class="totalPages"></span></div>`
			out, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate(`<div></div>`).
				WithFooterTemplate(footer).
				WithPaperWidth(8.27).
				WithPaperHeight(11.69).
				WithMarginTop(0.5).
				WithMarginBottom(0.75).
				WithMarginLeft(0.45).
				WithMarginRight(0.45).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = out
			return nil
		}),
	); err != nil {
		return nil, err
	}
	return pdf, nil
}

func detectChromePath() string {
	candidates := []string{
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/usr/bin/google-chrome",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
