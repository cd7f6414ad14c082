package cmd

import (
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/publisher"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func renderJobs(w io.Writer, jobs []domain.Job) {
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Source", "Kind", "Status", "Pages", "Skipped", "Failed", "Products", "Created"})
	for i := range jobs {
		j := &jobs[i]
		t.AppendRow(table.Row{
			j.ID, j.SourceURL, j.SourceKind, j.Status,
			j.PagesSeen, j.PagesSkipped, j.PagesFailed, j.ProductsProcessed,
			j.CreatedAt.Format(time.RFC3339),
		})
	}
	t.Render()
}

func renderJob(w io.Writer, j *domain.Job) {
	t := newTable(w)
	t.AppendRows([]table.Row{
		{"ID", j.ID},
		{"Source", j.SourceURL},
		{"Kind", j.SourceKind},
		{"Status", j.Status},
		{"Max pages", j.MaxPages},
		{"Merge across sources", j.MergeAcrossSources},
		{"Pages seen", j.PagesSeen},
		{"Pages skipped", j.PagesSkipped},
		{"Pages failed", j.PagesFailed},
		{"Products found", j.ProductsFound},
		{"Products processed", j.ProductsProcessed},
		{"Variants discarded", j.VariantsDiscarded},
		{"Records failed", j.RecordsFailed},
		{"Created", j.CreatedAt.Format(time.RFC3339)},
		{"Started", formatTime(j.StartedAt)},
		{"Completed", formatTime(j.CompletedAt)},
	})
	if j.LastError != nil {
		t.AppendRow(table.Row{"Last error", *j.LastError})
	}
	t.Render()
}

func renderResults(w io.Writer, results []publisher.Result) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Product", "Status", "Remote ID", "Step", "Attempts", "Error"})
	for _, r := range results {
		if r.Record == nil {
			t.AppendRow(table.Row{r.ProductID, "-", "", "", 0, r.Error})
			continue
		}
		step := r.Record.CompletedStep
		if r.Record.FailedStep != "" {
			step = r.Record.FailedStep
		}
		t.AppendRow(table.Row{r.ProductID, r.Record.Status, r.Record.RemoteID, step, r.Record.Attempts, r.Error})
	}
	t.Render()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
