// Package export copies the per-stage result CSVs into the export folder,
// applying minimum-cell-count suppression: a row whose count columns hold a
// positive value below the configured threshold is dropped. Zero counts pass
// through, an empty cell identifies nobody.
package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/ohdsi-contrib/legend/internal/balance"
	"github.com/ohdsi-contrib/legend/internal/estimation"
	"github.com/ohdsi-contrib/legend/internal/incidence"
	"github.com/ohdsi-contrib/legend/internal/injection"
)

// ExportFolder is the sub-folder the suppressed CSVs land in.
const ExportFolder = "export"

// resultFiles are the stage outputs picked up from the indication folder.
// Stages that were skipped simply have no file to export.
var resultFiles = []string{
	injection.SummaryFileName,
	estimation.EstimatesFileName,
	incidence.IncidenceFileName,
	balance.BalanceFileName,
}

// FileSummary describes one exported file.
type FileSummary struct {
	Name           string
	Rows           int
	SuppressedRows int
}

// Params carries everything the export stage needs.
type Params struct {
	Log          *slog.Logger
	OutputFolder string
	MinCellCount int
	Out          io.Writer
}

// ExportResults copies each present result CSV into the export folder with
// suppression applied and prints a summary table. Returns one summary per
// exported file.
func ExportResults(ctx context.Context, p Params) ([]FileSummary, error) {
	folder := filepath.Join(p.OutputFolder, ExportFolder)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export folder %s: %w", folder, err)
	}

	var summaries []FileSummary
	for _, name := range resultFiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src := filepath.Join(p.OutputFolder, name)
		summary, err := exportFile(src, filepath.Join(folder, name), p.MinCellCount)
		if errors.Is(err, os.ErrNotExist) {
			p.Log.Debug("skipping absent result file", "file", name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to export %s: %w", name, err)
		}
		p.Log.Info("exported results",
			"file", name,
			"rows", summary.Rows,
			"suppressed_rows", summary.SuppressedRows)
		summaries = append(summaries, summary)
	}

	if p.Out != nil {
		renderSummary(p.Out, summaries)
	}
	return summaries, nil
}

// exportFile copies one CSV, dropping suppressed rows.
func exportFile(src, dst string, minCellCount int) (FileSummary, error) {
	in, err := os.Open(src)
	if err != nil {
		return FileSummary{}, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return FileSummary{}, err
	}
	defer out.Close()

	r := csv.NewReader(in)
	w := csv.NewWriter(out)

	header, err := r.Read()
	if err != nil {
		return FileSummary{}, fmt.Errorf("failed to read header: %w", err)
	}
	if err := w.Write(header); err != nil {
		return FileSummary{}, err
	}
	countCols := countColumns(header)

	summary := FileSummary{Name: filepath.Base(src)}
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return FileSummary{}, err
		}
		if suppressed(record, countCols, minCellCount) {
			summary.SuppressedRows++
			continue
		}
		if err := w.Write(record); err != nil {
			return FileSummary{}, err
		}
		summary.Rows++
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return FileSummary{}, err
	}
	return summary, nil
}

// countColumns returns the indexes of columns holding person counts.
func countColumns(header []string) []int {
	var cols []int
	for i, name := range header {
		if strings.HasSuffix(name, "subjects") || strings.HasSuffix(name, "outcomes") {
			cols = append(cols, i)
		}
	}
	return cols
}

// suppressed reports whether a record holds a count between 1 and the
// threshold in any count column. Non-numeric cells are not counts.
func suppressed(record []string, countCols []int, minCellCount int) bool {
	if minCellCount <= 0 {
		return false
	}
	for _, i := range countCols {
		if i >= len(record) {
			continue
		}
		v, err := strconv.ParseInt(record[i], 10, 64)
		if err != nil {
			continue
		}
		if v > 0 && v < int64(minCellCount) {
			return true
		}
	}
	return false
}

// renderSummary prints the per-file export summary.
func renderSummary(w io.Writer, summaries []FileSummary) {
	if len(summaries) == 0 {
		_, _ = fmt.Fprintln(w, "(no result files to export)")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"file", "rows", "suppressed"})
	for _, s := range summaries {
		t.AppendRow(table.Row{s.Name, s.Rows, s.SuppressedRows})
	}
	t.Render()
}
