// Package intake handles file arrival: download, CSV structure analysis via
// an async job, and merging the verdict back into the thread context.
package intake

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/srws-psg/meta-analysis-bot/internal/models"
)

const (
	// sampleRowLimit bounds the rows kept verbatim for AI prompts.
	sampleRowLimit = 5
	// statsRowLimit bounds the rows scanned for per-column statistics.
	statsRowLimit = 200
	// distinctLimit stops counting distinct values once a column is clearly
	// not categorical.
	distinctLimit = 30
)

// ParseCSV reads the file and produces the structured summary the rest of
// the pipeline works from: header, row count, sample rows, and per-column
// distinct-value statistics over the sampled rows.
func ParseCSV(path string) (*models.FileSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("intake: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("intake: read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	summary := &models.FileSummary{
		Columns: header,
		Stats:   make(map[string]models.ColumnStats),
	}
	stats := make([]*columnAccumulator, len(header))
	for i := range stats {
		stats[i] = &columnAccumulator{distinct: make(map[string]int), numeric: true}
	}

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("intake: read row %d: %w", summary.RowCount+2, err)
		}
		summary.RowCount++
		if len(summary.SampleRows) < sampleRowLimit {
			summary.SampleRows = append(summary.SampleRows, row)
		}
		if summary.RowCount <= statsRowLimit {
			for i, cell := range row {
				if i < len(stats) {
					stats[i].observe(cell)
				}
			}
		}
	}

	for i, col := range header {
		summary.Stats[col] = stats[i].stats()
	}
	return summary, nil
}

// columnAccumulator builds distinct-value counts and a numeric verdict for
// one column.
type columnAccumulator struct {
	distinct map[string]int
	overflow bool
	numeric  bool
	seen     bool
}

func (a *columnAccumulator) observe(cell string) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return
	}
	a.seen = true
	if _, err := strconv.ParseFloat(cell, 64); err != nil {
		a.numeric = false
	}
	if a.overflow {
		return
	}
	a.distinct[cell]++
	if len(a.distinct) > distinctLimit {
		a.overflow = true
		a.distinct = nil
	}
}

func (a *columnAccumulator) stats() models.ColumnStats {
	return models.ColumnStats{
		Distinct: a.distinct,
		Numeric:  a.seen && a.numeric,
	}
}
