// Package report writes a finished run to disk as JSON and as an Excel
// workbook.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rjboer/rfsweep/internal/filelock"
	"github.com/rjboer/rfsweep/internal/logging"
	"github.com/rjboer/rfsweep/internal/results"
	"github.com/rjboer/rfsweep/internal/sweep"
)

// Writer places the output files of a run in Dir, named after Prefix.
type Writer struct {
	Dir    string
	Prefix string
	logger logging.Logger
}

// NewWriter builds a writer. Empty values fall back to "results" and
// "sweep_measurements".
func NewWriter(dir, prefix string, logger logging.Logger) *Writer {
	if logger == nil {
		logger = logging.Default()
	}
	if dir == "" {
		dir = "results"
	}
	if prefix == "" {
		prefix = "sweep_measurements"
	}
	return &Writer{Dir: dir, Prefix: prefix, logger: logger.With(logging.F("subsystem", "report"))}
}

// JSONPath is the record file location.
func (w *Writer) JSONPath() string { return filepath.Join(w.Dir, w.Prefix+".json") }

// XLSXPath is the workbook location.
func (w *Writer) XLSXPath() string { return filepath.Join(w.Dir, w.Prefix+".xlsx") }

// Write stores snap in both formats and returns the written paths.
func (w *Writer) Write(snap results.Snapshot) ([]string, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	var written []string
	if err := WriteJSON(w.JSONPath(), snap); err != nil {
		return written, err
	}
	written = append(written, w.JSONPath())
	w.logger.Info("records written", logging.F("path", w.JSONPath()))

	if err := WriteXLSX(w.XLSXPath(), snap); err != nil {
		return written, err
	}
	written = append(written, w.XLSXPath())
	w.logger.Info("workbook written", logging.F("path", w.XLSXPath()))
	return written, nil
}

type document struct {
	RunID    string         `json:"run_id"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
	Families []familyDoc    `json:"families"`
	Totals   map[string]int `json:"totals"`
}

type familyDoc struct {
	Family  sweep.Family            `json:"family"`
	Records []results.Record        `json:"records"`
	Skipped []sweep.Skipped         `json:"skipped,omitempty"`
	Setup   map[string]float64      `json:"setup,omitempty"`
	Summary []results.MetricSummary `json:"summary,omitempty"`
}

// sortedRecords returns the records of fr in sweep-index order.
func sortedRecords(fr results.FamilyResult) []results.Record {
	recs := append([]results.Record(nil), fr.Records...)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Index < recs[j].Index })
	return recs
}

func buildDocument(snap results.Snapshot) document {
	doc := document{
		RunID:    snap.RunID,
		Started:  snap.Started,
		Finished: time.Now(),
		Families: []familyDoc{},
		Totals:   map[string]int{},
	}
	for _, f := range snap.Ordered() {
		fr := snap.Families[f]
		recs := sortedRecords(fr)
		if recs == nil {
			recs = []results.Record{}
		}
		doc.Families = append(doc.Families, familyDoc{
			Family:  f,
			Records: recs,
			Skipped: fr.Skipped,
			Setup:   fr.Setup,
			Summary: results.Summarize(recs),
		})
		for status, n := range results.CountByStatus(recs) {
			doc.Totals[string(status)] += n
		}
		doc.Totals["skipped"] += len(fr.Skipped)
	}
	return doc
}

// WriteJSON stores snap as an indented JSON document.
func WriteJSON(path string, snap results.Snapshot) error {
	data, err := json.MarshalIndent(buildDocument(snap), "", "  ")
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	if err := filelock.LockAndWrite(path, append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
