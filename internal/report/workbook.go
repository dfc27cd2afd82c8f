package report

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/rjboer/rfsweep/internal/filelock"
	"github.com/rjboer/rfsweep/internal/results"
)

// Sheet names besides the per-family sheets.
const (
	SheetStatistics = "Statistics"
	SheetSkipped    = "Skipped"
	SheetSetup      = "Setup"
)

const defaultSheet = "Sheet1"

type styles struct {
	header int
	mean   int
}

func newStyles(f *excelize.File) (styles, error) {
	var s styles
	var err error
	s.header, err = f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return s, err
	}
	s.mean, err = f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"FFFF00"}, Pattern: 1},
	})
	return s, err
}

// WriteXLSX stores snap as a workbook: one sheet per family, a statistics
// sheet with highlighted mean rows, and sheets for skipped entries and setup
// times.
func WriteXLSX(path string, snap results.Snapshot) error {
	f := excelize.NewFile()
	defer f.Close()

	st, err := newStyles(f)
	if err != nil {
		return fmt.Errorf("workbook styles: %w", err)
	}

	for _, fam := range snap.Ordered() {
		if err := writeFamilySheet(f, st, string(fam), sortedRecords(snap.Families[fam])); err != nil {
			return fmt.Errorf("sheet %s: %w", fam, err)
		}
	}
	if err := writeStatistics(f, st, snap); err != nil {
		return fmt.Errorf("sheet %s: %w", SheetStatistics, err)
	}
	if err := writeSkipped(f, st, snap); err != nil {
		return fmt.Errorf("sheet %s: %w", SheetSkipped, err)
	}
	if err := writeSetup(f, st, snap); err != nil {
		return fmt.Errorf("sheet %s: %w", SheetSetup, err)
	}
	if err := f.DeleteSheet(defaultSheet); err != nil {
		return fmt.Errorf("drop default sheet: %w", err)
	}
	f.SetActiveSheet(0)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return fmt.Errorf("encode workbook: %w", err)
	}
	if err := filelock.LockAndWrite(path, buf.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func addSheet(f *excelize.File, st styles, name string, header []any) error {
	if _, err := f.NewSheet(name); err != nil {
		return err
	}
	if err := f.SetSheetRow(name, "A1", &header); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	return f.SetCellStyle(name, "A1", last, st.header)
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func metricNames(recs []results.Record) []string {
	seen := map[string]struct{}{}
	for _, r := range recs {
		for k := range r.Metrics {
			seen[k] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func hasSpurs(recs []results.Record) bool {
	for _, r := range recs {
		if len(r.Spurs) > 0 {
			return true
		}
	}
	return false
}

func formatSpurs(spurs []results.Spur) string {
	parts := make([]string, len(spurs))
	for i, s := range spurs {
		parts[i] = strconv.FormatFloat(s.FrequencyHz, 'f', 0, 64) + " Hz @ " + strconv.FormatFloat(s.LevelDBm, 'f', 2, 64) + " dBm"
	}
	return strings.Join(parts, "; ")
}

func writeFamilySheet(f *excelize.File, st styles, name string, recs []results.Record) error {
	metrics := metricNames(recs)
	spurs := hasSpurs(recs)

	header := []any{"sweep_index", "entry_index", "frequency_hz", "power_dbm"}
	for _, m := range metrics {
		header = append(header, m)
	}
	if spurs {
		header = append(header, "spurs")
	}
	header = append(header, "status", "error", "elapsed_s")
	if err := addSheet(f, st, name, header); err != nil {
		return err
	}

	for i, r := range recs {
		row := []any{r.Index, r.Entry, r.FrequencyHz, nil}
		if r.PowerDBm != nil {
			row[3] = *r.PowerDBm
		}
		for _, m := range metrics {
			if v, ok := r.Metrics[m]; ok {
				row = append(row, v)
			} else {
				row = append(row, nil)
			}
		}
		if spurs {
			row = append(row, formatSpurs(r.Spurs))
		}
		row = append(row, string(r.Status), r.Error, r.ElapsedS)
		if err := setRow(f, name, i+2, row); err != nil {
			return err
		}
	}
	return f.SetColWidth(name, "A", "D", 14)
}

type statistic struct {
	name  string
	value any
}

func writeStatistics(f *excelize.File, st styles, snap results.Snapshot) error {
	if err := addSheet(f, st, SheetStatistics, []any{"family", "metric", "statistic", "value"}); err != nil {
		return err
	}
	row := 2
	for _, fam := range snap.Ordered() {
		for _, s := range results.Summarize(snap.Families[fam].Records) {
			stats := []statistic{
				{"count", s.Count},
				{"min", s.Min},
				{"max", s.Max},
				{"mean", s.Mean},
			}
			if s.Count > 1 {
				stats = append(stats, statistic{"stddev", s.StdDev})
			}
			for _, v := range stats {
				if err := setRow(f, SheetStatistics, row, []any{string(fam), s.Metric, v.name, v.value}); err != nil {
					return err
				}
				if v.name == "mean" {
					if err := f.SetCellStyle(SheetStatistics, fmt.Sprintf("A%d", row), fmt.Sprintf("D%d", row), st.mean); err != nil {
						return err
					}
				}
				row++
			}
		}
	}
	return f.SetColWidth(SheetStatistics, "A", "B", 18)
}

func writeSkipped(f *excelize.File, st styles, snap results.Snapshot) error {
	if err := addSheet(f, st, SheetSkipped, []any{"family", "entry_index", "reason"}); err != nil {
		return err
	}
	row := 2
	for _, fam := range snap.Ordered() {
		for _, s := range snap.Families[fam].Skipped {
			if err := setRow(f, SheetSkipped, row, []any{string(s.Family), s.Entry, s.Reason}); err != nil {
				return err
			}
			row++
		}
	}
	return nil
}

func writeSetup(f *excelize.File, st styles, snap results.Snapshot) error {
	if err := addSheet(f, st, SheetSetup, []any{"family", "step", "seconds"}); err != nil {
		return err
	}
	row := 2
	for _, fam := range snap.Ordered() {
		setup := snap.Families[fam].Setup
		keys := make([]string, 0, len(setup))
		for k := range setup {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := setRow(f, SheetSetup, row, []any{string(fam), k, setup[k]}); err != nil {
				return err
			}
			row++
		}
	}
	return nil
}
