// Package calibration holds per-frequency path-loss offsets for the
// generator and analyzer. Tables are read from an Excel workbook or a
// YAML/JSON list and matched by center frequency to the nearest MHz.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"
)

// ErrNoEntry reports a frequency the table has no row for.
var ErrNoEntry = errors.New("no calibration data")

// Workbook column headings. Matching ignores case and surrounding blanks.
const (
	ColumnFrequency = "Center Frequency (GHz)"
	ColumnVSG       = "VSG Offset (dB)"
	ColumnVSA       = "VSA Offset (dB)"
)

// Entry is one calibrated frequency.
type Entry struct {
	FrequencyGHz float64 `yaml:"frequency_ghz" json:"frequency_ghz"`
	VSGOffsetDB  float64 `yaml:"vsg_offset_db" json:"vsg_offset_db"`
	VSAOffsetDB  float64 `yaml:"vsa_offset_db" json:"vsa_offset_db"`
}

// Table maps frequencies, rounded to 1 MHz, to offsets.
type Table struct {
	entries map[int64]Entry
}

func key(ghz float64) int64 { return int64(math.Round(ghz * 1e3)) }

// New builds a table. A later entry for the same frequency wins.
func New(entries ...Entry) *Table {
	t := &Table{entries: make(map[int64]Entry, len(entries))}
	for _, e := range entries {
		t.entries[key(e.FrequencyGHz)] = e
	}
	return t
}

// Len returns the number of calibrated frequencies.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Lookup returns the offsets for hz.
func (t *Table) Lookup(hz float64) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	e, ok := t.entries[key(hz/1e9)]
	return e, ok
}

// Offsets returns the generator and analyzer offsets for hz, or an error
// wrapping ErrNoEntry.
func (t *Table) Offsets(hz float64) (vsg, vsa float64, err error) {
	e, ok := t.Lookup(hz)
	if !ok {
		return 0, 0, fmt.Errorf("%w for %.3f GHz", ErrNoEntry, hz/1e9)
	}
	return e.VSGOffsetDB, e.VSAOffsetDB, nil
}

// Entries returns the rows sorted by frequency.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FrequencyGHz < out[j].FrequencyGHz })
	return out
}

// Load reads a table from path. .xlsx files are read from their first
// sheet; .yaml, .yml and .json files hold a list of entries.
func Load(path string) (*Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return loadWorkbook(path)
	case ".yaml", ".yml", ".json":
		return loadList(path)
	default:
		return nil, fmt.Errorf("calibration %s: unsupported file type", path)
	}
}

func loadList(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("calibration %s: %w", path, err)
	}
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("calibration %s: %w", path, err)
	}
	for i, e := range entries {
		if e.FrequencyGHz <= 0 {
			return nil, fmt.Errorf("calibration %s: entry %d: frequency_ghz must be positive", path, i)
		}
	}
	return New(entries...), nil
}

func loadWorkbook(path string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("calibration %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("calibration %s: workbook has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("calibration %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("calibration %s: sheet %q is empty", path, sheets[0])
	}

	cols, err := columns(rows[0])
	if err != nil {
		return nil, fmt.Errorf("calibration %s: %w", path, err)
	}
	var entries []Entry
	for n, row := range rows[1:] {
		if blank(row) {
			continue
		}
		var vals [3]float64
		for i, c := range cols {
			if c >= len(row) {
				return nil, fmt.Errorf("calibration %s: row %d: missing value", path, n+2)
			}
			if vals[i], err = cast.ToFloat64E(strings.TrimSpace(row[c])); err != nil {
				return nil, fmt.Errorf("calibration %s: row %d: %w", path, n+2, err)
			}
		}
		entries = append(entries, Entry{FrequencyGHz: vals[0], VSGOffsetDB: vals[1], VSAOffsetDB: vals[2]})
	}
	return New(entries...), nil
}

// columns locates the frequency, VSG and VSA columns in a header row.
func columns(header []string) ([3]int, error) {
	want := [3]string{ColumnFrequency, ColumnVSG, ColumnVSA}
	var idx [3]int
	for i, name := range want {
		idx[i] = -1
		for c, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), name) {
				idx[i] = c
				break
			}
		}
		if idx[i] < 0 {
			return idx, fmt.Errorf("missing column %q", name)
		}
	}
	return idx, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
