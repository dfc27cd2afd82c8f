package calibration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func writeWorkbook(t *testing.T, rows [][]any) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	path := filepath.Join(t.TempDir(), "cal.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestLoadWorkbookMatchesByMegahertz(t *testing.T) {
	path := writeWorkbook(t, [][]any{
		{"VSA Offset (dB)", " center frequency (ghz) ", "VSG Offset (dB)", "Notes"},
		{1.5, 6.201, 2.25, "cable A"},
		{},
		{"1.75", "6.5", "2.5"},
	})

	tab, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, tab.Len())

	e, ok := tab.Lookup(6.2010004e9)
	require.True(t, ok)
	assert.Equal(t, 2.25, e.VSGOffsetDB)
	assert.Equal(t, 1.5, e.VSAOffsetDB)

	vsg, vsa, err := tab.Offsets(6.5e9)
	require.NoError(t, err)
	assert.Equal(t, 2.5, vsg)
	assert.Equal(t, 1.75, vsa)

	_, _, err = tab.Offsets(6.202e9)
	assert.ErrorIs(t, err, ErrNoEntry)
	assert.Contains(t, err.Error(), "6.202 GHz")

	entries := tab.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, 6.201, entries[0].FrequencyGHz)
}

func TestLoadWorkbookRejectsBadSheets(t *testing.T) {
	path := writeWorkbook(t, [][]any{{"Center Frequency (GHz)", "VSG Offset (dB)"}, {1.0, 2.0}})
	_, err := Load(path)
	assert.ErrorContains(t, err, "VSA Offset (dB)")

	path = writeWorkbook(t, [][]any{
		{"Center Frequency (GHz)", "VSG Offset (dB)", "VSA Offset (dB)"},
		{1.0, "n/a", 0.5},
	})
	_, err = Load(path)
	assert.ErrorContains(t, err, "row 2")
}

func TestLoadYAMLList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- frequency_ghz: 3.5
  vsg_offset_db: 1.2
  vsa_offset_db: 0.8
- frequency_ghz: 3.5
  vsg_offset_db: 1.4
  vsa_offset_db: 0.9
`), 0o644))

	tab, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, tab.Len())
	e, ok := tab.Lookup(3.5e9)
	require.True(t, ok)
	assert.Equal(t, 1.4, e.VSGOffsetDB, "later rows win")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("- vsg_offset_db: 1\n"), 0o644))
	_, err = Load(bad)
	assert.ErrorContains(t, err, "frequency_ghz")
}

func TestLoadUnsupportedAndMissing(t *testing.T) {
	_, err := Load("offsets.csv")
	assert.ErrorContains(t, err, "unsupported")
	_, err = Load(filepath.Join(t.TempDir(), "none.xlsx"))
	assert.Error(t, err)

	var tab *Table
	_, ok := tab.Lookup(1e9)
	assert.False(t, ok)
	assert.Zero(t, tab.Len())
}
