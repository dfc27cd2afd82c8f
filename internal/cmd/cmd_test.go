package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/rfsweep/internal/config"
	"github.com/rjboer/rfsweep/internal/mdns"
	"github.com/rjboer/rfsweep/internal/results"
)

const lteAndDisabledSTN = `
lte:
  - run: true
    frequency_ghz: [6.201, 6.501]
    power_dbm: [-10, -5]
STN:
  - run: false
    frequency_ghz: 1.0
`

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	t.Setenv("RFSWEEP_LOG_FILE", filepath.Join(t.TempDir(), "rfsweep.log"))

	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append(args, "--settings", filepath.Join(t.TempDir(), "missing.ini"), "--log-level", "error"))
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test_inputs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExpandCommand(t *testing.T) {
	out, err := execute(t, context.Background(), "expand", "--config", writePlan(t, lteAndDisabledSTN))
	require.NoError(t, err)

	assert.Contains(t, out, "lte: 4 points")
	assert.Contains(t, out, "STN: 0 points")
	assert.Contains(t, out, "skipped entry 0")
	assert.Contains(t, out, "6.501000 GHz")
	assert.Contains(t, out, "total: 4 points")
}

func TestExpandCommandJSON(t *testing.T) {
	out, err := execute(t, context.Background(), "expand", "--json", "--config", writePlan(t, lteAndDisabledSTN))
	require.NoError(t, err)

	var families []expansion
	require.NoError(t, json.Unmarshal([]byte(out), &families))
	require.Len(t, families, 2)
	require.Len(t, families[0].Points, 4)
	assert.Equal(t, 6.201e9, families[0].Points[1].FrequencyHz)
	assert.Equal(t, -5.0, *families[0].Points[1].PowerDBm)
	assert.Len(t, families[1].Skipped, 1)
}

func TestRunCommandAgainstSimulator(t *testing.T) {
	outDir := t.TempDir()
	out, err := execute(t, context.Background(), "run", "--simulate", "--config", writePlan(t, lteAndDisabledSTN), "--out", outDir)
	require.NoError(t, err)

	assert.Contains(t, out, "Points: 4")
	assert.Contains(t, out, "OK: 4")

	raw, err := os.ReadFile(filepath.Join(outDir, "sweep_measurements.json"))
	require.NoError(t, err)
	var doc struct {
		Families []struct {
			Family  string           `json:"family"`
			Records []results.Record `json:"records"`
		} `json:"families"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.NotEmpty(t, doc.Families)
	assert.Equal(t, "lte", doc.Families[0].Family)
	require.Len(t, doc.Families[0].Records, 4)
	for _, rec := range doc.Families[0].Records {
		assert.Equal(t, results.StatusOK, rec.Status, rec.Error)
		assert.InDelta(t, *rec.PowerDBm, rec.Metrics[results.MetricChannelPower], 1e-9)
	}

	_, err = os.Stat(filepath.Join(outDir, "sweep_measurements.xlsx"))
	assert.NoError(t, err)
}

func TestRunCommandWithCalibrationTable(t *testing.T) {
	cal := filepath.Join(t.TempDir(), "cal.yaml")
	require.NoError(t, os.WriteFile(cal, []byte("- {frequency_ghz: 6.201, vsg_offset_db: 0, vsa_offset_db: 0}\n"), 0o644))

	out, err := execute(t, context.Background(), "run", "--simulate", "--cal", cal,
		"--config", writePlan(t, lteAndDisabledSTN), "--out", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "Points: 4")
	assert.Contains(t, out, "OK: 2", "6.501 GHz has no calibration row")

	_, err = execute(t, context.Background(), "run", "--simulate", "--cal", filepath.Join(t.TempDir(), "none.xlsx"),
		"--config", writePlan(t, lteAndDisabledSTN), "--out", t.TempDir())
	assert.Error(t, err)
}

func TestRunCommandMissingPlanWritesEmptyOutput(t *testing.T) {
	outDir := t.TempDir()
	_, err := execute(t, context.Background(), "run", "--simulate", "--config", filepath.Join(t.TempDir(), "none.yaml"), "--out", outDir)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(outDir, "sweep_measurements.json"))
	assert.NoError(t, err)
}

func TestRunCommandUnreadablePlan(t *testing.T) {
	_, err := execute(t, context.Background(), "run", "--simulate", "--config", writePlan(t, "- just\n- a list\n"), "--out", t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrUnreadable)
}

func TestSimulateCommandStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var (
		out string
		err error
	)
	go func() {
		defer close(done)
		out, err = execute(t, ctx, "simulate", "--vsg", "127.0.0.1:0", "--vsa", "127.0.0.1:0")
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("simulate did not stop")
	}
	require.NoError(t, err)
	assert.Contains(t, out, "vsg listening on 127.0.0.1:")
	assert.Contains(t, out, "vsa listening on 127.0.0.1:")
}

func TestPrintInstruments(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	printInstruments(&buf, nil)
	assert.Contains(t, buf.String(), "No instruments found.")

	buf.Reset()
	printInstruments(&buf, []mdns.Instrument{{
		Instance:  "Rohde & Schwarz FSW-43 #101234",
		Hostname:  "fsw43.local.",
		Service:   mdns.ServiceLXI,
		Addresses: []net.IP{net.ParseIP("192.168.200.20")},
		Port:      80,
	}})
	assert.Contains(t, buf.String(), "192.168.200.20:5025")
	assert.Contains(t, buf.String(), "fsw43.local\n")
}
