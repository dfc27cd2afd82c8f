package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/rfsweep/internal/sweep"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "missing.ini"), nil)
	require.NoError(t, err)

	assert.Equal(t, "192.168.200.20:5025", s.VSA.HostPort())
	assert.Equal(t, "192.168.200.10:5025", s.VSG.HostPort())
	assert.Equal(t, 3*time.Second, s.Link.ConnectTimeout)
	assert.Equal(t, 5*time.Second, s.Link.ReadTimeout)
	assert.Equal(t, 2, s.Link.Retries)
	assert.Equal(t, 200*time.Millisecond, s.Link.RetryDelay)
	assert.Equal(t, []string{"ERR", "**ERROR"}, s.Link.ErrorTokens)
	assert.Equal(t, 30*time.Second, s.Measure.Timeout)
	assert.Equal(t, "results", s.Output.Dir)
	assert.Equal(t, "sweep_measurements", s.Output.Prefix)
	assert.Equal(t, "logs/rfsweep.log", s.Log.File)
	assert.Empty(t, s.CalibrationFile)

	opts := s.LinkOptions()
	assert.Equal(t, 2, opts.Retries)
	assert.True(t, opts.SessionLock)
}

func TestLoadSettingsINIAndEnv(t *testing.T) {
	path := writeFile(t, "settings.ini", `
[vsa]
address = 10.0.0.5
port = 5026

[link]
read_timeout = 2
retries = 4
error_tokens = ERR, FAIL

[measure]
poll_interval = 250ms

[output]
prefix = bench_a

[calibration]
file = cal/bench_a.xlsx
`)
	t.Setenv("RFSWEEP_VSG_ADDRESS", "10.0.0.9")

	s, err := LoadSettings(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:5026", s.VSA.HostPort())
	assert.Equal(t, "10.0.0.9:5025", s.VSG.HostPort())
	assert.Equal(t, 2*time.Second, s.Link.ReadTimeout, "bare numbers are seconds")
	assert.Equal(t, 4, s.Link.Retries)
	assert.Equal(t, []string{"ERR", "FAIL"}, s.Link.ErrorTokens)
	assert.Equal(t, 250*time.Millisecond, s.Measure.PollInterval)
	assert.Equal(t, "bench_a", s.Output.Prefix)
	assert.Equal(t, "cal/bench_a.xlsx", s.CalibrationFile)
}

func TestLoadSettingsRejectsBadValues(t *testing.T) {
	path := writeFile(t, "settings.ini", "[link]\nretries = many\n")
	_, err := LoadSettings(path, nil)
	assert.Error(t, err)

	path = writeFile(t, "settings.yaml", "measure:\n  timeout: soon\n")
	_, err = LoadSettings(path, nil)
	assert.Error(t, err)
}

const lteScenario = `
lte:
  - run: true
    center_frequency_ghz: [6.201, 6.501]
    power_dbm: [-10, -5]
    measure_ch_pwr: true
    measure_aclr: false
`

func TestParsePlanLTEScenario(t *testing.T) {
	plan, err := ParsePlan([]byte(lteScenario), nil)
	require.NoError(t, err)
	require.Len(t, plan.Cases[sweep.LTE], 1)

	tc := plan.Cases[sweep.LTE][0]
	assert.True(t, tc.Run)
	assert.Equal(t, []float64{6.201e9, 6.501e9}, tc.Frequency.Values)
	assert.Equal(t, []float64{-10, -5}, tc.Power.Levels)
	assert.True(t, tc.Params.MeasureChannelPower)
	assert.False(t, tc.Params.MeasureACLR)
	assert.Equal(t, 10e6, tc.Params.BandwidthHz)
	assert.True(t, plan.Enabled(sweep.LTE))
	assert.False(t, plan.Enabled(sweep.NR))
}

func TestParsePlanSTNRangeAndDefaults(t *testing.T) {
	plan, err := ParsePlan([]byte(`
stn:
  - run: true
    start_ghz: 0.617
    stop_ghz: 0.957
    step_mhz: 10
    iterations: 3
  - run: "yes please"
    frequency_ghz: {start: 1, stop: 2, step: 500}
    iterations: -4
    rbw_khz: wide
`), nil)
	require.NoError(t, err)
	cases := plan.Cases[sweep.STN]
	require.Len(t, cases, 2)

	r := cases[0].Frequency.Range
	require.NotNil(t, r)
	assert.Equal(t, 617e6, r.StartHz)
	assert.Equal(t, 957e6, r.StopHz)
	assert.Equal(t, 10e6, r.StepHz)
	assert.Equal(t, 3, cases[0].Params.Iterations)
	assert.Equal(t, 100e3, cases[0].Params.RBWHz)

	assert.False(t, cases[1].Run, "unparseable run flag falls back to false")
	assert.Equal(t, 1, cases[1].Params.Iterations)
	assert.Equal(t, 100e3, cases[1].Params.RBWHz)
	require.NotNil(t, cases[1].Frequency.Range)
	assert.Equal(t, 500e6, cases[1].Frequency.Range.StepHz)

	points, skipped := sweep.ExpandFamily(sweep.STN, cases, nil)
	assert.Len(t, points, 35)
	require.Len(t, skipped, 1)
	assert.Equal(t, sweep.ReasonDisabled, skipped[0].Reason)
}

func TestParsePlanSectionsCaseInsensitiveAndUnknownIgnored(t *testing.T) {
	plan, err := ParsePlan([]byte(`{
  "LTE": [{"run": true, "frequency_ghz": 1.0}],
  "NR5G": [{"run": true, "frequency_ghz": 3.5, "measure_evm": true}],
  "wifi": [{"run": true}]
}`), nil)
	require.NoError(t, err)
	assert.Len(t, plan.Cases[sweep.LTE], 1)
	nr := plan.Cases[sweep.NR]
	require.Len(t, nr, 1)
	assert.Equal(t, 100e6, nr[0].Params.BandwidthHz)
	assert.Equal(t, 30.0, nr[0].Params.SCSkHz)
	assert.True(t, nr[0].Params.MeasureEVM)
	assert.Len(t, plan.Cases, 2)
}

func TestParsePlanSpurUsesFirstPoint(t *testing.T) {
	plan, err := ParsePlan([]byte(`
spur_search:
  - run: true
    center_frequency_ghz: [2.4, 2.5]
    power_dbm: [0, -10]
    rbw_mhz: 0.1
`), nil)
	require.NoError(t, err)
	tc := plan.Cases[sweep.Spur][0]
	assert.Equal(t, []float64{2.4e9}, tc.Frequency.Values)
	assert.Equal(t, []float64{0}, tc.Power.Levels)
	assert.Equal(t, 100e3, tc.Params.RBWHz)
	assert.Equal(t, 100e6, tc.Params.SpanHz)
	assert.Equal(t, -60.0, tc.Params.SpurLimitDBm)
}

func TestParsePlanInvalidEntries(t *testing.T) {
	plan, err := ParsePlan([]byte(`
lte:
  - just a string
  - run: true
    start_ghz: 2
    stop_ghz: 1
    step_mhz: 10
  - run: true
    start_ghz: 1
`), nil)
	require.NoError(t, err)
	cases := plan.Cases[sweep.LTE]
	require.Len(t, cases, 3)
	assert.Error(t, cases[0].Err)
	assert.NoError(t, cases[1].Err, "bad bounds are caught by the expander")
	assert.Error(t, cases[2].Err)

	points, skipped := sweep.ExpandFamily(sweep.LTE, cases, nil)
	assert.Empty(t, points)
	require.Len(t, skipped, 3)
	assert.Contains(t, skipped[0].Reason, sweep.ReasonInvalidCfg, "a non-mapping entry is invalid, not disabled")
}

func TestParsePlanEVMAverages(t *testing.T) {
	plan, err := ParsePlan([]byte(`
lte:
  - run: true
    frequency_ghz: 1.0
    evm_averages: [1, 10, "x", 0, 100]
nr:
  - run: true
    frequency_ghz: 3.5
    k575_averages: 5
  - run: true
    frequency_ghz: 3.5
stn:
  - run: true
    frequency_ghz: 1.0
    evm_averages: [10]
`), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 10, 100}, plan.Cases[sweep.LTE][0].Params.EVMAverages)
	assert.Equal(t, []int{5}, plan.Cases[sweep.NR][0].Params.EVMAverages)
	assert.Nil(t, plan.Cases[sweep.NR][1].Params.EVMAverages)
	assert.Nil(t, plan.Cases[sweep.STN][0].Params.EVMAverages, "only cellular entries average")
}

func TestLoadPlanMissingAndUnreadable(t *testing.T) {
	plan, err := LoadPlan(filepath.Join(t.TempDir(), "none.yaml"), nil)
	require.NoError(t, err)
	assert.Empty(t, plan.Cases)

	path := writeFile(t, "broken.yaml", "lte: [\n  - run: true\n")
	_, err = LoadPlan(path, nil)
	assert.True(t, errors.Is(err, ErrUnreadable), "got %v", err)

	path = writeFile(t, "list.yaml", "- 1\n- 2\n")
	_, err = LoadPlan(path, nil)
	assert.ErrorIs(t, err, ErrUnreadable)
}
