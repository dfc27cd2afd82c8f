package sweep

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFrequenciesRangeProperties(t *testing.T) {
	ranges := []Range{
		{StartHz: 617e6, StopHz: 961e6, StepHz: 10e6},
		{StartHz: 1e9, StopHz: 1e9, StepHz: 1e6},
		{StartHz: 600e6, StopHz: 700e6, StepHz: 100e6},
		{StartHz: 600e6, StopHz: 705e6, StepHz: 10e6},
		{StartHz: 2.4e9, StopHz: 2.5e9, StepHz: 7e6},
		{StartHz: 100e6, StopHz: 150e6, StepHz: 200e6},
	}
	for _, r := range ranges {
		got, err := ResolveFrequencies(FrequencySpec{Range: &r})
		require.NoError(t, err)
		require.NotEmpty(t, got)

		assert.Equal(t, r.StartHz, got[0], "first element equals start")
		last := got[len(got)-1]
		assert.LessOrEqual(t, math.Abs(r.StopHz-last), r.StepHz, "last within one step of stop")
		assert.LessOrEqual(t, last, r.StopHz+r.StepHz/2)
		for i := 1; i < len(got); i++ {
			assert.Greater(t, got[i], got[i-1], "strictly ascending")
		}
	}
}

func TestResolveFrequenciesSTNScenarioCount(t *testing.T) {
	start := math.Round(0.617 * 1e9)
	stop := math.Round(0.961 * 1e9)
	step := math.Round(10 * 1e6)
	got, err := ResolveFrequencies(FrequencyRange(start, stop, step))
	require.NoError(t, err)
	assert.Len(t, got, 35)
	assert.Equal(t, 617e6, got[0])
	assert.Equal(t, 957e6, got[34])
}

func TestResolveFrequenciesIncludesStopOnExactMultiple(t *testing.T) {
	got, err := ResolveFrequencies(FrequencyRange(0.6e9, 0.7e9, 0.1e9))
	require.NoError(t, err)
	assert.Equal(t, []float64{0.6e9, 0.7e9}, got)
}

func TestResolveFrequenciesInvalidRange(t *testing.T) {
	cases := []FrequencySpec{
		FrequencyRange(1e9, 2e9, 0),
		FrequencyRange(1e9, 2e9, -1e6),
		FrequencyRange(2e9, 1e9, 1e6),
		FrequencyRange(1e9, 6e9, 1),
	}
	for _, spec := range cases {
		_, err := ResolveFrequencies(spec)
		var cfgErr *ConfigError
		require.True(t, errors.As(err, &cfgErr), "expected ConfigError for %s, got %v", spec, err)
	}
}

func TestResolveKeepsListOrder(t *testing.T) {
	freqs, err := ResolveFrequencies(FrequencyList(3e9, 1e9, 3e9, 2e9))
	require.NoError(t, err)
	assert.Equal(t, []float64{3e9, 1e9, 3e9, 2e9}, freqs)

	powers := ResolvePowers(PowerLevels(-5, -10, -5))
	require.Len(t, powers, 3)
	assert.Equal(t, -5.0, *powers[0])
	assert.Equal(t, -10.0, *powers[1])
	assert.Equal(t, -5.0, *powers[2])
}

func TestResolvePowersDefaultPlaceholder(t *testing.T) {
	powers := ResolvePowers(PowerSpec{})
	require.Len(t, powers, 1)
	assert.Nil(t, powers[0])
}

func TestExpandCrossProductFrequencyMajor(t *testing.T) {
	tc := TestCase{
		Run:       true,
		Frequency: FrequencyList(6.201e9, 6.501e9, 7e9),
		Power:     PowerLevels(-10, -9),
	}
	points, err := Expand(LTE, 0, 0, tc)
	require.NoError(t, err)
	require.Len(t, points, 6)

	want := []struct {
		f float64
		p float64
	}{
		{6.201e9, -10}, {6.201e9, -9},
		{6.501e9, -10}, {6.501e9, -9},
		{7e9, -10}, {7e9, -9},
	}
	for i, w := range want {
		assert.Equal(t, i, points[i].Index)
		assert.Equal(t, w.f, points[i].FrequencyHz)
		require.NotNil(t, points[i].PowerDBm)
		assert.Equal(t, w.p, *points[i].PowerDBm)
		assert.Equal(t, LTE, points[i].Family)
	}
}

func TestExpandFamilyConcatenatesEntriesAndSkips(t *testing.T) {
	cases := []TestCase{
		{Run: true, Frequency: SingleFrequency(1e9), Power: PowerLevels(0, 1)},
		{Run: false, Frequency: SingleFrequency(2e9)},
		{Run: true, Frequency: FrequencyRange(3e9, 2e9, 1e6)},
		{Run: true, Frequency: FrequencyList()},
		{Run: true, Frequency: FrequencyRange(4e9, 4.002e9, 1e6)},
	}
	points, skipped := ExpandFamily(NR, cases, nil)

	require.Len(t, points, 5)
	for i, p := range points {
		assert.Equal(t, i, p.Index, "indices continue across entries")
	}
	assert.Equal(t, 0, points[0].Entry)
	assert.Equal(t, 4, points[2].Entry)
	assert.Equal(t, 4.002e9, points[4].FrequencyHz)

	require.Len(t, skipped, 3)
	assert.Equal(t, 1, skipped[0].Entry)
	assert.Equal(t, ReasonDisabled, skipped[0].Reason)
	assert.Equal(t, 2, skipped[1].Entry)
	assert.Contains(t, skipped[1].Reason, "config error")
	assert.Equal(t, 3, skipped[2].Entry)
	assert.Equal(t, ReasonEmpty, skipped[2].Reason)
}

func TestExpandFamilyReportsUndecodableEntry(t *testing.T) {
	cases := []TestCase{
		{Run: true, Err: errors.New("entry is not a mapping")},
		{Run: true, Frequency: SingleFrequency(1e9)},
	}
	points, skipped := ExpandFamily(LTE, cases, nil)

	require.Len(t, points, 1)
	assert.Equal(t, 1, points[0].Entry)
	require.Len(t, skipped, 1)
	assert.Equal(t, ReasonInvalidCfg+": entry is not a mapping", skipped[0].Reason)
}

func TestExpandFamilyDisabledEntryIsNotJudged(t *testing.T) {
	cases := []TestCase{
		{Run: false, Err: errors.New("frequency_ghz: unsupported value")},
	}
	points, skipped := ExpandFamily(LTE, cases, nil)

	assert.Empty(t, points)
	require.Len(t, skipped, 1)
	assert.Equal(t, ReasonDisabled, skipped[0].Reason)
}

func TestParseFamily(t *testing.T) {
	f, ok := ParseFamily("stn")
	require.True(t, ok)
	assert.Equal(t, STN, f)
	f, ok = ParseFamily("NR5G")
	require.True(t, ok)
	assert.Equal(t, NR, f)
	_, ok = ParseFamily("wifi")
	assert.False(t, ok)
}
