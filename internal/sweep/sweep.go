package sweep

import (
	"fmt"
	"strings"
)

// Family identifies one test family section of the test-parameter file.
type Family string

const (
	LTE  Family = "lte"
	NR   Family = "nr5g"
	STN  Family = "STN"
	Spur Family = "spur_search"
)

// Families lists every family in the fixed execution order.
var Families = []Family{LTE, NR, STN, Spur}

// ParseFamily matches a section name case-insensitively.
func ParseFamily(s string) (Family, bool) {
	for _, f := range Families {
		if strings.EqualFold(string(f), strings.TrimSpace(s)) {
			return f, true
		}
	}
	return "", false
}

// Range describes an inclusive ascending frequency range in Hz.
type Range struct {
	StartHz float64
	StopHz  float64
	StepHz  float64
}

// FrequencySpec is a scalar, an ordered list, or a range. A non-nil Range
// takes precedence over Values.
type FrequencySpec struct {
	Values []float64
	Range  *Range
}

// SingleFrequency returns a scalar spec.
func SingleFrequency(hz float64) FrequencySpec {
	return FrequencySpec{Values: []float64{hz}}
}

// FrequencyList returns a list spec; order is kept as given.
func FrequencyList(hz ...float64) FrequencySpec {
	return FrequencySpec{Values: append([]float64(nil), hz...)}
}

// FrequencyRange returns a range spec.
func FrequencyRange(startHz, stopHz, stepHz float64) FrequencySpec {
	return FrequencySpec{Range: &Range{StartHz: startHz, StopHz: stopHz, StepHz: stepHz}}
}

func (f FrequencySpec) String() string {
	if f.Range != nil {
		return fmt.Sprintf("range(%g..%g step %g Hz)", f.Range.StartHz, f.Range.StopHz, f.Range.StepHz)
	}
	return fmt.Sprintf("%v Hz", f.Values)
}

// PowerSpec is a scalar or list of dBm levels. An empty spec means
// "leave the generator at its default level".
type PowerSpec struct {
	Levels []float64
}

// PowerLevels builds a PowerSpec from the given levels.
func PowerLevels(dbm ...float64) PowerSpec {
	return PowerSpec{Levels: append([]float64(nil), dbm...)}
}

// Params carries the family-specific parameters and measurement flags of a
// test case. Zero values are replaced by per-family defaults at load time.
type Params struct {
	BandwidthHz float64 `json:"bandwidth_hz,omitempty"`
	SCSkHz      float64 `json:"scs_khz,omitempty"`

	MeasureChannelPower bool `json:"measure_ch_pwr,omitempty"`
	MeasureACLR         bool `json:"measure_aclr,omitempty"`
	MeasureEVM          bool `json:"measure_evm,omitempty"`
	// EVMAverages lists noise-cancellation average counts measured after
	// the plain acquisition, one pass per count.
	EVMAverages []int `json:"evm_averages,omitempty"`

	Iterations int `json:"iterations,omitempty"`

	RBWHz        float64 `json:"rbw_hz,omitempty"`
	SpanHz       float64 `json:"span_hz,omitempty"`
	SpurLimitDBm float64 `json:"spur_limit_dbm,omitempty"`

	VSAOffsetDB float64 `json:"vsa_offset_db,omitempty"`
	VSGOffsetDB float64 `json:"vsg_offset_db,omitempty"`
	Waveform    string  `json:"waveform,omitempty"`
}

// TestCase is one entry of a family list. It is read once and not mutated.
type TestCase struct {
	Run       bool
	Frequency FrequencySpec
	Power     PowerSpec
	Params    Params
	// Err is set by the loader when the entry could not be decoded.
	Err error
}

// SweepPoint is one fully resolved measurement point.
type SweepPoint struct {
	Family      Family   `json:"family"`
	Entry       int      `json:"entry_index"`
	Index       int      `json:"sweep_index"`
	FrequencyHz float64  `json:"frequency_hz"`
	PowerDBm    *float64 `json:"power_dbm"`
	Params      Params   `json:"params"`
}

// Skipped records a test case that produced no points.
type Skipped struct {
	Family Family `json:"family"`
	Entry  int    `json:"entry"`
	Reason string `json:"reason"`
}

// Skip reasons.
const (
	ReasonDisabled   = "skipped by config (run=false)"
	ReasonEmpty      = "empty sweep"
	ReasonInvalidCfg = "invalid configuration"
)

// ConfigError reports structurally invalid sweep bounds.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config error: " + e.Msg
	}
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Msg)
}
