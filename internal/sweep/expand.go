package sweep

import (
	"errors"
	"fmt"
	"math"

	"github.com/rjboer/rfsweep/internal/logging"
)

// rangeTolerance absorbs float error when the span is an exact multiple of
// the step (e.g. 0.961-0.617 GHz in 10 MHz steps).
const rangeTolerance = 1e-9

// MaxPoints bounds the size of a single range expansion.
const MaxPoints = 1_000_000

// ResolveFrequencies turns a FrequencySpec into an ordered list of Hz values.
func ResolveFrequencies(spec FrequencySpec) ([]float64, error) {
	if spec.Range == nil {
		return append([]float64(nil), spec.Values...), nil
	}

	r := *spec.Range
	if math.IsNaN(r.StepHz) || r.StepHz <= 0 {
		return nil, &ConfigError{Field: "step", Msg: fmt.Sprintf("step must be > 0, got %g Hz", r.StepHz)}
	}
	if math.IsNaN(r.StartHz) || math.IsNaN(r.StopHz) || r.StopHz < r.StartHz {
		return nil, &ConfigError{Field: "stop", Msg: fmt.Sprintf("stop (%g Hz) must be >= start (%g Hz)", r.StopHz, r.StartHz)}
	}

	count := math.Floor((r.StopHz-r.StartHz)/r.StepHz+rangeTolerance) + 1
	if count <= 0 {
		return nil, nil
	}
	if count > MaxPoints {
		return nil, &ConfigError{Field: "step", Msg: fmt.Sprintf("range expands to %.0f points (max %d)", count, MaxPoints)}
	}

	n := int(count)
	out := make([]float64, 0, n)
	limit := r.StopHz + r.StepHz/2
	for i := 0; i < n; i++ {
		f := r.StartHz + float64(i)*r.StepHz
		if f > limit {
			break
		}
		out = append(out, f)
	}
	return out, nil
}

// ResolvePowers returns the ordered power levels; nil entries mean the
// instrument default.
func ResolvePowers(spec PowerSpec) []*float64 {
	if len(spec.Levels) == 0 {
		return []*float64{nil}
	}
	out := make([]*float64, len(spec.Levels))
	for i := range spec.Levels {
		v := spec.Levels[i]
		out[i] = &v
	}
	return out
}

// Expand builds the frequency-major, power-minor cross product for one test
// case. Indices start at firstIndex.
func Expand(family Family, entry, firstIndex int, tc TestCase) ([]SweepPoint, error) {
	freqs, err := ResolveFrequencies(tc.Frequency)
	if err != nil {
		return nil, err
	}
	powers := ResolvePowers(tc.Power)

	points := make([]SweepPoint, 0, len(freqs)*len(powers))
	idx := firstIndex
	for _, f := range freqs {
		for _, p := range powers {
			points = append(points, SweepPoint{
				Family:      family,
				Entry:       entry,
				Index:       idx,
				FrequencyHz: f,
				PowerDBm:    p,
				Params:      tc.Params,
			})
			idx++
		}
	}
	return points, nil
}

// ExpandFamily expands every enabled entry of a family in file order and
// concatenates the points. Disabled, invalid and empty entries are reported
// as skipped and never abort the remaining entries.
func ExpandFamily(family Family, cases []TestCase, logger logging.Logger) ([]SweepPoint, []Skipped) {
	if logger == nil {
		logger = logging.Default()
	}
	var (
		points  []SweepPoint
		skipped []Skipped
	)
	for entry, tc := range cases {
		if !tc.Run {
			skipped = append(skipped, Skipped{Family: family, Entry: entry, Reason: ReasonDisabled})
			continue
		}
		if tc.Err != nil {
			reason := ReasonInvalidCfg + ": " + tc.Err.Error()
			logger.Warn("skipping test case", logging.F("family", family), logging.F("entry", entry), logging.F("reason", reason))
			skipped = append(skipped, Skipped{Family: family, Entry: entry, Reason: reason})
			continue
		}
		pts, err := Expand(family, entry, len(points), tc)
		if err != nil {
			var cfgErr *ConfigError
			reason := err.Error()
			if !errors.As(err, &cfgErr) {
				reason = ReasonInvalidCfg + ": " + reason
			}
			logger.Warn("skipping test case", logging.F("family", family), logging.F("entry", entry), logging.F("reason", reason))
			skipped = append(skipped, Skipped{Family: family, Entry: entry, Reason: reason})
			continue
		}
		if len(pts) == 0 {
			logger.Warn("test case expands to no points", logging.F("family", family), logging.F("entry", entry))
			skipped = append(skipped, Skipped{Family: family, Entry: entry, Reason: ReasonEmpty})
			continue
		}
		points = append(points, pts...)
	}
	return points, skipped
}
