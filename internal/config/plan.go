package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/rjboer/rfsweep/internal/logging"
	"github.com/rjboer/rfsweep/internal/sweep"
)

// ErrUnreadable marks a test-parameter file that exists but cannot be parsed.
var ErrUnreadable = errors.New("test parameters unreadable")

// Plan is the decoded test-parameter file: the entries of every family
// section in file order.
type Plan struct {
	Path  string
	Cases map[sweep.Family][]sweep.TestCase
}

// Enabled reports whether family has at least one entry with run=true.
func (p *Plan) Enabled(family sweep.Family) bool {
	for _, tc := range p.Cases[family] {
		if tc.Run && tc.Err == nil {
			return true
		}
	}
	return false
}

// LoadPlan reads the test-parameter file. A missing file is an empty plan.
func LoadPlan(path string, logger logging.Logger) (*Plan, error) {
	if logger == nil {
		logger = logging.Default()
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("test parameter file not found, nothing to run", logging.F("path", path))
		return &Plan{Path: path, Cases: map[sweep.Family][]sweep.TestCase{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
	}
	plan, err := ParsePlan(data, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	plan.Path = path
	return plan, nil
}

// ParsePlan decodes a YAML or JSON test-parameter document. Section names
// are matched case-insensitively; unknown sections are ignored with a
// warning.
func ParsePlan(data []byte, logger logging.Logger) (*Plan, error) {
	if logger == nil {
		logger = logging.Default()
	}
	plan := &Plan{Cases: map[sweep.Family][]sweep.TestCase{}}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if root.Kind == 0 {
		return plan, nil
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) != 1 || root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level must be a mapping of sections", ErrUnreadable)
	}

	doc := root.Content[0]
	for i := 0; i+1 < len(doc.Content); i += 2 {
		name, body := doc.Content[i].Value, doc.Content[i+1]
		family, ok := sweep.ParseFamily(name)
		if !ok {
			logger.Warn("ignoring unknown section", logging.F("section", name))
			continue
		}

		var raw any
		if err := body.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: section %s: %v", ErrUnreadable, name, err)
		}
		var entries []any
		switch v := raw.(type) {
		case nil:
		case []any:
			entries = v
		case map[string]any:
			entries = []any{v}
		default:
			logger.Warn("section is not a list of entries, ignoring", logging.F("section", name))
			continue
		}

		if _, dup := plan.Cases[family]; dup {
			logger.Warn("duplicate section, appending entries", logging.F("section", name))
		}
		base := len(plan.Cases[family])
		for j, e := range entries {
			entryLog := logger.With(logging.F("family", family), logging.F("entry", base+j))
			plan.Cases[family] = append(plan.Cases[family], decodeEntry(family, e, entryLog))
		}
	}
	return plan, nil
}

// fields reads optional entry values, falling back to defaults with a
// warning when a value has the wrong type or range.
type fields struct {
	m      map[string]any
	logger logging.Logger
}

func (f fields) has(key string) bool {
	v, ok := f.m[key]
	return ok && v != nil
}

func (f fields) fallback(key string, raw, def any) {
	f.logger.Warn("invalid value, using default", logging.F("field", key), logging.F("value", raw), logging.F("default", def))
}

func (f fields) float(key string, def float64) float64 {
	if !f.has(key) {
		return def
	}
	v, err := cast.ToFloat64E(f.m[key])
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		f.fallback(key, f.m[key], def)
		return def
	}
	return v
}

func (f fields) positive(key string, def float64) float64 {
	v := f.float(key, def)
	if v <= 0 {
		f.fallback(key, f.m[key], def)
		return def
	}
	return v
}

func (f fields) count(key string, def int) int {
	if !f.has(key) {
		return def
	}
	v, err := cast.ToIntE(f.m[key])
	if err != nil || v < 1 {
		f.fallback(key, f.m[key], def)
		return def
	}
	return v
}

// counts reads a positive integer or list of them from the first key
// present. Invalid items are dropped with a warning.
func (f fields) counts(keys ...string) []int {
	for _, key := range keys {
		if !f.has(key) {
			continue
		}
		items, err := cast.ToSliceE(f.m[key])
		if err != nil {
			items = []any{f.m[key]}
		}
		var out []int
		for _, item := range items {
			v, err := cast.ToIntE(item)
			if err != nil || v < 1 {
				f.logger.Warn("ignoring invalid count", logging.F("field", key), logging.F("value", item))
				continue
			}
			out = append(out, v)
		}
		return out
	}
	return nil
}

func (f fields) flag(key string, def bool) bool {
	if !f.has(key) {
		return def
	}
	v, err := cast.ToBoolE(f.m[key])
	if err != nil {
		f.fallback(key, f.m[key], def)
		return def
	}
	return v
}

func (f fields) text(key string) string {
	if !f.has(key) {
		return ""
	}
	return strings.TrimSpace(cast.ToString(f.m[key]))
}

func ghzToHz(ghz float64) float64 { return math.Round(ghz * 1e9) }
func mhzToHz(mhz float64) float64 { return math.Round(mhz * 1e6) }

func decodeEntry(family sweep.Family, raw any, logger logging.Logger) sweep.TestCase {
	m, ok := raw.(map[string]any)
	if !ok {
		// No run flag to read; surface it as invalid rather than disabled.
		return sweep.TestCase{Run: true, Err: fmt.Errorf("entry is a %T, not a mapping", raw)}
	}
	lower := make(map[string]any, len(m))
	for k, v := range m {
		lower[strings.ToLower(strings.TrimSpace(k))] = v
	}
	f := fields{m: lower, logger: logger}

	tc := sweep.TestCase{Run: f.flag("run", false)}

	freq, err := decodeFrequency(family, f)
	if err != nil {
		tc.Err = err
		return tc
	}
	tc.Frequency = freq
	tc.Power = decodePower(f)
	tc.Params = decodeParams(family, f)

	if family == sweep.Spur {
		tc = firstPointOnly(tc, logger)
	}
	return tc
}

// decodeFrequency prefers entry-level range keys, then the scalar, list or
// range-map forms of the frequency keys.
func decodeFrequency(family sweep.Family, f fields) (sweep.FrequencySpec, error) {
	if f.has("start_ghz") || f.has("stop_ghz") || f.has("step_mhz") {
		return rangeSpec(f.m)
	}

	keys := []string{"center_frequency_ghz", "frequency_ghz"}
	if family == sweep.Spur {
		keys = append([]string{"fundamental_ghz"}, keys...)
	}
	for _, key := range keys {
		if !f.has(key) {
			continue
		}
		switch v := f.m[key].(type) {
		case []any:
			out := make([]float64, 0, len(v))
			for i, item := range v {
				ghz, err := cast.ToFloat64E(item)
				if err != nil {
					return sweep.FrequencySpec{}, fmt.Errorf("%s[%d]: %v is not a number", key, i, item)
				}
				out = append(out, ghzToHz(ghz))
			}
			return sweep.FrequencyList(out...), nil
		case map[string]any:
			return rangeSpec(v)
		default:
			ghz, err := cast.ToFloat64E(v)
			if err != nil {
				return sweep.FrequencySpec{}, fmt.Errorf("%s: %v is not a number", key, v)
			}
			return sweep.SingleFrequency(ghzToHz(ghz)), nil
		}
	}
	return sweep.FrequencySpec{}, nil
}

func rangeSpec(m map[string]any) (sweep.FrequencySpec, error) {
	get := func(keys ...string) (float64, error) {
		for _, k := range keys {
			if v, ok := m[k]; ok && v != nil {
				f, err := cast.ToFloat64E(v)
				if err != nil {
					return 0, fmt.Errorf("%s: %v is not a number", k, v)
				}
				return f, nil
			}
		}
		return 0, fmt.Errorf("range needs %s", keys[0])
	}
	start, err := get("start_ghz", "start")
	if err != nil {
		return sweep.FrequencySpec{}, err
	}
	stop, err := get("stop_ghz", "stop")
	if err != nil {
		return sweep.FrequencySpec{}, err
	}
	step, err := get("step_mhz", "step")
	if err != nil {
		return sweep.FrequencySpec{}, err
	}
	return sweep.FrequencyRange(ghzToHz(start), ghzToHz(stop), mhzToHz(step)), nil
}

func decodePower(f fields) sweep.PowerSpec {
	if !f.has("power_dbm") {
		return sweep.PowerSpec{}
	}
	raw := f.m["power_dbm"]
	items, isList := raw.([]any)
	if !isList {
		items = []any{raw}
	}
	levels := make([]float64, 0, len(items))
	for _, item := range items {
		v, err := cast.ToFloat64E(item)
		if err != nil {
			f.logger.Warn("ignoring invalid power level", logging.F("value", item))
			continue
		}
		levels = append(levels, v)
	}
	return sweep.PowerLevels(levels...)
}

func decodeParams(family sweep.Family, f fields) sweep.Params {
	p := sweep.Params{
		VSAOffsetDB: f.float("vsa_offset_db", 0),
		VSGOffsetDB: f.float("vsg_offset_db", 0),
		Waveform:    f.text("waveform"),
	}
	switch family {
	case sweep.LTE, sweep.NR:
		bw, scs := 10.0, 0.0
		if family == sweep.NR {
			bw = 100
			scs = f.positive("scs_khz", 30)
		}
		p.BandwidthHz = mhzToHz(f.positive("bandwidth_mhz", bw))
		p.SCSkHz = scs
		p.MeasureChannelPower = f.flag("measure_ch_pwr", true)
		p.MeasureACLR = f.flag("measure_aclr", false)
		p.MeasureEVM = f.flag("measure_evm", false)
		p.EVMAverages = f.counts("evm_averages", "k575_averages")
	case sweep.STN:
		p.Iterations = f.count("iterations", 1)
		p.RBWHz = math.Round(f.positive("rbw_khz", 100) * 1e3)
	case sweep.Spur:
		p.RBWHz = mhzToHz(f.positive("rbw_mhz", 1))
		p.SpanHz = mhzToHz(f.positive("span_mhz", 100))
		p.SpurLimitDBm = f.float("spur_limit_dbm", -60)
	}
	return p
}

// firstPointOnly narrows a spur entry to a single frequency and power.
func firstPointOnly(tc sweep.TestCase, logger logging.Logger) sweep.TestCase {
	freqs, err := sweep.ResolveFrequencies(tc.Frequency)
	if err != nil {
		tc.Err = err
		return tc
	}
	if len(freqs) > 1 {
		logger.Warn("spur search uses only the first frequency", logging.F("frequencies", len(freqs)))
	}
	if len(freqs) > 0 {
		tc.Frequency = sweep.SingleFrequency(freqs[0])
	}
	if len(tc.Power.Levels) > 1 {
		logger.Warn("spur search uses only the first power level", logging.F("levels", len(tc.Power.Levels)))
		tc.Power = sweep.PowerLevels(tc.Power.Levels[0])
	}
	return tc
}
