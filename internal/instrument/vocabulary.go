package instrument

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Command names understood by the drivers. Each maps to one template in a
// Vocabulary.
const (
	CmdIdentify   = "identify"
	CmdReset      = "reset"
	CmdErrorQueue = "error_queue"

	CmdVSGFrequency = "vsg_frequency"
	CmdVSGPower     = "vsg_power"
	CmdVSGOffset    = "vsg_offset"
	CmdVSGWaveform  = "vsg_waveform"
	CmdVSGOutputOn  = "vsg_output_on"
	CmdVSGOutputOff = "vsg_output_off"

	CmdVSAMode         = "vsa_mode"
	CmdVSACenter       = "vsa_center"
	CmdVSARefOffset    = "vsa_ref_offset"
	CmdVSABandwidth    = "vsa_channel_bandwidth"
	CmdVSASubcarrier   = "vsa_subcarrier_spacing"
	CmdVSARBW          = "vsa_rbw"
	CmdVSASpan         = "vsa_span"
	CmdVSATrigger      = "vsa_trigger"
	CmdVSABusy         = "vsa_busy"
	CmdVSAContinuous   = "vsa_continuous"
	CmdVSAChannelPower = "vsa_channel_power"
	CmdVSAACLR         = "vsa_aclr"
	CmdVSAEVM          = "vsa_evm"
	CmdVSANoise        = "vsa_noise"
	CmdVSASpurs        = "vsa_spurs"
	CmdVSAAverageCount = "vsa_noise_cancel_count"
	CmdVSAAverageState = "vsa_noise_cancel_state"
)

// Analyzer personalities selected with CmdVSAMode.
const (
	ModeLTE      = "LTE"
	ModeNR       = "NR5G"
	ModeSpectrum = "SAN"
)

// ErrUnknownCommand is returned when a command name has no template.
var ErrUnknownCommand = errors.New("unknown command")

// Args carries the values a command template can reference.
type Args struct {
	Hz    float64
	Value float64
	Text  string
}

// defaultCommands is a Rohde & Schwarz style table. Set commands carry a
// trailing *OPC? so every exchange yields exactly one response line.
var defaultCommands = map[string]string{
	CmdIdentify:   "*IDN?",
	CmdReset:      "*RST;*OPC?",
	CmdErrorQueue: "SYST:ERR?",

	CmdVSGFrequency: ":SOUR1:FREQ:CW {{hz .Hz}};*OPC?",
	CmdVSGPower:     ":SOUR1:POW:LEV:IMM:AMPL {{num .Value}};*OPC?",
	CmdVSGOffset:    ":SOUR1:POW:LEV:IMM:OFFS {{num .Value}};*OPC?",
	CmdVSGWaveform:  ":SOUR1:BB:ARB:WAV:SEL {{quote .Text}};:SOUR1:BB:ARB:STAT 1;*OPC?",
	CmdVSGOutputOn:  ":OUTP1:STAT 1;*OPC?",
	CmdVSGOutputOff: ":OUTP1:STAT 0;*OPC?",

	CmdVSAMode:         "INST:SEL {{.Text}};*OPC?",
	CmdVSACenter:       ":SENS:FREQ:CENT {{hz .Hz}};*OPC?",
	CmdVSARefOffset:    ":DISP:WIND:TRAC:Y:SCAL:RLEV:OFFS {{num .Value}};*OPC?",
	CmdVSABandwidth:    ":SENS:POW:ACH:BWID:CHAN1 {{hz .Hz}};*OPC?",
	CmdVSASubcarrier:   ":SENS:NR5G:SCS {{num .Value}};*OPC?",
	CmdVSARBW:          ":SENS:BAND:RES {{hz .Hz}};*OPC?",
	CmdVSASpan:         ":SENS:FREQ:SPAN {{hz .Hz}};*OPC?",
	CmdVSATrigger:      "INIT:CONT OFF;INIT:IMM;:STAT:OPER:COND?",
	CmdVSABusy:         ":STAT:OPER:COND?",
	CmdVSAContinuous:   "INIT:CONT ON;*OPC?",
	CmdVSAChannelPower: "CALC:MARK:FUNC:POW:RES? CPOW",
	CmdVSAACLR:         "CALC:MARK:FUNC:POW:RES? ACP",
	CmdVSAEVM:          "FETC:SUMM:EVM:ALL:AVER?",
	CmdVSANoise:        "CALC:MARK1:FUNC:NOIS:RES?",
	CmdVSASpurs:        "TRAC:DATA? SPUR",
	CmdVSAAverageCount: ":SENS:ADJ:NCAN:AVER:COUN {{num .Value}};*OPC?",
	CmdVSAAverageState: ":SENS:ADJ:NCAN:AVER:STST {{.Text}};*OPC?",
}

var templateFuncs = template.FuncMap{
	"hz":  func(v float64) string { return strconv.FormatFloat(v, 'f', 0, 64) },
	"num": func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) },
	"quote": func(s string) string {
		return "'" + strings.ReplaceAll(s, "'", "") + "'"
	},
}

// Vocabulary maps command names to device command templates.
type Vocabulary struct {
	source map[string]string
	cmds   map[string]*template.Template
}

// DefaultVocabulary returns the built-in command table.
func DefaultVocabulary() *Vocabulary {
	v, err := NewVocabulary(nil)
	if err != nil {
		panic(fmt.Sprintf("built-in vocabulary: %v", err))
	}
	return v
}

// NewVocabulary overlays overrides on the built-in table. Overrides must use
// known command names.
func NewVocabulary(overrides map[string]string) (*Vocabulary, error) {
	source := make(map[string]string, len(defaultCommands))
	for k, v := range defaultCommands {
		source[k] = v
	}
	for k, v := range overrides {
		if _, ok := defaultCommands[k]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, k)
		}
		source[k] = v
	}

	cmds := make(map[string]*template.Template, len(source))
	for name, text := range source {
		tmpl, err := template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse command %q: %w", name, err)
		}
		cmds[name] = tmpl
	}
	return &Vocabulary{source: source, cmds: cmds}, nil
}

// LoadVocabulary reads a YAML map of command name to template and overlays
// it on the built-in table.
func LoadVocabulary(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("decode vocabulary %s: %w", path, err)
	}
	return NewVocabulary(overrides)
}

// Render expands the named command.
func (v *Vocabulary) Render(name string, args Args) (string, error) {
	tmpl, ok := v.cmds[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, args); err != nil {
		return "", fmt.Errorf("render %q: %w", name, err)
	}
	return sb.String(), nil
}

// Names lists the command names in sorted order.
func (v *Vocabulary) Names() []string {
	names := make([]string, 0, len(v.source))
	for k := range v.source {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Template returns the raw template text for name.
func (v *Vocabulary) Template(name string) string { return v.source[name] }
