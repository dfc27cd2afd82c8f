package instrument

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rjboer/rfsweep/internal/link"
)

// ErrMalformedResponse marks a response that could not be decoded.
var ErrMalformedResponse = errors.New("malformed instrument response")

// measuringBit is the MEASURING bit of the SCPI operation status register.
const measuringBit = 1 << 4

// Conn is the command channel a driver talks through. *link.Link satisfies it.
type Conn interface {
	Send(ctx context.Context, cmd string) (string, error)
	SendTimeout(ctx context.Context, cmd string, timeout time.Duration) (string, error)
}

// Spur is one entry of the analyzer's spur table.
type Spur struct {
	FrequencyHz float64
	LevelDBm    float64
}

type driver struct {
	conn  Conn
	vocab *Vocabulary
}

func newDriver(conn Conn, vocab *Vocabulary) driver {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	return driver{conn: conn, vocab: vocab}
}

func (d driver) do(ctx context.Context, name string, args Args) (string, error) {
	cmd, err := d.vocab.Render(name, args)
	if err != nil {
		return "", err
	}
	return d.conn.Send(ctx, cmd)
}

// doTimeout is do with a per-call read timeout, for commands the device may
// hold until a measurement finishes.
func (d driver) doTimeout(ctx context.Context, name string, args Args, timeout time.Duration) (string, error) {
	cmd, err := d.vocab.Render(name, args)
	if err != nil {
		return "", err
	}
	return d.conn.SendTimeout(ctx, cmd, timeout)
}

func (d driver) set(ctx context.Context, name string, args Args) error {
	_, err := d.do(ctx, name, args)
	return err
}

func (d driver) queryFloat(ctx context.Context, name string) (float64, error) {
	resp, err := d.do(ctx, name, Args{})
	if err != nil {
		return 0, err
	}
	return parseFloat(lastField(resp))
}

// Identify returns the *IDN? string.
func (d driver) Identify(ctx context.Context) (string, error) {
	return d.do(ctx, CmdIdentify, Args{})
}

// Reset restores factory state and waits for completion.
func (d driver) Reset(ctx context.Context) error {
	return d.set(ctx, CmdReset, Args{})
}

// ErrorQueue pops one entry from the device error queue.
func (d driver) ErrorQueue(ctx context.Context) (string, error) {
	return d.do(ctx, CmdErrorQueue, Args{})
}

// VSG drives a vector signal generator.
type VSG struct {
	driver
}

func NewVSG(conn Conn, vocab *Vocabulary) *VSG {
	return &VSG{driver: newDriver(conn, vocab)}
}

func (g *VSG) LoadWaveform(ctx context.Context, name string) error {
	return g.set(ctx, CmdVSGWaveform, Args{Text: name})
}

func (g *VSG) SetFrequency(ctx context.Context, hz float64) error {
	return g.set(ctx, CmdVSGFrequency, Args{Hz: hz})
}

func (g *VSG) SetPower(ctx context.Context, dbm float64) error {
	return g.set(ctx, CmdVSGPower, Args{Value: dbm})
}

func (g *VSG) SetOffset(ctx context.Context, db float64) error {
	return g.set(ctx, CmdVSGOffset, Args{Value: db})
}

func (g *VSG) RFOn(ctx context.Context) error  { return g.set(ctx, CmdVSGOutputOn, Args{}) }
func (g *VSG) RFOff(ctx context.Context) error { return g.set(ctx, CmdVSGOutputOff, Args{}) }

// VSA drives a vector signal analyzer.
type VSA struct {
	driver
}

func NewVSA(conn Conn, vocab *Vocabulary) *VSA {
	return &VSA{driver: newDriver(conn, vocab)}
}

func (a *VSA) SetMode(ctx context.Context, mode string) error {
	return a.set(ctx, CmdVSAMode, Args{Text: mode})
}

func (a *VSA) SetCenter(ctx context.Context, hz float64) error {
	return a.set(ctx, CmdVSACenter, Args{Hz: hz})
}

func (a *VSA) SetRefOffset(ctx context.Context, db float64) error {
	return a.set(ctx, CmdVSARefOffset, Args{Value: db})
}

func (a *VSA) SetChannelBandwidth(ctx context.Context, hz float64) error {
	return a.set(ctx, CmdVSABandwidth, Args{Hz: hz})
}

func (a *VSA) SetSubcarrierSpacing(ctx context.Context, khz float64) error {
	return a.set(ctx, CmdVSASubcarrier, Args{Value: khz})
}

func (a *VSA) SetRBW(ctx context.Context, hz float64) error {
	return a.set(ctx, CmdVSARBW, Args{Hz: hz})
}

func (a *VSA) SetSpan(ctx context.Context, hz float64) error {
	return a.set(ctx, CmdVSASpan, Args{Hz: hz})
}

// SetAveraging enables noise-cancellation averaging over n acquisitions.
// n below 1 switches it off.
func (a *VSA) SetAveraging(ctx context.Context, n int) error {
	if n < 1 {
		return a.set(ctx, CmdVSAAverageState, Args{Text: "OFF"})
	}
	if err := a.set(ctx, CmdVSAAverageCount, Args{Value: float64(n)}); err != nil {
		return err
	}
	return a.set(ctx, CmdVSAAverageState, Args{Text: "ON"})
}

// Continuous returns the analyzer to free-running sweeps.
func (a *VSA) Continuous(ctx context.Context) error {
	return a.set(ctx, CmdVSAContinuous, Args{})
}

// Acquire triggers a single measurement and polls the operation status until
// the analyzer is idle. It fails with link.ErrTimeout when the measurement is
// still running after timeout.
func (a *VSA) Acquire(ctx context.Context, timeout, poll time.Duration) error {
	deadline := time.Now().Add(timeout)
	resp, err := a.doTimeout(ctx, CmdVSATrigger, Args{}, timeout)
	if err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	for {
		busy, err := parseBusy(resp)
		if err != nil {
			return err
		}
		if !busy {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: acquisition still running after %s", link.ErrTimeout, timeout)
		}
		time.Sleep(poll)
		if resp, err = a.do(ctx, CmdVSABusy, Args{}); err != nil {
			return fmt.Errorf("poll: %w", err)
		}
	}
}

// ChannelPower reads the channel power in dBm.
func (a *VSA) ChannelPower(ctx context.Context) (float64, error) {
	return a.queryFloat(ctx, CmdVSAChannelPower)
}

// ACLR reads the lower and upper adjacent channel leakage ratios in dB. The
// analyzer answers "chpow,lower,upper" or just "lower,upper".
func (a *VSA) ACLR(ctx context.Context) (lower, upper float64, err error) {
	resp, err := a.do(ctx, CmdVSAACLR, Args{})
	if err != nil {
		return 0, 0, err
	}
	fields := splitList(lastField(resp))
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("%w: acp %q", ErrMalformedResponse, resp)
	}
	fields = fields[len(fields)-2:]
	if lower, err = parseFloat(fields[0]); err != nil {
		return 0, 0, err
	}
	if upper, err = parseFloat(fields[1]); err != nil {
		return 0, 0, err
	}
	return lower, upper, nil
}

// EVM reads the averaged error vector magnitude in dB.
func (a *VSA) EVM(ctx context.Context) (float64, error) {
	return a.queryFloat(ctx, CmdVSAEVM)
}

// Noise reads the marker noise density in dBm/Hz.
func (a *VSA) Noise(ctx context.Context) (float64, error) {
	return a.queryFloat(ctx, CmdVSANoise)
}

// Spurs reads the spur table as frequency,level pairs.
func (a *VSA) Spurs(ctx context.Context) ([]Spur, error) {
	resp, err := a.do(ctx, CmdVSASpurs, Args{})
	if err != nil {
		return nil, err
	}
	fields := splitList(lastField(resp))
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("%w: spur table has %d values", ErrMalformedResponse, len(fields))
	}
	spurs := make([]Spur, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		f, err := parseFloat(fields[i])
		if err != nil {
			return nil, err
		}
		l, err := parseFloat(fields[i+1])
		if err != nil {
			return nil, err
		}
		spurs = append(spurs, Spur{FrequencyHz: f, LevelDBm: l})
	}
	return spurs, nil
}

// lastField returns the answer to the last query of a compound command.
func lastField(resp string) string {
	if i := strings.LastIndexByte(resp, ';'); i >= 0 {
		resp = resp[i+1:]
	}
	return strings.TrimSpace(resp)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedResponse, s)
	}
	return v, nil
}

func parseBusy(resp string) (bool, error) {
	s := lastField(resp)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false, fmt.Errorf("%w: status %q", ErrMalformedResponse, s)
	}
	return int64(v)&measuringBit != 0, nil
}
