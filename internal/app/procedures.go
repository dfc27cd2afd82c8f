package app

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/rjboer/rfsweep/internal/instrument"
	"github.com/rjboer/rfsweep/internal/results"
	"github.com/rjboer/rfsweep/internal/sweep"
)

// Setup holds the one-off preparation times of a family.
type Setup struct {
	VSG time.Duration
	VSA time.Duration
}

// Procedure is the measurement recipe of one test family.
type Procedure interface {
	Family() sweep.Family
	// Prepare resets both instruments and selects the analyzer personality.
	Prepare(ctx context.Context, b *Bench) (Setup, error)
	ConfigureVSG(ctx context.Context, b *Bench, p sweep.SweepPoint) error
	ConfigureVSA(ctx context.Context, b *Bench, p sweep.SweepPoint) error
	// Measure triggers the analyzer and fills rec with the readings.
	Measure(ctx context.Context, b *Bench, p sweep.SweepPoint, rec *results.Record) error
}

// ProcedureFor returns the recipe for family.
func ProcedureFor(family sweep.Family) (Procedure, error) {
	switch family {
	case sweep.LTE:
		return LTEProcedure{}, nil
	case sweep.NR:
		return NRProcedure{}, nil
	case sweep.STN:
		return STNProcedure{}, nil
	case sweep.Spur:
		return SpurProcedure{}, nil
	default:
		return nil, fmt.Errorf("no procedure for family %q", family)
	}
}

func prepare(ctx context.Context, b *Bench, mode string) (Setup, error) {
	var s Setup

	start := time.Now()
	if err := b.VSG.Reset(ctx); err != nil {
		return s, fmt.Errorf("vsg reset: %w", err)
	}
	s.VSG = time.Since(start)

	start = time.Now()
	if err := b.VSA.Reset(ctx); err != nil {
		return s, fmt.Errorf("vsa reset: %w", err)
	}
	if err := b.VSA.SetMode(ctx, mode); err != nil {
		return s, fmt.Errorf("vsa mode: %w", err)
	}
	s.VSA = time.Since(start)
	return s, nil
}

// configureGenerator is shared by every family: waveform, offset, carrier
// frequency, level and RF on.
func configureGenerator(ctx context.Context, b *Bench, p sweep.SweepPoint) error {
	offset, _, err := b.offsets(p)
	if err != nil {
		return err
	}
	if err := b.loadWaveform(ctx, p.Params.Waveform); err != nil {
		return fmt.Errorf("vsg waveform: %w", err)
	}
	if err := b.setVSGOffset(ctx, offset); err != nil {
		return fmt.Errorf("vsg offset: %w", err)
	}
	if err := b.VSG.SetFrequency(ctx, p.FrequencyHz); err != nil {
		return fmt.Errorf("vsg frequency: %w", err)
	}
	if p.PowerDBm != nil {
		if err := b.VSG.SetPower(ctx, *p.PowerDBm); err != nil {
			return fmt.Errorf("vsg power: %w", err)
		}
	}
	if err := b.VSG.RFOn(ctx); err != nil {
		return fmt.Errorf("vsg rf on: %w", err)
	}
	return nil
}

func tuneAnalyzer(ctx context.Context, b *Bench, p sweep.SweepPoint) error {
	_, offset, err := b.offsets(p)
	if err != nil {
		return err
	}
	if err := b.setVSAOffset(ctx, offset); err != nil {
		return fmt.Errorf("vsa offset: %w", err)
	}
	if err := b.VSA.SetCenter(ctx, p.FrequencyHz); err != nil {
		return fmt.Errorf("vsa center: %w", err)
	}
	return nil
}

// cellular is the LTE/NR modulation-accuracy recipe.
type cellular struct{}

func (cellular) ConfigureVSG(ctx context.Context, b *Bench, p sweep.SweepPoint) error {
	return configureGenerator(ctx, b, p)
}

func (cellular) Measure(ctx context.Context, b *Bench, p sweep.SweepPoint, rec *results.Record) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	if err := readCellular(ctx, b, p.Params, rec.Metrics, 0); err != nil {
		return err
	}
	if len(p.Params.EVMAverages) > 0 {
		return averagedSweep(ctx, b, p.Params, rec.Metrics)
	}
	return nil
}

// readCellular stores the readings enabled in params. n > 0 files them
// under the averaged metric names.
func readCellular(ctx context.Context, b *Bench, params sweep.Params, m map[string]float64, n int) error {
	name := func(metric string) string {
		if n > 0 {
			return results.Averaged(metric, n)
		}
		return metric
	}
	if params.MeasureChannelPower {
		v, err := b.VSA.ChannelPower(ctx)
		if err != nil {
			return fmt.Errorf("channel power: %w", err)
		}
		m[name(results.MetricChannelPower)] = v
	}
	if params.MeasureACLR {
		start := time.Now()
		lower, upper, err := b.VSA.ACLR(ctx)
		if err != nil {
			return fmt.Errorf("aclr: %w", err)
		}
		m[name(results.MetricACLRLower)] = lower
		m[name(results.MetricACLRUpper)] = upper
		m[name(results.MetricACLRTime)] = time.Since(start).Seconds()
	}
	if params.MeasureEVM || n > 0 {
		start := time.Now()
		v, err := b.VSA.EVM(ctx)
		if err != nil {
			return fmt.Errorf("evm: %w", err)
		}
		m[name(results.MetricEVM)] = v
		m[name(results.MetricEVMTime)] = time.Since(start).Seconds()
	}
	return nil
}

// averagedSweep repeats the acquisition once per noise-cancellation count.
// Averaging is switched off again on every exit. The EVM time of each pass
// includes its acquisition.
func averagedSweep(ctx context.Context, b *Bench, params sweep.Params, m map[string]float64) (err error) {
	defer func() {
		if off := b.VSA.SetAveraging(ctx, 0); off != nil && err == nil {
			err = fmt.Errorf("averaging off: %w", off)
		}
	}()
	for _, n := range params.EVMAverages {
		if err := b.VSA.SetAveraging(ctx, n); err != nil {
			return fmt.Errorf("averaging %d: %w", n, err)
		}
		start := time.Now()
		if err := b.Acquire(ctx); err != nil {
			return fmt.Errorf("averaging %d: %w", n, err)
		}
		acquire := time.Since(start).Seconds()
		if err := readCellular(ctx, b, params, m, n); err != nil {
			return fmt.Errorf("averaging %d: %w", n, err)
		}
		m[results.Averaged(results.MetricEVMTime, n)] += acquire
	}
	return nil
}

// LTEProcedure measures LTE carriers.
type LTEProcedure struct{ cellular }

func (LTEProcedure) Family() sweep.Family { return sweep.LTE }

func (LTEProcedure) Prepare(ctx context.Context, b *Bench) (Setup, error) {
	return prepare(ctx, b, instrument.ModeLTE)
}

func (LTEProcedure) ConfigureVSA(ctx context.Context, b *Bench, p sweep.SweepPoint) error {
	if err := tuneAnalyzer(ctx, b, p); err != nil {
		return err
	}
	if err := b.setBandwidth(ctx, p.Params.BandwidthHz); err != nil {
		return fmt.Errorf("vsa bandwidth: %w", err)
	}
	return nil
}

// NRProcedure measures 5G NR carriers.
type NRProcedure struct{ cellular }

func (NRProcedure) Family() sweep.Family { return sweep.NR }

func (NRProcedure) Prepare(ctx context.Context, b *Bench) (Setup, error) {
	return prepare(ctx, b, instrument.ModeNR)
}

func (NRProcedure) ConfigureVSA(ctx context.Context, b *Bench, p sweep.SweepPoint) error {
	if err := tuneAnalyzer(ctx, b, p); err != nil {
		return err
	}
	if err := b.setBandwidth(ctx, p.Params.BandwidthHz); err != nil {
		return fmt.Errorf("vsa bandwidth: %w", err)
	}
	if err := b.setSubcarrierSpacing(ctx, p.Params.SCSkHz); err != nil {
		return fmt.Errorf("vsa subcarrier spacing: %w", err)
	}
	return nil
}

// STNProcedure reads the noise floor with a marker, averaging over
// Params.Iterations acquisitions.
type STNProcedure struct{}

func (STNProcedure) Family() sweep.Family { return sweep.STN }

func (STNProcedure) Prepare(ctx context.Context, b *Bench) (Setup, error) {
	return prepare(ctx, b, instrument.ModeSpectrum)
}

func (STNProcedure) ConfigureVSG(ctx context.Context, b *Bench, p sweep.SweepPoint) error {
	return configureGenerator(ctx, b, p)
}

func (STNProcedure) ConfigureVSA(ctx context.Context, b *Bench, p sweep.SweepPoint) error {
	if err := tuneAnalyzer(ctx, b, p); err != nil {
		return err
	}
	if err := b.setRBW(ctx, p.Params.RBWHz); err != nil {
		return fmt.Errorf("vsa rbw: %w", err)
	}
	return nil
}

func (STNProcedure) Measure(ctx context.Context, b *Bench, p sweep.SweepPoint, rec *results.Record) error {
	n := p.Params.Iterations
	if n < 1 {
		n = 1
	}
	readings := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if err := b.Acquire(ctx); err != nil {
			return fmt.Errorf("iteration %d: %w", i+1, err)
		}
		v, err := b.VSA.Noise(ctx)
		if err != nil {
			return fmt.Errorf("noise iteration %d: %w", i+1, err)
		}
		readings = append(readings, v)
	}
	rec.Metrics[results.MetricNoise] = stat.Mean(readings, nil)
	if n > 1 {
		rec.Metrics[results.MetricNoiseStdDev] = stat.StdDev(readings, nil)
	}
	return nil
}

// SpurProcedure searches a span around the fundamental and keeps every spur
// above the configured limit.
type SpurProcedure struct{}

func (SpurProcedure) Family() sweep.Family { return sweep.Spur }

func (SpurProcedure) Prepare(ctx context.Context, b *Bench) (Setup, error) {
	return prepare(ctx, b, instrument.ModeSpectrum)
}

func (SpurProcedure) ConfigureVSG(ctx context.Context, b *Bench, p sweep.SweepPoint) error {
	return configureGenerator(ctx, b, p)
}

func (SpurProcedure) ConfigureVSA(ctx context.Context, b *Bench, p sweep.SweepPoint) error {
	if err := tuneAnalyzer(ctx, b, p); err != nil {
		return err
	}
	if err := b.setSpan(ctx, p.Params.SpanHz); err != nil {
		return fmt.Errorf("vsa span: %w", err)
	}
	if err := b.setRBW(ctx, p.Params.RBWHz); err != nil {
		return fmt.Errorf("vsa rbw: %w", err)
	}
	return nil
}

func (SpurProcedure) Measure(ctx context.Context, b *Bench, p sweep.SweepPoint, rec *results.Record) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	table, err := b.VSA.Spurs(ctx)
	if err != nil {
		return fmt.Errorf("spur table: %w", err)
	}
	for _, s := range table {
		if s.LevelDBm <= p.Params.SpurLimitDBm {
			continue
		}
		rec.Spurs = append(rec.Spurs, results.Spur{FrequencyHz: s.FrequencyHz, LevelDBm: s.LevelDBm})
		if w, ok := rec.Metrics[results.MetricWorstSpur]; !ok || s.LevelDBm > w {
			rec.Metrics[results.MetricWorstSpur] = s.LevelDBm
		}
	}
	rec.Metrics[results.MetricSpurCount] = float64(len(rec.Spurs))
	return nil
}
