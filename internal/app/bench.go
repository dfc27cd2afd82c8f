package app

import (
	"context"
	"time"

	"github.com/rjboer/rfsweep/internal/calibration"
	"github.com/rjboer/rfsweep/internal/instrument"
	"github.com/rjboer/rfsweep/internal/logging"
	"github.com/rjboer/rfsweep/internal/sweep"
)

// State is a step of the per-point measurement state machine.
type State int

const (
	StateIdle State = iota
	StateConfiguringVSG
	StateConfiguringVSA
	StateAcquiring
	StateReading
	StateRecording
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguringVSG:
		return "configuring_vsg"
	case StateConfiguringVSA:
		return "configuring_vsa"
	case StateAcquiring:
		return "acquiring"
	case StateReading:
		return "reading"
	case StateRecording:
		return "recording"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Bench is the VSG/VSA pair handed to a procedure for one family. It
// remembers settings already applied so unchanged values are not re-sent.
type Bench struct {
	VSG *instrument.VSG
	VSA *instrument.VSA

	measureTimeout time.Duration
	pollInterval   time.Duration
	cal            *calibration.Table
	logger         logging.Logger

	waveform    string
	vsgOffset   *float64
	vsaOffset   *float64
	bandwidthHz float64
	scsKHz      float64
	rbwHz       float64
	spanHz      float64
}

func (b *Bench) transition(s State) {
	b.logger.Debug("state transition", logging.F("state", s.String()))
}

// Acquire runs one triggered measurement on the analyzer.
func (b *Bench) Acquire(ctx context.Context) error {
	b.transition(StateAcquiring)
	if err := b.VSA.Acquire(ctx, b.measureTimeout, b.pollInterval); err != nil {
		return err
	}
	b.transition(StateReading)
	return nil
}

// offsets returns the generator and analyzer offsets for p. A loaded
// calibration table takes precedence over the entry's own offsets.
func (b *Bench) offsets(p sweep.SweepPoint) (vsg, vsa float64, err error) {
	if b.cal == nil {
		return p.Params.VSGOffsetDB, p.Params.VSAOffsetDB, nil
	}
	return b.cal.Offsets(p.FrequencyHz)
}

func (b *Bench) loadWaveform(ctx context.Context, name string) error {
	if name == "" || name == b.waveform {
		return nil
	}
	if err := b.VSG.LoadWaveform(ctx, name); err != nil {
		return err
	}
	b.waveform = name
	return nil
}

func (b *Bench) setVSGOffset(ctx context.Context, db float64) error {
	if b.vsgOffset != nil && *b.vsgOffset == db {
		return nil
	}
	if b.vsgOffset == nil && db == 0 {
		return nil
	}
	if err := b.VSG.SetOffset(ctx, db); err != nil {
		return err
	}
	b.vsgOffset = &db
	return nil
}

func (b *Bench) setVSAOffset(ctx context.Context, db float64) error {
	if b.vsaOffset != nil && *b.vsaOffset == db {
		return nil
	}
	if b.vsaOffset == nil && db == 0 {
		return nil
	}
	if err := b.VSA.SetRefOffset(ctx, db); err != nil {
		return err
	}
	b.vsaOffset = &db
	return nil
}

func (b *Bench) setBandwidth(ctx context.Context, hz float64) error {
	if hz <= 0 || hz == b.bandwidthHz {
		return nil
	}
	if err := b.VSA.SetChannelBandwidth(ctx, hz); err != nil {
		return err
	}
	b.bandwidthHz = hz
	return nil
}

func (b *Bench) setSubcarrierSpacing(ctx context.Context, khz float64) error {
	if khz <= 0 || khz == b.scsKHz {
		return nil
	}
	if err := b.VSA.SetSubcarrierSpacing(ctx, khz); err != nil {
		return err
	}
	b.scsKHz = khz
	return nil
}

func (b *Bench) setRBW(ctx context.Context, hz float64) error {
	if hz <= 0 || hz == b.rbwHz {
		return nil
	}
	if err := b.VSA.SetRBW(ctx, hz); err != nil {
		return err
	}
	b.rbwHz = hz
	return nil
}

func (b *Bench) setSpan(ctx context.Context, hz float64) error {
	if hz <= 0 || hz == b.spanHz {
		return nil
	}
	if err := b.VSA.SetSpan(ctx, hz); err != nil {
		return err
	}
	b.spanHz = hz
	return nil
}
