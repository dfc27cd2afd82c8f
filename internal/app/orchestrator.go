package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rjboer/rfsweep/internal/calibration"
	"github.com/rjboer/rfsweep/internal/config"
	"github.com/rjboer/rfsweep/internal/instrument"
	"github.com/rjboer/rfsweep/internal/link"
	"github.com/rjboer/rfsweep/internal/logging"
	"github.com/rjboer/rfsweep/internal/results"
	"github.com/rjboer/rfsweep/internal/sweep"
	"github.com/rjboer/rfsweep/internal/telemetry"
)

// Link names used for the generator and analyzer sessions.
const (
	VSGName = "vsg"
	VSAName = "vsa"
)

// Session is an instrument link the orchestrator can open and close per
// family. *link.Link satisfies it.
type Session interface {
	instrument.Conn
	Connect(ctx context.Context) error
	Close() error
}

// Config captures orchestration timing.
type Config struct {
	// MeasureTimeout bounds one triggered acquisition.
	MeasureTimeout time.Duration
	// PollInterval is the wait between operation-status queries.
	PollInterval time.Duration
	// Calibration, when set, supplies the per-frequency offsets and
	// replaces the offsets given on the test entries.
	Calibration *calibration.Table
}

func (c Config) withDefaults() Config {
	if c.MeasureTimeout <= 0 {
		c.MeasureTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

// Orchestrator runs the enabled test families in fixed order against one
// VSG/VSA pair and feeds every outcome to the aggregator.
type Orchestrator struct {
	vsg      Session
	vsa      Session
	vocab    *instrument.Vocabulary
	agg      *results.Aggregator
	reporter telemetry.Reporter
	logger   logging.Logger
	cfg      Config
}

// NewOrchestrator wires the instrument sessions to an aggregator. A nil
// vocabulary selects the built-in command set.
func NewOrchestrator(vsg, vsa Session, vocab *instrument.Vocabulary, agg *results.Aggregator, reporter telemetry.Reporter, logger logging.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	if vocab == nil {
		vocab = instrument.DefaultVocabulary()
	}
	if agg == nil {
		agg = results.NewAggregator()
	}
	return &Orchestrator{
		vsg:      vsg,
		vsa:      vsa,
		vocab:    vocab,
		agg:      agg,
		reporter: reporter,
		logger:   logger.With(logging.F("subsystem", "orchestrator")),
		cfg:      cfg.withDefaults(),
	}
}

// Results returns the aggregator the run writes to.
func (o *Orchestrator) Results() *results.Aggregator { return o.agg }

// Run executes every family of plan. Per-point failures are recorded, not
// returned; the only error is the context's once it is cancelled, after the
// point in flight has been recorded and the instruments made safe.
func (o *Orchestrator) Run(ctx context.Context, plan *config.Plan) error {
	start := time.Now()
	o.logger.Info("run started", logging.F("run_id", o.agg.RunID()))

	for _, family := range sweep.Families {
		if err := ctx.Err(); err != nil {
			o.logger.Warn("run cancelled", logging.F("before_family", family))
			return err
		}
		cases := plan.Cases[family]
		if len(cases) == 0 {
			continue
		}

		proc, err := ProcedureFor(family)
		if err != nil {
			return err
		}
		points, skipped := sweep.ExpandFamily(family, cases, o.logger)
		for _, s := range skipped {
			o.agg.Skip(s)
		}
		if len(points) == 0 {
			o.logger.Info("family has no points to measure", logging.F("family", family), logging.F("skipped", len(skipped)))
			continue
		}
		if err := o.runFamily(ctx, proc, points); err != nil {
			return err
		}
	}

	o.logger.Info("run finished", logging.F("duration", time.Since(start)))
	return nil
}

func (o *Orchestrator) runFamily(ctx context.Context, proc Procedure, points []sweep.SweepPoint) error {
	family := proc.Family()
	log := o.logger.With(logging.F("family", family))
	log.Info("family started", logging.F("points", len(points)))
	start := time.Now()

	// Instrument traffic is never interrupted mid-exchange; cancellation is
	// honoured between points.
	work := context.WithoutCancel(ctx)

	bench, err := o.open(work, log)
	if err != nil {
		log.Error("instruments unreachable, family not measured", logging.F("error", err))
		o.failRemaining(points, len(points), results.StatusConnectionFailed, err.Error())
		return nil
	}
	defer o.close(log)
	defer o.safeState(work, bench, log)

	setup, err := proc.Prepare(work, bench)
	if err != nil {
		status := classify(err)
		log.Error("family setup failed", logging.F("error", err))
		o.checkErrorQueue(work, bench, err, log)
		o.failRemaining(points, len(points), status, "setup: "+err.Error())
		return nil
	}
	o.agg.SetSetup(family, results.SetupVSG, setup.VSG)
	o.agg.SetSetup(family, results.SetupVSA, setup.VSA)
	log.Debug("family prepared", logging.F("vsg_setup", setup.VSG), logging.F("vsa_setup", setup.VSA))

	for i, p := range points {
		if err := ctx.Err(); err != nil {
			log.Warn("run cancelled, remaining points not attempted", logging.F("remaining", len(points)-i))
			return err
		}
		rec := o.measurePoint(work, proc, bench, p, len(points), log)
		if rec.Status == results.StatusConnectionFailed {
			log.Error("instrument connection lost, abandoning family", logging.F("remaining", len(points)-i-1))
			o.failRemaining(points[i+1:], len(points), results.StatusConnectionFailed, "connection lost: "+rec.Error)
			return nil
		}
	}

	log.Info("family finished", logging.F("duration", time.Since(start)))
	return nil
}

func (o *Orchestrator) measurePoint(ctx context.Context, proc Procedure, bench *Bench, p sweep.SweepPoint, total int, log logging.Logger) results.Record {
	plog := log.With(logging.F("point", p.Index), logging.F("frequency_hz", p.FrequencyHz))
	bench.logger = plog
	rec := results.NewRecord(p)
	start := time.Now()

	err := o.runSteps(ctx, proc, bench, p, &rec)

	bench.transition(StateRecording)
	rec.ElapsedS = time.Since(start).Seconds()
	if err != nil {
		rec.Status = classify(err)
		rec.Error = err.Error()
		rec.Metrics = map[string]float64{}
		rec.Spurs = nil
		plog.Warn("point failed", logging.F("error", err))
		o.checkErrorQueue(ctx, bench, err, plog)
	} else {
		rec.Status = results.StatusOK
	}
	o.record(rec, total)
	bench.transition(StateDone)
	return rec
}

func (o *Orchestrator) runSteps(ctx context.Context, proc Procedure, bench *Bench, p sweep.SweepPoint, rec *results.Record) error {
	bench.transition(StateConfiguringVSG)
	if err := proc.ConfigureVSG(ctx, bench, p); err != nil {
		return err
	}
	bench.transition(StateConfiguringVSA)
	if err := proc.ConfigureVSA(ctx, bench, p); err != nil {
		return err
	}
	return proc.Measure(ctx, bench, p, rec)
}

func (o *Orchestrator) record(rec results.Record, total int) {
	o.agg.Record(rec)
	if o.reporter != nil {
		o.reporter.Report(telemetry.EventFromRecord(o.agg.RunID(), rec, total))
	}
}

func (o *Orchestrator) failRemaining(points []sweep.SweepPoint, total int, status results.Status, msg string) {
	for _, p := range points {
		rec := results.NewRecord(p)
		rec.Status = status
		rec.Error = msg
		o.record(rec, total)
	}
}

func (o *Orchestrator) open(ctx context.Context, log logging.Logger) (*Bench, error) {
	if err := o.vsg.Connect(ctx); err != nil {
		return nil, fmt.Errorf("vsg: %w", err)
	}
	if err := o.vsa.Connect(ctx); err != nil {
		if cerr := o.vsg.Close(); cerr != nil {
			log.Warn("close vsg", logging.F("error", cerr))
		}
		return nil, fmt.Errorf("vsa: %w", err)
	}

	b := &Bench{
		VSG:            instrument.NewVSG(o.vsg, o.vocab),
		VSA:            instrument.NewVSA(o.vsa, o.vocab),
		measureTimeout: o.cfg.MeasureTimeout,
		pollInterval:   o.cfg.PollInterval,
		cal:            o.cfg.Calibration,
		logger:         log,
	}
	o.identify(ctx, VSGName, b.VSG.Identify, log)
	o.identify(ctx, VSAName, b.VSA.Identify, log)
	return b, nil
}

func (o *Orchestrator) identify(ctx context.Context, name string, query func(context.Context) (string, error), log logging.Logger) {
	idn, err := query(ctx)
	if err != nil {
		log.Warn("identify failed", logging.F("instrument", name), logging.F("error", err))
		return
	}
	log.Info("instrument connected", logging.F("instrument", name), logging.F("idn", idn))
}

// safeState turns the generator output off and returns the analyzer to
// continuous sweeping. Failures are logged only.
func (o *Orchestrator) safeState(ctx context.Context, b *Bench, log logging.Logger) {
	if err := b.VSG.RFOff(ctx); err != nil {
		log.Warn("vsg rf off failed", logging.F("error", err))
	}
	if err := b.VSA.Continuous(ctx); err != nil {
		log.Warn("vsa continuous mode failed", logging.F("error", err))
	}
}

func (o *Orchestrator) close(log logging.Logger) {
	if err := o.vsa.Close(); err != nil {
		log.Warn("close vsa", logging.F("error", err))
	}
	if err := o.vsg.Close(); err != nil {
		log.Warn("close vsg", logging.F("error", err))
	}
}

// checkErrorQueue reads the error queue of the instrument that reported a
// device error, once, so the log carries its full text.
func (o *Orchestrator) checkErrorQueue(ctx context.Context, b *Bench, err error, log logging.Logger) {
	if !errors.Is(err, link.ErrDevice) {
		return
	}
	var le *link.Error
	if !errors.As(err, &le) {
		return
	}
	var (
		queue string
		qerr  error
	)
	switch le.Link {
	case VSGName:
		queue, qerr = b.VSG.ErrorQueue(ctx)
	case VSAName:
		queue, qerr = b.VSA.ErrorQueue(ctx)
	default:
		return
	}
	if qerr != nil {
		log.Warn("error queue unavailable", logging.F("instrument", le.Link), logging.F("error", qerr))
		return
	}
	log.Warn("instrument error queue", logging.F("instrument", le.Link), logging.F("queue", queue))
}

func classify(err error) results.Status {
	if errors.Is(err, link.ErrConnection) {
		return results.StatusConnectionFailed
	}
	return results.StatusFailed
}
