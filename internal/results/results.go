// Package results collects measurement records for one run.
package results

import (
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rjboer/rfsweep/internal/sweep"
)

// Status is the outcome of one attempted sweep point.
type Status string

const (
	StatusOK               Status = "ok"
	StatusFailed           Status = "failed"
	StatusConnectionFailed Status = "connection_failed"
)

// Metric names.
const (
	MetricChannelPower = "ch_pwr_dbm"
	MetricACLRLower    = "aclr_lower_db"
	MetricACLRUpper    = "aclr_upper_db"
	MetricEVM          = "evm_db"
	MetricNoise        = "noise_dbm_hz"
	MetricNoiseStdDev  = "noise_stddev_db"
	MetricSpurCount    = "spur_count"
	MetricWorstSpur    = "worst_spur_dbm"
	MetricEVMTime      = "evm_time_s"
	MetricACLRTime     = "aclr_time_s"
)

// Averaged names a metric read with noise-cancellation averaging over n
// acquisitions, e.g. "evm_db_avg10".
func Averaged(metric string, n int) string {
	return metric + "_avg" + strconv.Itoa(n)
}

// Setup time keys recorded once per family.
const (
	SetupVSG = "vsg_setup_s"
	SetupVSA = "vsa_setup_s"
)

// Spur is one reported spurious emission.
type Spur struct {
	FrequencyHz float64 `json:"frequency_hz"`
	LevelDBm    float64 `json:"level_dbm"`
}

// Record is the outcome of one sweep point.
type Record struct {
	Family      sweep.Family       `json:"family"`
	Index       int                `json:"sweep_index"`
	Entry       int                `json:"entry_index"`
	FrequencyHz float64            `json:"frequency_hz"`
	PowerDBm    *float64           `json:"power_dbm"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Spurs       []Spur             `json:"spurs,omitempty"`
	Status      Status             `json:"status"`
	Error       string             `json:"error,omitempty"`
	ElapsedS    float64            `json:"elapsed_s"`
}

// NewRecord starts a record for p with no metrics.
func NewRecord(p sweep.SweepPoint) Record {
	return Record{
		Family:      p.Family,
		Index:       p.Index,
		Entry:       p.Entry,
		FrequencyHz: p.FrequencyHz,
		PowerDBm:    p.PowerDBm,
		Metrics:     map[string]float64{},
	}
}

// FamilyResult holds everything recorded for one family.
type FamilyResult struct {
	Records []Record           `json:"records"`
	Skipped []sweep.Skipped    `json:"skipped,omitempty"`
	Setup   map[string]float64 `json:"setup,omitempty"`
}

// Snapshot is a frozen copy of the aggregator state.
type Snapshot struct {
	RunID    string                        `json:"run_id"`
	Started  time.Time                     `json:"started"`
	Families map[sweep.Family]FamilyResult `json:"families"`
}

// Ordered returns the families present in execution order.
func (s Snapshot) Ordered() []sweep.Family {
	var out []sweep.Family
	for _, f := range sweep.Families {
		if _, ok := s.Families[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Aggregator collects records in arrival order. It never deduplicates.
type Aggregator struct {
	mu       sync.RWMutex
	runID    string
	started  time.Time
	families map[sweep.Family]*FamilyResult
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		runID:    uuid.NewString(),
		started:  time.Now(),
		families: make(map[sweep.Family]*FamilyResult),
	}
}

// RunID identifies this run in output files and logs.
func (a *Aggregator) RunID() string { return a.runID }

func (a *Aggregator) family(f sweep.Family) *FamilyResult {
	fr, ok := a.families[f]
	if !ok {
		fr = &FamilyResult{}
		a.families[f] = fr
	}
	return fr
}

// Record appends r to its family.
func (a *Aggregator) Record(r Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fr := a.family(r.Family)
	fr.Records = append(fr.Records, r)
}

// Skip notes an entry that produced no points.
func (a *Aggregator) Skip(s sweep.Skipped) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fr := a.family(s.Family)
	fr.Skipped = append(fr.Skipped, s)
}

// SetSetup stores a per-family setup duration.
func (a *Aggregator) SetSetup(f sweep.Family, key string, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fr := a.family(f)
	if fr.Setup == nil {
		fr.Setup = make(map[string]float64)
	}
	fr.Setup[key] = d.Seconds()
}

// Records returns a copy of the records of one family.
func (a *Aggregator) Records(f sweep.Family) []Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	fr, ok := a.families[f]
	if !ok {
		return nil
	}
	return cloneRecords(fr.Records)
}

// Snapshot returns a deep copy safe to use after further Record calls.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := Snapshot{
		RunID:    a.runID,
		Started:  a.started,
		Families: make(map[sweep.Family]FamilyResult, len(a.families)),
	}
	for f, fr := range a.families {
		cp := FamilyResult{
			Records: cloneRecords(fr.Records),
			Skipped: append([]sweep.Skipped(nil), fr.Skipped...),
		}
		if fr.Setup != nil {
			cp.Setup = maps.Clone(fr.Setup)
		}
		snap.Families[f] = cp
	}
	return snap
}

func cloneRecords(in []Record) []Record {
	out := make([]Record, len(in))
	for i, r := range in {
		r.Metrics = maps.Clone(r.Metrics)
		r.Spurs = append([]Spur(nil), r.Spurs...)
		if r.PowerDBm != nil {
			p := *r.PowerDBm
			r.PowerDBm = &p
		}
		out[i] = r
	}
	return out
}
