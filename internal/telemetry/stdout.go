package telemetry

import (
	"fmt"
	"sort"

	"github.com/rjboer/rfsweep/internal/logging"
	"github.com/rjboer/rfsweep/internal/results"
)

// StdoutReporter logs every finished point.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger}
}

func (r StdoutReporter) Report(ev Event) {
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "family", Value: ev.Family},
		{Key: "point", Value: fmt.Sprintf("%d/%d", ev.Index+1, ev.Total)},
		{Key: "frequency_hz", Value: ev.FrequencyHz},
	}
	if ev.PowerDBm != nil {
		fields = append(fields, logging.Field{Key: "power_dbm", Value: *ev.PowerDBm})
	}

	keys := make([]string, 0, len(ev.Metrics))
	for k := range ev.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, logging.Field{Key: k, Value: ev.Metrics[k]})
	}

	if ev.Status != results.StatusOK {
		fields = append(fields, logging.Field{Key: "status", Value: ev.Status}, logging.Field{Key: "error", Value: ev.Error})
		r.logger.Warn("point failed", fields...)
		return
	}
	r.logger.Info("point measured", fields...)
}
