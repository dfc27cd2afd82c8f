package results

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// MetricSummary aggregates one metric over the records of a family.
type MetricSummary struct {
	Metric string  `json:"metric"`
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// Summarize computes per-metric statistics, sorted by metric name. Records
// without a metric do not contribute to it.
func Summarize(records []Record) []MetricSummary {
	values := make(map[string][]float64)
	for _, r := range records {
		for k, v := range r.Metrics {
			values[k] = append(values[k], v)
		}
	}

	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]MetricSummary, 0, len(names))
	for _, name := range names {
		xs := values[name]
		s := MetricSummary{
			Metric: name,
			Count:  len(xs),
			Min:    floats.Min(xs),
			Max:    floats.Max(xs),
			Mean:   stat.Mean(xs, nil),
		}
		if len(xs) > 1 {
			s.StdDev = stat.StdDev(xs, nil)
		}
		out = append(out, s)
	}
	return out
}

// CountByStatus tallies records per status.
func CountByStatus(records []Record) map[Status]int {
	out := make(map[Status]int, 3)
	for _, r := range records {
		out[r.Status]++
	}
	return out
}
