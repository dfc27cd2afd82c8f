package telemetry

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/rjboer/rfsweep/internal/logging"
	"github.com/rjboer/rfsweep/internal/results"
	"github.com/rjboer/rfsweep/internal/sweep"
)

func TestHubHistoryLimit(t *testing.T) {
	hub := NewHub(3)
	for i := 0; i < 5; i++ {
		hub.Report(Event{Family: sweep.STN, Index: i})
	}
	hist := hub.History()
	if len(hist) != 3 {
		t.Fatalf("expected 3 events, got %d", len(hist))
	}
	if hist[0].Index != 2 || hist[2].Index != 4 {
		t.Fatalf("expected newest events, got %+v", hist)
	}
}

func TestHubSubscribe(t *testing.T) {
	hub := NewHub(0)
	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Report(Event{Family: sweep.LTE, Index: 7, Status: results.StatusOK})

	select {
	case ev := <-ch:
		if ev.Index != 7 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
	hub.Report(Event{Index: 8})
}

func TestMultiReporterSkipsNil(t *testing.T) {
	a, b := NewHub(0), NewHub(0)
	MultiReporter{a, nil, b}.Report(Event{Index: 1})
	if len(a.History()) != 1 || len(b.History()) != 1 {
		t.Fatal("expected both hubs to receive the event")
	}
}

func TestStdoutReporterFields(t *testing.T) {
	var buf bytes.Buffer
	r := NewStdoutReporter(logging.New(logging.Debug, logging.JSON, &buf))

	p := -10.0
	r.Report(Event{
		Family: sweep.LTE, Index: 0, Total: 4, FrequencyHz: 6.201e9, PowerDBm: &p,
		Status: results.StatusOK, Metrics: map[string]float64{results.MetricChannelPower: -10.5},
	})
	r.Report(Event{Family: sweep.LTE, Index: 1, Total: 4, Status: results.StatusFailed, Error: "instrument timeout"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first["point"] != "1/4" || first["ch_pwr_dbm"] != -10.5 || first["power_dbm"] != -10.0 {
		t.Fatalf("unexpected fields %v", first)
	}
	if !strings.Contains(lines[1], `"level":"warn"`) || !strings.Contains(lines[1], "instrument timeout") {
		t.Fatalf("failed point should log a warning: %s", lines[1])
	}
}

func TestPrintSummary(t *testing.T) {
	color.NoColor = true

	agg := results.NewAggregator()
	ok := results.NewRecord(sweep.SweepPoint{Family: sweep.LTE})
	ok.Status = results.StatusOK
	ok.Metrics[results.MetricChannelPower] = -10
	agg.Record(ok)
	bad := results.NewRecord(sweep.SweepPoint{Family: sweep.LTE, Index: 1})
	bad.Status = results.StatusConnectionFailed
	agg.Record(bad)
	agg.Skip(sweep.Skipped{Family: sweep.NR, Reason: sweep.ReasonDisabled})

	var buf bytes.Buffer
	PrintSummary(&buf, agg.Snapshot(), []string{"results/out.json"})
	out := buf.String()

	for _, want := range []string{"lte:", "Points: 2", "OK: 1", "Connection failed: 1", "nr5g:", "Skipped entries: 1", "ch_pwr_dbm", "results/out.json"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
}
