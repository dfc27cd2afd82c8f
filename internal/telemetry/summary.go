package telemetry

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/rjboer/rfsweep/internal/results"
)

// PrintSummary writes a per-family outcome table for a finished run.
func PrintSummary(w io.Writer, snap results.Snapshot, outputs []string) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	cyan.Fprintf(w, "\n=== Sweep run %s ===\n\n", snap.RunID)

	families := snap.Ordered()
	if len(families) == 0 {
		yellow.Fprintf(w, "  Nothing was run.\n")
	}
	for _, f := range families {
		fr := snap.Families[f]
		counts := results.CountByStatus(fr.Records)

		cyan.Fprintf(w, "%s:\n", f)
		fmt.Fprintf(w, "  Points: %d\n", len(fr.Records))
		fmt.Fprintf(w, "  OK: ")
		green.Fprintf(w, "%d\n", counts[results.StatusOK])
		if n := counts[results.StatusFailed]; n > 0 {
			fmt.Fprintf(w, "  Failed: ")
			red.Fprintf(w, "%d\n", n)
		}
		if n := counts[results.StatusConnectionFailed]; n > 0 {
			fmt.Fprintf(w, "  Connection failed: ")
			red.Fprintf(w, "%d\n", n)
		}
		if n := len(fr.Skipped); n > 0 {
			fmt.Fprintf(w, "  Skipped entries: ")
			yellow.Fprintf(w, "%d\n", n)
		}
		for _, s := range results.Summarize(fr.Records) {
			fmt.Fprintf(w, "  %-16s mean %9.2f  min %9.2f  max %9.2f  (n=%d)\n", s.Metric, s.Mean, s.Min, s.Max, s.Count)
		}
	}

	if len(outputs) > 0 {
		fmt.Fprintf(w, "\n")
		cyan.Fprintf(w, "Output:\n")
		for _, p := range outputs {
			fmt.Fprintf(w, "  %s\n", p)
		}
	}
}
