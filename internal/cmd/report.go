package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/willfong/workload-generator/internal/config"
	"github.com/willfong/workload-generator/internal/engine"
	"github.com/willfong/workload-generator/internal/stats"
	"github.com/willfong/workload-generator/internal/ui"
)

func describeDuration(d time.Duration) string {
	if d <= 0 {
		return "until stopped"
	}
	return d.String()
}

func describeRate(cfg *config.Config) string {
	if cfg.Run.Rate <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%.0f ops/sec per %s (%s)", cfg.Run.Rate, cfg.Run.RateScope, cfg.Run.RateMode)
}

// describeMix renders positive weights as percentages, e.g. "add 50%, delete 25%".
func describeMix(weights []engine.Weight) string {
	total := 0
	for _, w := range weights {
		total += w.Weight
	}
	if total == 0 {
		return "none"
	}
	parts := make([]string, 0, len(weights))
	for _, w := range weights {
		if w.Weight > 0 {
			parts = append(parts, fmt.Sprintf("%s %.0f%%", w.Kind, float64(w.Weight)*100/float64(total)))
		}
	}
	return strings.Join(parts, ", ")
}

func runStatus(sum engine.Summary, runErr error, interrupted bool) string {
	switch {
	case runErr != nil:
		return fmt.Sprintf("failed (%d of %d workers)", sum.WorkersFailed, len(sum.Workers))
	case interrupted:
		return "stopped by signal"
	default:
		return "success"
	}
}

// printReport prints the run summary, per-kind latency and result codes.
func printReport(u *ui.UI, sum engine.Summary, snap stats.Snapshot, runErr error, interrupted bool) {
	items := []ui.KV{
		{Key: "Status", Value: runStatus(sum, runErr, interrupted)},
		{Key: "Run ID", Value: sum.RunID},
		{Key: "Elapsed", Value: sum.Finished.Sub(sum.Started).Round(time.Millisecond).String()},
		{Key: "Operations", Value: fmt.Sprintf("%d total, %d measured", sum.Ops, snap.Ops)},
		{Key: "Failures", Value: fmt.Sprintf("%d", sum.Failures)},
		{Key: "Throughput", Value: fmt.Sprintf("%.1f ops/sec over %s", snap.Rate, snap.Elapsed.Round(time.Millisecond))},
		{Key: "Latency", Value: fmt.Sprintf("avg %s  p95 %s  p99 %s  max %s",
			roundLatency(snap.Mean), roundLatency(snap.P95), roundLatency(snap.P99), roundLatency(snap.Max))},
	}
	if sum.Skipped > 0 || sum.Substituted > 0 {
		items = append(items, ui.KV{Key: "Empty pool", Value: fmt.Sprintf("%d skipped, %d substituted", sum.Skipped, sum.Substituted)})
	}
	if snap.Exceeded > 0 {
		items = append(items, ui.KV{Key: "Over threshold", Value: fmt.Sprintf("%d", snap.Exceeded)})
	}
	items = append(items,
		ui.KV{Key: "Reconnects", Value: fmt.Sprintf("%d", sum.Reconnects)},
		ui.KV{Key: "Cleanup", Value: fmt.Sprintf("%d deleted, %d failed", sum.CleanupDeleted, sum.CleanupFailed)},
	)
	fmt.Println(u.SummaryBox("Run Complete", items))

	if len(snap.Kinds) > 0 {
		fmt.Println()
		fmt.Println(u.Table(kindHeaders, kindRows(snap)))
	}
	if len(snap.Codes) > 0 {
		rows := make([][]string, 0, len(snap.Codes))
		for _, c := range snap.Codes {
			rows = append(rows, []string{c.Code, fmt.Sprintf("%d", c.Count)})
		}
		fmt.Println(u.Table([]string{"Result", "Count"}, rows))
	}
	if runErr != nil {
		fmt.Println(u.Error(runErr.Error()))
	}
}

var kindHeaders = []string{"Operation", "Requested", "Count", "Failed", "Slow", "Mean", "p50", "p95", "p99", "Max"}

func kindRows(snap stats.Snapshot) [][]string {
	rows := make([][]string, 0, len(snap.Kinds))
	for _, k := range snap.Kinds {
		rows = append(rows, []string{
			k.Kind.String(),
			fmt.Sprintf("%d", snap.Requested[k.Kind]),
			fmt.Sprintf("%d", k.Count),
			fmt.Sprintf("%d", k.Failures),
			fmt.Sprintf("%d", k.Exceeded),
			roundLatency(k.Mean),
			roundLatency(k.P50),
			roundLatency(k.P95),
			roundLatency(k.P99),
			roundLatency(k.Max),
		})
	}
	return rows
}

func roundLatency(d time.Duration) string {
	switch {
	case d >= time.Second:
		return d.Round(time.Millisecond).String()
	case d >= time.Millisecond:
		return d.Round(10 * time.Microsecond).String()
	default:
		return d.Round(time.Microsecond).String()
	}
}
