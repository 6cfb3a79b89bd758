package ui

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

// RunProgress draws a single status line for a running workload: a bar of
// elapsed against planned duration when the run is timed, followed by a
// caller-supplied detail such as current throughput.
type RunProgress struct {
	ui    *UI
	bar   progress.Model
	label string
	total time.Duration

	mu     sync.Mutex
	closed bool
}

// NewRunProgress creates a progress line. A zero total draws no bar.
func (u *UI) NewRunProgress(label string, total time.Duration) *RunProgress {
	return &RunProgress{
		ui: u,
		bar: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(30),
			progress.WithoutPercentage(),
		),
		label: label,
		total: total,
	}
}

// Update redraws the line. Without a styled terminal each update is
// printed as its own line.
func (p *RunProgress) Update(elapsed time.Duration, detail string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	clock := elapsed.Truncate(time.Second).String()
	if p.total > 0 {
		clock += "/" + p.total.String()
	}

	if !p.ui.shouldStyle() {
		fmt.Fprintf(p.ui.Out, "%s [%s] %s\n", p.label, clock, detail)
		return
	}

	labelStyle := lipgloss.NewStyle().Width(10).Foreground(ColorProgress)
	line := "  " + labelStyle.Render(p.label) + " "
	if p.total > 0 {
		line += p.bar.ViewAs(min(elapsed.Seconds()/p.total.Seconds(), 1)) + " "
	}
	line += StyleMuted.Render(clock) + "  " + detail
	fmt.Fprint(p.ui.Out, "\r\033[K"+line)
}

// Finish ends the line with msg, marking failure when failed is set.
func (p *RunProgress) Finish(msg string, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true

	if !p.ui.shouldStyle() {
		fmt.Fprintf(p.ui.Out, "%s: %s\n", p.label, msg)
		return
	}

	symbol, style := StyleSuccess.Render(SymbolSuccess), StyleSuccess
	if failed {
		symbol, style = StyleError.Render(SymbolError), StyleError
	}
	fmt.Fprintf(p.ui.Out, "\r\033[K%s %s %s\n", symbol, p.label, style.Render(msg))
}
