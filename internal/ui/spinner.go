package ui

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Spinner animates a label while an indeterminate step runs, such as
// dialing the target or waiting for workers to drain.
type Spinner struct {
	ui    *UI
	label string

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// NewSpinner creates a spinner; nothing is drawn until Start.
func (u *UI) NewSpinner(label string) *Spinner {
	return &Spinner{ui: u, label: label, done: make(chan struct{})}
}

// Start begins the animation. Without a styled terminal the label is
// printed once.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	if !s.ui.shouldStyle() {
		fmt.Fprintf(s.ui.Out, "%s...", s.label)
		return
	}

	s.wg.Add(1)
	go s.animate()
}

func (s *Spinner) animate() {
	defer s.wg.Done()
	style := lipgloss.NewStyle().Foreground(ColorPrimary)
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for frame := 0; ; frame = (frame + 1) % len(spinnerFrames) {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			fmt.Fprintf(s.ui.Out, "\r%s %s...", style.Render(spinnerFrames[frame]), s.label)
		}
	}
}

// halt stops the animation and reports whether this call did so.
func (s *Spinner) halt() bool {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return false
	}
	s.stopped = true
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	return true
}

// Stop clears the spinner without a final status.
func (s *Spinner) Stop() {
	if s.halt() {
		fmt.Fprint(s.ui.Out, s.ui.ClearLine())
		if !s.ui.shouldStyle() {
			fmt.Fprintln(s.ui.Out)
		}
	}
}

// Success stops the spinner and shows msg after the label.
func (s *Spinner) Success(msg string) {
	s.finish(StyleSuccess.Render(SymbolSuccess), lipgloss.NewStyle(), msg)
}

// Error stops the spinner and shows msg as a failure.
func (s *Spinner) Error(msg string) {
	s.finish(StyleError.Render(SymbolError), StyleError, msg)
}

func (s *Spinner) finish(symbol string, style lipgloss.Style, msg string) {
	if !s.halt() {
		return
	}
	if !s.ui.shouldStyle() {
		fmt.Fprintf(s.ui.Out, " %s\n", msg)
		return
	}
	fmt.Fprintf(s.ui.Out, "\r\033[K%s %s... %s\n", symbol, s.label, style.Render(msg))
}
