package engine

import (
	"time"
)

// WindowPhase is the measurement phase of one worker.
type WindowPhase int

const (
	PhaseIdle WindowPhase = iota
	PhaseWarming
	PhaseCollecting
	PhaseCoolingDown
	PhaseStopped
)

func (p WindowPhase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseWarming:
		return "WARMING"
	case PhaseCollecting:
		return "COLLECTING"
	case PhaseCoolingDown:
		return "COOLING_DOWN"
	case PhaseStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// WindowConfig holds the timing inputs of a StatisticsWindow.
type WindowConfig struct {
	RunStart time.Time
	WarmUp   time.Duration
	CoolDown time.Duration
	// StopTime is the configured end of the run; zero means none.
	StopTime time.Time
}

// StatisticsWindow decides, from wall-clock comparisons only, whether the
// current iteration falls inside the collection window. Phases only move
// forward and each is entered at most once.
//
// A window is owned by a single worker and is not safe for concurrent use.
// When the cool-down reaches back past the end of the warm-up the window
// never collects; configuration validation is expected to reject that.
type StatisticsWindow struct {
	collectStart time.Time
	collectStop  time.Time
	bounded      bool

	phase WindowPhase

	onStart func(time.Time)
	onStop  func(time.Time)
}

// NewStatisticsWindow precomputes the collection boundaries.
func NewStatisticsWindow(cfg WindowConfig) *StatisticsWindow {
	w := &StatisticsWindow{
		collectStart: cfg.RunStart.Add(cfg.WarmUp),
		phase:        PhaseIdle,
	}
	if !cfg.StopTime.IsZero() && cfg.CoolDown > 0 {
		w.collectStop = cfg.StopTime.Add(-cfg.CoolDown)
		w.bounded = true
	}
	return w
}

// SetOnCollectionStart registers the hook fired when collection begins.
func (w *StatisticsWindow) SetOnCollectionStart(fn func(time.Time)) { w.onStart = fn }

// SetOnCollectionStop registers the hook fired when collection ends.
func (w *StatisticsWindow) SetOnCollectionStop(fn func(time.Time)) { w.onStop = fn }

// Phase returns the current phase.
func (w *StatisticsWindow) Phase() WindowPhase { return w.phase }

// CollectStart returns the first instant at which statistics are collected.
func (w *StatisticsWindow) CollectStart() time.Time { return w.collectStart }

// CollectStop returns the end of collection and whether one exists.
func (w *StatisticsWindow) CollectStop() (time.Time, bool) { return w.collectStop, w.bounded }

// Observe updates the phase for now and reports whether the iteration
// starting at now should be recorded.
func (w *StatisticsWindow) Observe(now time.Time) bool {
	if w.phase == PhaseStopped || w.phase == PhaseCoolingDown {
		return false
	}

	if now.Before(w.collectStart) {
		w.phase = PhaseWarming
		return false
	}

	if !w.bounded || now.Before(w.collectStop) {
		if w.phase != PhaseCollecting {
			w.phase = PhaseCollecting
			if w.onStart != nil {
				w.onStart(now)
			}
		}
		return true
	}

	w.leaveCollecting(now)
	w.phase = PhaseCoolingDown
	return false
}

// Stop ends the window, firing the stop hook if collection is still active.
// Calling Stop more than once has no further effect.
func (w *StatisticsWindow) Stop(now time.Time) {
	if w.phase == PhaseStopped {
		return
	}
	w.leaveCollecting(now)
	w.phase = PhaseStopped
}

func (w *StatisticsWindow) leaveCollecting(now time.Time) {
	if w.phase == PhaseCollecting && w.onStop != nil {
		w.onStop(now)
	}
}
