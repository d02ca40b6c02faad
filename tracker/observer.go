package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/glacierdaw/glacier"
)

type (
	// TrackObserver is the per-track display projector. It subscribes once
	// at construction to the broker's broadcasts, discards events carrying
	// another track's identity and keeps just enough canonical inputs
	// (current state, latest outcome, latest progress) to answer display
	// queries. All display values are pure functions of those inputs,
	// recomputed on access, so no cached label can diverge from the
	// canonical state.
	//
	// Observers are read-only with respect to canonical state: they never
	// write it, they only react to broadcasts. Close unsubscribes and waits
	// for the consuming goroutine to finish.
	TrackObserver struct {
		broker *Broker
		coord  *Coordinator
		track  int
		opts   glacier.FreezeOptions

		events   <-chan Event
		finished chan struct{}

		mu           sync.Mutex
		state        glacier.TrackFreezeState
		frozenLength float64
		hasFrozen    bool
		errText      string
		progress     glacier.ProgressUpdate
	}
)

// cpuSavingsText is a coarse stand-in for a measured per-track saving.
// TODO: replace with a measurement once the engine reports per-track load.
const cpuSavingsText = "~5% CPU"

const etaRounding = 100 * time.Millisecond

func NewTrackObserver(broker *Broker, coord *Coordinator, track int, opts glacier.FreezeOptions) *TrackObserver {
	o := &TrackObserver{
		broker:   broker,
		coord:    coord,
		track:    track,
		opts:     opts,
		events:   broker.Subscribe(),
		finished: make(chan struct{}),
		state:    coord.TrackState(track),
	}
	go o.run()
	return o
}

// Close unsubscribes the observer from all broadcasts and waits until its
// goroutine has finished, so no update can ever run against a closed
// observer.
func (o *TrackObserver) Close() {
	o.broker.Unsubscribe(o.events)
	<-o.finished
}

func (o *TrackObserver) run() {
	defer close(o.finished)
	for e := range o.events {
		if e.Track != o.track {
			continue
		}
		o.apply(e)
	}
}

func (o *TrackObserver) apply(e Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch e.Kind {
	case StateChangedEvent:
		o.state = e.State
		if e.State == glacier.StateFreezing {
			o.errText = ""
			o.progress = glacier.ProgressUpdate{}
		}
	case FreezeCompletedEvent:
		o.state = e.State
		switch {
		case e.Outcome.Success:
			o.frozenLength = e.Outcome.FrozenLength
			o.hasFrozen = true
			o.errText = ""
		case e.Outcome.Cancelled:
			o.errText = "cancelled"
		default:
			o.errText = e.Outcome.Err
		}
		o.progress = glacier.ProgressUpdate{}
	case UnfreezeCompletedEvent:
		o.state = e.State
		// frozen length and savings are only meaningful while frozen
		o.frozenLength = 0
		o.hasFrozen = false
		if !e.Outcome.Success {
			o.errText = e.Outcome.Err
		} else {
			o.errText = ""
		}
	default:
		// ignore unknown events
	}
}

// setProgress is the progress sink handed to the coordinator when freezing
// through the observer's Freeze action.
func (o *TrackObserver) setProgress(u glacier.ProgressUpdate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = u
}

func (o *TrackObserver) Track() int { return o.track }

// State returns the observer's view of the track's freeze state.
func (o *TrackObserver) State() glacier.TrackFreezeState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Enablement flags are pure functions of the current state, per the
// canonical table: only a live track can freeze and only a frozen track can
// unfreeze.

func (o *TrackObserver) CanFreeze() bool    { return o.State() == glacier.StateLive }
func (o *TrackObserver) CanUnfreeze() bool  { return o.State() == glacier.StateFrozen }
func (o *TrackObserver) IsFreezing() bool   { return o.State() == glacier.StateFreezing }
func (o *TrackObserver) IsUnfreezing() bool { return o.State() == glacier.StateUnfreezing }

func (o *TrackObserver) StatusLabel() string {
	switch o.State() {
	case glacier.StateFreezing:
		return "Freezing…"
	case glacier.StateFrozen:
		return "Frozen"
	case glacier.StateUnfreezing:
		return "Unfreezing…"
	}
	return "Live"
}

func (o *TrackObserver) StatusIcon() string {
	switch o.State() {
	case glacier.StateFreezing, glacier.StateUnfreezing:
		return "⏳"
	case glacier.StateFrozen:
		return "❄"
	}
	return "▶"
}

// FrozenLengthText returns the length of the frozen audio, e.g. "183.4s", or
// an empty string when the track has no frozen artifact.
func (o *TrackObserver) FrozenLengthText() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.hasFrozen {
		return ""
	}
	return fmt.Sprintf("%.1fs", o.frozenLength)
}

// CPUSavingsText returns the estimated resource saving of keeping the track
// frozen. The figure is display-only.
func (o *TrackObserver) CPUSavingsText() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.hasFrozen {
		return ""
	}
	return cpuSavingsText
}

// ErrorText returns the error of the latest failed operation, "cancelled"
// for a cancelled freeze, or an empty string.
func (o *TrackObserver) ErrorText() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errText
}

// ProgressText renders the latest in-flight progress, e.g. "50% rendering"
// or "50% rendering, 2s left" when the engine estimated a remaining time.
func (o *TrackObserver) ProgressText() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != glacier.StateFreezing {
		return ""
	}
	text := fmt.Sprintf("%d%% %s", o.progress.Percent, o.progress.Stage)
	if eta, ok := o.progress.ETA.Unpack(); ok {
		text += fmt.Sprintf(", %s left", eta.Round(etaRounding))
	}
	return text
}
