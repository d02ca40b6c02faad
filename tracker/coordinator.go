package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/glacierdaw/glacier"
)

type (
	// Coordinator drives the freeze and unfreeze operations of all tracks
	// against a single render engine. It owns, per track, the mirrored
	// freeze state and at most one cancellation handle for an in-flight
	// freeze. The engine remains the ground truth for which tracks are
	// actually frozen; the coordinator's mirror is reconciled on its own
	// transitions and broadcast to the observers through the broker.
	//
	// Operations on the same track are serialized by the state machine
	// preconditions: a request in the wrong state is rejected without side
	// effects. Operations on different tracks are independent and may run
	// concurrently.
	Coordinator struct {
		engine glacier.RenderEngine
		broker *Broker
		log    zerolog.Logger

		mu    sync.Mutex
		slots map[int]*trackSlot
	}

	// trackSlot holds the coordinator's per-track bookkeeping. cancel is
	// non-nil exactly while a freeze is in flight for the track; it is
	// installed with cancel-then-replace so that two live handles for the
	// same track can never exist.
	trackSlot struct {
		state  glacier.TrackFreezeState
		cancel context.CancelFunc
	}
)

func NewCoordinator(engine glacier.RenderEngine, broker *Broker, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		engine: engine,
		broker: broker,
		log:    log,
		slots:  make(map[int]*trackSlot),
	}
}

// TrackState returns the coordinator's view of the track's freeze state. For
// a track the coordinator has not touched yet, the state is seeded from the
// engine, which owns the ground truth.
func (c *Coordinator) TrackState(track int) glacier.TrackFreezeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot(track).state
}

// slot returns the bookkeeping slot for a track, seeding it from the engine
// on first access. Caller must hold c.mu.
func (c *Coordinator) slot(track int) *trackSlot {
	s, ok := c.slots[track]
	if !ok {
		s = &trackSlot{state: c.engine.TrackState(track)}
		c.slots[track] = s
	}
	return s
}

// FreezeTrack renders the track's live signal chain to a frozen buffer. It
// blocks until the render finishes, fails or is cancelled; all state and
// completion events are broadcast before it returns, so a caller awaiting the
// return value and an observer listening to events see a consistent order.
//
// The track must be live; otherwise the request is rejected with ok false and
// no side effects. Progress updates from the engine are forwarded to the
// progress callback (which may be nil) until the terminal outcome has been
// decided; a late progress callback racing the completion is dropped.
func (c *Coordinator) FreezeTrack(ctx context.Context, track int, opts glacier.FreezeOptions, progress func(glacier.ProgressUpdate)) (outcome glacier.OperationOutcome, ok bool) {
	if track < 0 || track >= c.engine.NumTracks() {
		return glacier.OperationOutcome{}, false
	}
	if opts.TailLength < 0 {
		opts.TailLength = 0
	}
	opCtx, err := c.beginFreeze(ctx, track)
	if err != nil {
		return glacier.OperationOutcome{}, false
	}
	id := uuid.NewString()
	c.log.Info().Str("op", id).Int("track", track).
		Bool("includeeffects", opts.IncludeEffects).Float64("taillength", opts.TailLength).
		Msg("freeze started")
	c.broker.Publish(Event{Kind: StateChangedEvent, Track: track, State: glacier.StateFreezing})

	// terminal outcome delivery is exactly-once and wins any race against
	// trailing progress events
	var done atomic.Bool
	sink := func(u glacier.ProgressUpdate) {
		if progress != nil && !done.Load() {
			progress(u)
		}
	}

	started := time.Now()
	engineOutcome, freezeErr := c.engine.Freeze(opCtx, track, opts, sink)
	done.Store(true)

	outcome = engineOutcome
	outcome.ID = id
	outcome.Track = track
	outcome.Duration = time.Since(started)
	final := glacier.StateFrozen
	switch {
	case errors.Is(freezeErr, context.Canceled) || errors.Is(freezeErr, context.DeadlineExceeded):
		outcome.Success = false
		outcome.Cancelled = true
		outcome.FrozenLength = 0
		final = glacier.StateLive
	case freezeErr != nil:
		outcome.Success = false
		outcome.Err = freezeErr.Error()
		outcome.FrozenLength = 0
		final = glacier.StateLive
	case !engineOutcome.Success:
		final = glacier.StateLive
	default:
		outcome.Success = true
	}
	c.endFreeze(track, final)

	c.broker.Publish(Event{Kind: StateChangedEvent, Track: track, State: final})
	c.broker.Publish(Event{Kind: FreezeCompletedEvent, Track: track, State: final, Outcome: outcome})
	evt := c.log.Info()
	if !outcome.Success && !outcome.Cancelled {
		evt = c.log.Error()
	}
	evt.Str("op", id).Int("track", track).Bool("success", outcome.Success).
		Bool("cancelled", outcome.Cancelled).Str("error", outcome.Err).
		Dur("duration", outcome.Duration).Float64("frozenlength", outcome.FrozenLength).
		Msg("freeze finished")
	return outcome, true
}

var errNotLive = errors.New("track is not live")

// beginFreeze transitions the track to Freezing and installs a fresh
// cancellation handle, cancelling and releasing any stale one first so that
// at most one live handle exists per track.
func (c *Coordinator) beginFreeze(ctx context.Context, track int) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slot(track)
	if s.state != glacier.StateLive {
		return nil, errNotLive
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	opCtx, cancel := context.WithCancel(ctx)
	s.state = glacier.StateFreezing
	s.cancel = cancel
	return opCtx, nil
}

// endFreeze records the terminal state and releases the cancellation handle.
func (c *Coordinator) endFreeze(track int, final glacier.TrackFreezeState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slot(track)
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.state = final
}

// CancelFreeze requests cancellation of the in-flight freeze of the track, if
// any, and is a no-op otherwise. Cancellation is cooperative: the engine
// observes the signal at its own checkpoints, so the freeze still terminates
// through its normal outcome path, just with the cancellation marker set.
func (c *Coordinator) CancelFreeze(track int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[track]
	if !ok || s.cancel == nil {
		return
	}
	c.log.Info().Int("track", track).Msg("freeze cancellation requested")
	s.cancel()
}

// UnfreezeTrack reverts the track to its live signal chain, optionally
// deleting the rendered audio artifact. The track must be frozen; otherwise
// the request is rejected with ok false and no side effects. A failed
// unfreeze reverts the track to Frozen rather than stranding it in
// Unfreezing, since the frozen artifact is presumed intact and the user
// should be able to retry.
func (c *Coordinator) UnfreezeTrack(track int, deleteAudio bool) (outcome glacier.OperationOutcome, ok bool) {
	c.mu.Lock()
	s := c.slot(track)
	if s.state != glacier.StateFrozen {
		c.mu.Unlock()
		return glacier.OperationOutcome{}, false
	}
	s.state = glacier.StateUnfreezing
	c.mu.Unlock()

	id := uuid.NewString()
	c.log.Info().Str("op", id).Int("track", track).Bool("deleteaudio", deleteAudio).Msg("unfreeze started")
	c.broker.Publish(Event{Kind: StateChangedEvent, Track: track, State: glacier.StateUnfreezing})

	started := time.Now()
	engineOutcome, err := c.engine.Unfreeze(track, deleteAudio)
	outcome = engineOutcome
	outcome.ID = id
	outcome.Track = track
	outcome.Duration = time.Since(started)
	final := glacier.StateLive
	if err != nil {
		outcome.Success = false
		outcome.Err = err.Error()
		final = glacier.StateFrozen
	} else if !engineOutcome.Success {
		final = glacier.StateFrozen
	}

	c.mu.Lock()
	c.slot(track).state = final
	c.mu.Unlock()

	c.broker.Publish(Event{Kind: StateChangedEvent, Track: track, State: final})
	c.broker.Publish(Event{Kind: UnfreezeCompletedEvent, Track: track, State: final, Outcome: outcome})
	evt := c.log.Info()
	if !outcome.Success {
		evt = c.log.Error()
	}
	evt.Str("op", id).Int("track", track).Bool("success", outcome.Success).
		Str("error", outcome.Err).Dur("duration", outcome.Duration).Msg("unfreeze finished")
	return outcome, true
}
