package glacier

import (
	"context"
	"fmt"
	"time"
)

type (
	// TrackFreezeState is the freeze state of a single track. Transitions
	// only happen along Live -> Freezing -> Frozen -> Unfreezing -> Live;
	// everything else is rejected by the coordinator.
	TrackFreezeState int

	// FreezeOptions are the per-request parameters of a freeze. They are
	// consumed by the render engine and not persisted anywhere.
	FreezeOptions struct {
		// IncludeEffects bakes the track's effect chain into the frozen
		// signal. When false, only the dry signal is rendered.
		IncludeEffects bool `yaml:"includeeffects"`
		// TailLength is the extra render time in seconds, to capture decay
		// and reverb tails. Negative values are clamped to zero.
		TailLength float64 `yaml:"taillength"`
	}

	// ProgressUpdate is a transient progress report from the render engine
	// during an in-flight freeze. Only the latest value matters; nothing
	// stores a history of these.
	ProgressUpdate struct {
		Percent int // 0..100
		Stage   string
		ETA     OptionalDuration
	}

	// OperationOutcome is the terminal result of a freeze or unfreeze.
	// Exactly one outcome is produced per request; a cancelled freeze gets
	// an outcome with Cancelled set instead of a generic failure, so that
	// observers can render "cancelled" rather than "error".
	OperationOutcome struct {
		ID           string // correlation id, one per request
		Track        int
		Success      bool
		Cancelled    bool
		Err          string
		Duration     time.Duration
		FrozenLength float64 // seconds of frozen audio, freeze only
	}

	// RenderEngine performs the actual audio rendering of a track's live
	// signal chain. It is the ground truth for which tracks are frozen. The
	// freeze coordinator is the only caller; observers see engine state
	// through the coordinator's broadcasts.
	//
	// Freeze blocks until the render finishes, fails or the context is
	// cancelled. Cancellation is cooperative: the engine checks the context
	// at its own block boundaries and returns the context error. The
	// progress callback may be nil.
	RenderEngine interface {
		NumTracks() int
		TrackState(track int) TrackFreezeState
		Freeze(ctx context.Context, track int, opts FreezeOptions, progress func(ProgressUpdate)) (OperationOutcome, error)
		Unfreeze(track int, deleteAudio bool) (OperationOutcome, error)
	}

	// OptionalDuration is a duration that may be missing, e.g. an ETA that
	// cannot be estimated yet.
	OptionalDuration struct {
		value  time.Duration
		exists bool
	}
)

const (
	StateLive TrackFreezeState = iota
	StateFreezing
	StateFrozen
	StateUnfreezing
)

func (s TrackFreezeState) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateFreezing:
		return "freezing"
	case StateFrozen:
		return "frozen"
	case StateUnfreezing:
		return "unfreezing"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

func NewOptionalDuration(value time.Duration) OptionalDuration {
	return OptionalDuration{value: value, exists: true}
}

func (d OptionalDuration) Unpack() (time.Duration, bool) {
	return d.value, d.exists
}

func (d OptionalDuration) Empty() bool {
	return !d.exists
}
