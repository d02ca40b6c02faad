package tracker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glacierdaw/glacier"
	"github.com/glacierdaw/glacier/tracker"
)

func TestObserverIdentityFiltering(t *testing.T) {
	engine := newFakeEngine(2)
	engine.freeze = succeedAfterProgress(4.2)
	broker, coord := setup(engine)
	mine := tracker.NewTrackObserver(broker, coord, 0, glacier.FreezeOptions{})
	defer mine.Close()
	other := tracker.NewTrackObserver(broker, coord, 1, glacier.FreezeOptions{})
	defer other.Close()

	_, ok := coord.FreezeTrack(context.Background(), 0, glacier.FreezeOptions{}, nil)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return mine.StatusLabel() == "Frozen"
	}, time.Second, time.Millisecond)

	// the observer of track 1 never reacts to track 0's events
	require.Equal(t, "Live", other.StatusLabel())
	require.Empty(t, other.FrozenLengthText())
	require.Empty(t, other.ErrorText())
	require.True(t, other.CanFreeze())
}

func TestObserverEnablementTable(t *testing.T) {
	for _, tc := range []struct {
		state                                            glacier.TrackFreezeState
		canFreeze, canUnfreeze, isFreezing, isUnfreezing bool
	}{
		{glacier.StateLive, true, false, false, false},
		{glacier.StateFreezing, false, false, true, false},
		{glacier.StateFrozen, false, true, false, false},
		{glacier.StateUnfreezing, false, false, false, true},
	} {
		t.Run(tc.state.String(), func(t *testing.T) {
			engine := newFakeEngine(1)
			broker, coord := setup(engine)
			observer := tracker.NewTrackObserver(broker, coord, 0, glacier.FreezeOptions{})
			defer observer.Close()

			broker.Publish(tracker.Event{Kind: tracker.StateChangedEvent, Track: 0, State: tc.state})
			require.Eventually(t, func() bool {
				return observer.State() == tc.state
			}, time.Second, time.Millisecond)
			require.Equal(t, tc.canFreeze, observer.CanFreeze())
			require.Equal(t, tc.canUnfreeze, observer.CanUnfreeze())
			require.Equal(t, tc.isFreezing, observer.IsFreezing())
			require.Equal(t, tc.isUnfreezing, observer.IsUnfreezing())
			require.Equal(t, tc.canFreeze, observer.Freeze().Enabled())
			require.Equal(t, tc.canUnfreeze, observer.Unfreeze().Enabled())
			require.Equal(t, tc.isFreezing, observer.CancelFreeze().Enabled())
		})
	}
}

func TestObserverLabelsAndIcons(t *testing.T) {
	for _, tc := range []struct {
		state glacier.TrackFreezeState
		label string
		icon  string
	}{
		{glacier.StateLive, "Live", "▶"},
		{glacier.StateFreezing, "Freezing…", "⏳"},
		{glacier.StateFrozen, "Frozen", "❄"},
		{glacier.StateUnfreezing, "Unfreezing…", "⏳"},
	} {
		engine := newFakeEngine(1)
		broker, coord := setup(engine)
		observer := tracker.NewTrackObserver(broker, coord, 0, glacier.FreezeOptions{})

		broker.Publish(tracker.Event{Kind: tracker.StateChangedEvent, Track: 0, State: tc.state})
		require.Eventually(t, func() bool {
			return observer.State() == tc.state
		}, time.Second, time.Millisecond)
		require.Equal(t, tc.label, observer.StatusLabel())
		require.Equal(t, tc.icon, observer.StatusIcon())
		observer.Close()
	}
}

func TestObserverSeedsStateFromEngine(t *testing.T) {
	engine := newFakeEngine(1)
	engine.frozen[0] = true
	broker, coord := setup(engine)
	observer := tracker.NewTrackObserver(broker, coord, 0, glacier.FreezeOptions{})
	defer observer.Close()

	require.Equal(t, "Frozen", observer.StatusLabel())
	require.True(t, observer.CanUnfreeze())
}

func TestObserverActionsDriveCoordinator(t *testing.T) {
	engine := newFakeEngine(1)
	engine.freeze = succeedAfterProgress(7.5)
	broker, coord := setup(engine)
	observer := tracker.NewTrackObserver(broker, coord, 0, glacier.FreezeOptions{TailLength: 1})
	defer observer.Close()

	observer.Freeze().Do()
	require.Eventually(t, func() bool {
		return observer.StatusLabel() == "Frozen"
	}, time.Second, time.Millisecond)
	require.Equal(t, "7.5s", observer.FrozenLengthText())

	// Freeze is disabled while frozen, so a second Do is a no-op
	observer.Freeze().Do()
	require.Equal(t, 1, countFreezeCalls(engine))

	observer.Unfreeze().Do()
	require.Eventually(t, func() bool {
		return observer.StatusLabel() == "Live"
	}, time.Second, time.Millisecond)
	require.Empty(t, observer.FrozenLengthText())
}

func countFreezeCalls(f *fakeEngine) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freezeCalls
}

func TestObserverToleratesUnknownEvents(t *testing.T) {
	engine := newFakeEngine(1)
	broker, coord := setup(engine)
	observer := tracker.NewTrackObserver(broker, coord, 0, glacier.FreezeOptions{})
	defer observer.Close()

	broker.Publish(tracker.Event{Kind: tracker.EventKind(42), Track: 0})
	broker.Publish(tracker.Event{Kind: tracker.StateChangedEvent, Track: 0, State: glacier.StateFrozen})
	require.Eventually(t, func() bool {
		return observer.StatusLabel() == "Frozen"
	}, time.Second, time.Millisecond)
}

func TestObserverCloseStopsUpdates(t *testing.T) {
	engine := newFakeEngine(1)
	broker, coord := setup(engine)
	observer := tracker.NewTrackObserver(broker, coord, 0, glacier.FreezeOptions{})
	observer.Close()

	broker.Publish(tracker.Event{Kind: tracker.StateChangedEvent, Track: 0, State: glacier.StateFrozen})
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, "Live", observer.StatusLabel())
}
