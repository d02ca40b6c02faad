package tracker

import "context"

type (
	// Action describes a user action that can be performed on a track, which
	// can be initiated by calling the Do() method. It is usually initiated
	// by a button press or a menu item. Action advertises whether it is
	// enabled, so UI can e.g. gray out buttons when the underlying action is
	// not allowed. The underlying Doer can optionally implement the Enabler
	// interface to decide if the action is enabled or not; if it does not
	// implement the Enabler interface, the action is always allowed.
	Action struct {
		doer Doer
	}

	// Doer is an interface that defines a single Do() method, which is
	// called when an action is performed.
	Doer interface {
		Do()
	}

	// Enabler is an interface that defines a single Enabled() method, which
	// is used by the UI to check if an Action is enabled or not.
	Enabler interface {
		Enabled() bool
	}
)

// Action methods

func MakeAction(doer Doer) Action {
	return Action{doer: doer}
}

func (a Action) Do() {
	e, ok := a.doer.(Enabler)
	if ok && !e.Enabled() {
		return
	}
	if a.doer != nil {
		a.doer.Do()
	}
}

func (a Action) Enabled() bool {
	if a.doer == nil {
		return false // no doer, not allowed
	}
	e, ok := a.doer.(Enabler)
	if !ok {
		return true // not enabler, always allowed
	}
	return e.Enabled()
}

// freezeTrack
type freezeTrack TrackObserver

func (o *TrackObserver) Freeze() Action { return MakeAction((*freezeTrack)(o)) }
func (o *freezeTrack) Enabled() bool    { return (*TrackObserver)(o).CanFreeze() }
func (o *freezeTrack) Do() {
	t := (*TrackObserver)(o)
	go t.coord.FreezeTrack(context.Background(), t.track, t.opts, t.setProgress)
}

// unfreezeTrack
type unfreezeTrack TrackObserver

func (o *TrackObserver) Unfreeze() Action { return MakeAction((*unfreezeTrack)(o)) }
func (o *unfreezeTrack) Enabled() bool    { return (*TrackObserver)(o).CanUnfreeze() }
func (o *unfreezeTrack) Do() {
	t := (*TrackObserver)(o)
	go t.coord.UnfreezeTrack(t.track, false)
}

// cancelFreeze
type cancelFreeze TrackObserver

func (o *TrackObserver) CancelFreeze() Action { return MakeAction((*cancelFreeze)(o)) }
func (o *cancelFreeze) Enabled() bool         { return (*TrackObserver)(o).IsFreezing() }
func (o *cancelFreeze) Do() {
	t := (*TrackObserver)(o)
	t.coord.CancelFreeze(t.track)
}
