package tracker

import (
	"slices"
	"sync"
	"time"

	"github.com/glacierdaw/glacier"
)

type (
	// Broker is the centralized broadcast hub between the freeze coordinator
	// and the track observers. The coordinator publishes state changes and
	// terminal outcomes; any number of observers subscribe and filter the
	// events by track identity. Publishing is always non-blocking: each
	// subscriber has a buffered channel and events to a full buffer are
	// dropped for that subscriber only, so a late or slow observer never
	// blocks delivery to the others or the coordinator's own bookkeeping.
	//
	// Unsubscribe closes the subscriber channel, so an observer goroutine
	// ranging over it terminates cleanly. Observers additionally have a
	// finished channel, in the same manner the rest of the program closes
	// goroutines: nothing is ever sent to it, it is only closed, and
	// waiting for it can be combined with a timeout using TimeoutReceive.
	Broker struct {
		mu   sync.Mutex
		subs []chan Event
	}

	// Event is one broadcast message. Kind tells which of the three streams
	// the event belongs to; Track is always valid; State is valid for
	// StateChangedEvent and Outcome for the two terminal kinds.
	Event struct {
		Kind    EventKind
		Track   int
		State   glacier.TrackFreezeState
		Outcome glacier.OperationOutcome
	}

	EventKind int
)

const (
	StateChangedEvent EventKind = iota
	FreezeCompletedEvent
	UnfreezeCompletedEvent
)

// subscriberBuffer is sized so that a single track's full event sequence
// (state change, completion, state change) never drops when the observer is
// merely slow, only when it has stopped consuming altogether.
const subscriberBuffer = 64

func NewBroker() *Broker {
	return &Broker{}
}

// Subscribe registers a new subscriber and returns its event channel. The
// caller must eventually call Unsubscribe with the same channel.
func (b *Broker) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Calling it with a
// channel that is not subscribed is a no-op.
func (b *Broker) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == ch {
			b.subs = slices.Delete(b.subs, i, i+1)
			close(s)
			return
		}
	}
}

// Publish delivers the event to every current subscriber without blocking.
func (b *Broker) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		TrySend(s, e)
	}
}

// TrySend is a helper function to send a value to a channel if it is not full.
// It is guaranteed to be non-blocking. Returns true if the value was sent,
// false otherwise.
func TrySend[T any](c chan<- T, v T) bool {
	select {
	case c <- v:
	default:
		return false
	}
	return true
}

// TimeoutReceive is a helper function to block until a value is received from
// a channel, or timing out after t. ok will be false if the timeout occurred
// or if the channel is closed.
func TimeoutReceive[T any](c <-chan T, t time.Duration) (v T, ok bool) {
	select {
	case v, ok = <-c:
		return v, ok
	case <-time.After(t):
		return v, false
	}
}
