package playback

import (
	"sync"
)

// State is the user-visible playback state.
type State int

// Playback states.
const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StatePaused
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateChange carries a state transition; Err is set for StateFailed.
type StateChange struct {
	State State
	Err   error
}

// Events publishes playback state, time, and error streams to observers.
// State subscriptions replay the latest value on subscribe; time and error
// events are fire-and-forget and dropped for slow observers rather than
// blocking the feed loop.
type Events struct {
	mu        sync.Mutex
	latest    StateChange
	nextID    int
	stateSubs map[int]chan StateChange
	timeSubs  map[int]chan float64
	errSubs   map[int]chan error
}

// NewEvents creates an event hub in the idle state.
func NewEvents() *Events {
	return &Events{
		latest:    StateChange{State: StateIdle},
		stateSubs: make(map[int]chan StateChange),
		timeSubs:  make(map[int]chan float64),
		errSubs:   make(map[int]chan error),
	}
}

// SetState publishes a state transition.
func (e *Events) SetState(state State) {
	e.publishState(StateChange{State: state})
}

// Fail publishes a terminal failure state carrying the classified error.
func (e *Events) Fail(err error) {
	e.publishState(StateChange{State: StateFailed, Err: err})
}

func (e *Events) publishState(change StateChange) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.latest = change
	for _, ch := range e.stateSubs {
		select {
		case ch <- change:
		default:
		}
	}
}

// State returns the latest published state.
func (e *Events) State() StateChange {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

// SubscribeState registers a state observer. The latest value is replayed
// immediately. The returned func unsubscribes.
func (e *Events) SubscribeState() (<-chan StateChange, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan StateChange, 8)
	ch <- e.latest
	id := e.nextID
	e.nextID++
	e.stateSubs[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.stateSubs, id)
	}
}

// PublishTime publishes the current playback time in seconds.
func (e *Events) PublishTime(seconds float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.timeSubs {
		select {
		case ch <- seconds:
		default:
		}
	}
}

// SubscribeTime registers a playback-time observer.
func (e *Events) SubscribeTime() (<-chan float64, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan float64, 16)
	id := e.nextID
	e.nextID++
	e.timeSubs[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.timeSubs, id)
	}
}

// PublishError publishes a non-terminal error event (e.g. a sink hiccup that
// did not stop the feed loop).
func (e *Events) PublishError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.errSubs {
		select {
		case ch <- err:
		default:
		}
	}
}

// SubscribeErrors registers a discrete-error observer.
func (e *Events) SubscribeErrors() (<-chan error, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan error, 8)
	id := e.nextID
	e.nextID++
	e.errSubs[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.errSubs, id)
	}
}
