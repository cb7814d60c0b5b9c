package chat

import "sync"

// ScrollState is the reconciler's two-state machine: either the reader is
// pinned to the newest content, or they have scrolled up to read history.
type ScrollState int

const (
	AtBottom ScrollState = iota
	ScrolledUp
)

// ScrollEvent is an input to Decide: a list mutation, a viewport resize
// (soft keyboard), a scroll-position observation, or the manual jump control.
type ScrollEvent int

const (
	ScrollThreadOpened ScrollEvent = iota
	ScrollNewMessage
	ScrollOwnSend
	ScrollViewportShrank
	ScrollViewportGrew
	ScrollPosNearBottom
	ScrollPosAway
	ScrollJumpToLatest
)

// DefaultNearBottomPx is the generous "near bottom" threshold; exact-pixel
// equality would flap under rendering jitter.
const DefaultNearBottomPx = 120

// Decide is the pure transition function: given the current state and an
// event, it returns the new state and whether to force-scroll to the newest
// message. Force-scroll happens on first render, on arrival while at the
// bottom, on the reader's own send regardless of state, and on a keyboard
// open while at the bottom. It never happens while scrolled up, except for
// the own send.
func Decide(state ScrollState, ev ScrollEvent) (ScrollState, bool) {
	switch ev {
	case ScrollThreadOpened:
		return AtBottom, true
	case ScrollNewMessage:
		if state == AtBottom {
			return AtBottom, true
		}
		return ScrolledUp, false
	case ScrollOwnSend:
		// Sending implies intent to see the result.
		return AtBottom, true
	case ScrollViewportShrank:
		if state == AtBottom {
			return AtBottom, true
		}
		return ScrolledUp, false
	case ScrollViewportGrew:
		return state, false
	case ScrollPosNearBottom:
		return AtBottom, false
	case ScrollPosAway:
		return ScrolledUp, false
	case ScrollJumpToLatest:
		return AtBottom, true
	}
	return state, false
}

// Reconciler wraps Decide with the current state and a configurable
// near-bottom threshold.
type Reconciler struct {
	mu          sync.Mutex
	state       ScrollState
	thresholdPx int
}

func NewReconciler(thresholdPx int) *Reconciler {
	if thresholdPx <= 0 {
		thresholdPx = DefaultNearBottomPx
	}
	return &Reconciler{state: AtBottom, thresholdPx: thresholdPx}
}

// Apply feeds one event through Decide and reports whether to force-scroll.
func (r *Reconciler) Apply(ev ScrollEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, force := Decide(r.state, ev)
	r.state = next
	return force
}

// ObserveScroll translates a raw scroll position (distance from the bottom in
// pixels) into a state transition.
func (r *Reconciler) ObserveScroll(distanceFromBottomPx int) {
	if distanceFromBottomPx <= r.thresholdPx {
		r.Apply(ScrollPosNearBottom)
		return
	}
	r.Apply(ScrollPosAway)
}

// State returns the current scroll state.
func (r *Reconciler) State() ScrollState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ShowJumpToLatest reports whether the manual "jump to latest" affordance
// should be visible.
func (r *Reconciler) ShowJumpToLatest() bool {
	return r.State() == ScrolledUp
}
