package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	cases := []struct {
		name      string
		state     ScrollState
		ev        ScrollEvent
		wantState ScrollState
		wantForce bool
	}{
		{"open always pins", ScrolledUp, ScrollThreadOpened, AtBottom, true},
		{"arrival at bottom follows", AtBottom, ScrollNewMessage, AtBottom, true},
		{"arrival while reading stays put", ScrolledUp, ScrollNewMessage, ScrolledUp, false},
		{"own send pins from bottom", AtBottom, ScrollOwnSend, AtBottom, true},
		{"own send pins from history", ScrolledUp, ScrollOwnSend, AtBottom, true},
		{"keyboard open at bottom re-pins", AtBottom, ScrollViewportShrank, AtBottom, true},
		{"keyboard open while reading stays put", ScrolledUp, ScrollViewportShrank, ScrolledUp, false},
		{"keyboard close never scrolls", AtBottom, ScrollViewportGrew, AtBottom, false},
		{"keyboard close while reading", ScrolledUp, ScrollViewportGrew, ScrolledUp, false},
		{"scrolling near bottom re-arms", ScrolledUp, ScrollPosNearBottom, AtBottom, false},
		{"scrolling away detaches", AtBottom, ScrollPosAway, ScrolledUp, false},
		{"jump control pins", ScrolledUp, ScrollJumpToLatest, AtBottom, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state, force := Decide(tc.state, tc.ev)
			assert.Equal(t, tc.wantState, state)
			assert.Equal(t, tc.wantForce, force)
		})
	}
}

func TestReconcilerObserveScroll(t *testing.T) {
	r := NewReconciler(120)

	r.ObserveScroll(500)
	assert.Equal(t, ScrolledUp, r.State())
	assert.True(t, r.ShowJumpToLatest())

	// Within the threshold counts as bottom; exact-pixel zero is not required.
	r.ObserveScroll(80)
	assert.Equal(t, AtBottom, r.State())
	assert.False(t, r.ShowJumpToLatest())
}

func TestReconcilerReadingIsNotInterrupted(t *testing.T) {
	r := NewReconciler(0) // falls back to the default threshold

	r.ObserveScroll(1000)
	for i := 0; i < 5; i++ {
		assert.False(t, r.Apply(ScrollNewMessage))
	}
	assert.Equal(t, ScrolledUp, r.State())

	// The reader's own send is the one exception.
	assert.True(t, r.Apply(ScrollOwnSend))
	assert.Equal(t, AtBottom, r.State())
}
