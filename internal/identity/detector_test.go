package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserKey(t *testing.T) {
	assert.Equal(t, GuestKey, UserKey(""))
	assert.Equal(t, GuestKey, UserKey("   "))
	assert.Equal(t, "u-7", UserKey(" u-7 "))
}

func TestDetectorFirstObservationIsNotASwitch(t *testing.T) {
	d := NewDetector()
	_, ok := d.Bound()
	assert.False(t, ok)
	assert.Equal(t, StateUninitialized, d.State())

	tr := d.Observe("alice")
	assert.Equal(t, TransitionFirst, tr.Kind)
	assert.Equal(t, "alice", tr.To)
	assert.Equal(t, StateBound, d.State())

	tr = d.Observe("alice")
	assert.Equal(t, TransitionUnchanged, tr.Kind)
}

func TestDetectorSwitchAndSettle(t *testing.T) {
	d := NewDetector()
	d.Observe("alice")

	tr := d.Observe(GuestKey)
	assert.Equal(t, TransitionSwitched, tr.Kind)
	assert.Equal(t, "alice", tr.From)
	assert.Equal(t, GuestKey, tr.To)
	assert.Equal(t, StateSwitching, d.State())

	// Re-observing the pending identity mid-switch is not another switch.
	assert.Equal(t, TransitionUnchanged, d.Observe(GuestKey).Kind)

	d.Settle(GuestKey)
	assert.Equal(t, StateBound, d.State())
	bound, ok := d.Bound()
	assert.True(t, ok)
	assert.Equal(t, GuestKey, bound)
}

func TestDetectorSwitchWhileSwitching(t *testing.T) {
	d := NewDetector()
	d.Observe("alice")
	d.Observe("bob")

	tr := d.Observe("carol")
	assert.Equal(t, TransitionSwitched, tr.Kind)
	assert.Equal(t, "bob", tr.From)
	assert.Equal(t, "carol", tr.To)
}
