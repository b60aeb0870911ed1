package identity

import (
	"strings"
	"sync"
)

// GuestKey is the user key used when no identity is logged in.
const GuestKey = "guest"

// UserKey normalizes an externally supplied user id into a storage user key.
func UserKey(userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return GuestKey
	}
	return userID
}

type State int

const (
	StateUninitialized State = iota
	StateBound
	StateSwitching
)

func (s State) String() string {
	switch s {
	case StateBound:
		return "bound"
	case StateSwitching:
		return "switching"
	default:
		return "uninitialized"
	}
}

type TransitionKind int

const (
	// TransitionUnchanged: the observed identity is the bound one.
	TransitionUnchanged TransitionKind = iota
	// TransitionFirst: first identity ever observed; adopt without a switch event.
	TransitionFirst
	// TransitionSwitched: the identity differs from the bound one.
	TransitionSwitched
)

type Transition struct {
	Kind TransitionKind
	From string
	To   string
}

// Detector tracks which identity a chat session is bound to.
type Detector struct {
	mu    sync.Mutex
	state State
	bound string
	// pending is the identity being switched to while in StateSwitching.
	pending string
}

func NewDetector() *Detector {
	return &Detector{}
}

// Observe records the currently active identity. A switch leaves the detector
// in StateSwitching until Settle is called with the new key.
func (d *Detector) Observe(userKey string) Transition {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateUninitialized:
		d.state = StateBound
		d.bound = userKey
		return Transition{Kind: TransitionFirst, To: userKey}
	case StateSwitching:
		if userKey == d.pending {
			return Transition{Kind: TransitionUnchanged, From: d.pending, To: userKey}
		}
		from := d.pending
		d.pending = userKey
		return Transition{Kind: TransitionSwitched, From: from, To: userKey}
	default:
		if userKey == d.bound {
			return Transition{Kind: TransitionUnchanged, From: userKey, To: userKey}
		}
		from := d.bound
		d.state = StateSwitching
		d.pending = userKey
		return Transition{Kind: TransitionSwitched, From: from, To: userKey}
	}
}

// Settle completes a switch once the new identity's state has been loaded.
func (d *Detector) Settle(userKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = StateBound
	d.bound = userKey
	d.pending = ""
}

// Bound returns the bound identity. ok is false before the first observation.
func (d *Detector) Bound() (userKey string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateUninitialized {
		return "", false
	}
	if d.state == StateSwitching {
		return d.pending, true
	}
	return d.bound, true
}

// State returns the current detector state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
