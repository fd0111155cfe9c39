package tracekit

import "sync"

// Unit identifies the owner of a pluggable capability or transport, and lets
// the core pin it against unload for the duration of a call. A nil *Unit
// means "built in": always present, always pinnable.
type Unit struct {
	name string

	mtx       sync.Mutex
	cond      *sync.Cond
	pins      int
	unloading bool
}

// NewUnit returns a loaded unit with the given name.
func NewUnit(name string) *Unit {
	u := &Unit{name: name}
	u.cond = sync.NewCond(&u.mtx)
	return u
}

// Name returns the unit's name. Nil units are "builtin".
func (u *Unit) Name() string {
	if u == nil {
		return "builtin"
	}
	return u.name
}

// TryPin acquires a pin on the unit, preventing it from unloading until the
// pin is released. It reports false if the unit is already unloading. Pinning
// a nil unit always succeeds.
func (u *Unit) TryPin() bool {
	if u == nil {
		return true
	}

	u.mtx.Lock()
	defer u.mtx.Unlock()

	if u.unloading {
		return false
	}
	u.pins++
	return true
}

// Unpin releases a pin acquired by TryPin.
func (u *Unit) Unpin() {
	if u == nil {
		return
	}

	u.mtx.Lock()
	defer u.mtx.Unlock()

	if u.pins <= 0 {
		panic("tracekit: Unpin without matching TryPin")
	}
	u.pins--
	if u.pins == 0 {
		u.cond.Broadcast()
	}
}

// Unload marks the unit as unloading, so new pins fail, and blocks until all
// outstanding pins have been released.
func (u *Unit) Unload() {
	if u == nil {
		return
	}

	u.mtx.Lock()
	defer u.mtx.Unlock()

	u.unloading = true
	for u.pins > 0 {
		u.cond.Wait()
	}
}
