package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// ErrReentrantCall is returned when a guarded fund-moving operation is entered
// while another guarded operation is already in flight.
var ErrReentrantCall = errors.New("reentrancy guard: operation not allowed")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// LockState exposes the persisted reentrancy flag shared by every fund-moving
// entry point. The flag lives in ledger storage under a reserved key so the
// discipline survives across call boundaries, not just within one goroutine.
type LockState interface {
	ReentrancyLocked() (bool, error)
	SetReentrancyLock(locked bool) error
}

// WithGuard runs fn under the shared reentrancy lock. If the lock is already
// held the call fails with ErrReentrantCall before fn is invoked and before
// any other state is touched. The lock is released on every exit path,
// including fn returning an error, and fn's result is propagated unchanged.
func WithGuard(state LockState, fn func() error) error {
	if state == nil {
		return errors.New("reentrancy guard: state not configured")
	}
	locked, err := state.ReentrancyLocked()
	if err != nil {
		return err
	}
	if locked {
		return ErrReentrantCall
	}
	if err := state.SetReentrancyLock(true); err != nil {
		return err
	}
	defer func() {
		_ = state.SetReentrancyLock(false)
	}()
	return fn()
}
