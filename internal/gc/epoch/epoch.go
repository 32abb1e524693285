// Package epoch implements the GC epoch state machine: the sequence every
// collection moves through from scheduling to finalization, and the
// condition variables mutators and the orchestrator block on while
// waiting for a particular point in that sequence.
package epoch

import (
	"fmt"
	"sync"
)

// Epoch identifies a single collection. Epochs are monotonically
// increasing starting at 1; 0 is never a valid scheduled epoch.
type Epoch int64

// State is a point in an epoch's lifecycle.
type State int

const (
	// Scheduled means schedule() has returned this epoch but start()
	// has not yet been called for it.
	Scheduled State = iota
	// Started means root scanning and mark traversal are underway.
	Started
	// Finished means mark and sweep have completed; finalizers may
	// still be pending.
	Finished
	// Finalized means every object's finalizer (if any) has run and
	// all waiters have observed the transition.
	Finalized
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Started:
		return "started"
	case Finished:
		return "finished"
	case Finalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// InvariantViolation is returned by operations that detect a state
// transition the state machine guarantees cannot happen.
type InvariantViolation struct {
	msg string
}

func (e *InvariantViolation) Error() string { return e.msg }

func violation(format string, args ...any) *InvariantViolation {
	return &InvariantViolation{msg: fmt.Sprintf(format, args...)}
}

// record tracks one epoch's progress through the state machine. It is
// destroyed (deleted from StateMachine.records) once every waiter that
// can possibly still reference it has observed Finalized.
type record struct {
	epoch    Epoch
	state    State
	waiters  int // outstanding waitEpochFinalized callers
}

// StateMachine serializes epoch scheduling and tracks each epoch's
// progress so that waitScheduled, waitEpochFinished, and
// waitEpochFinalized can block until the point they're interested in.
type StateMachine struct {
	mu   sync.Mutex
	cond *sync.Cond

	nextEpoch      Epoch
	pendingEpoch   Epoch // 0 means no epoch is currently awaiting start()
	records        map[Epoch]*record
	shuttingDown   bool
}

// New returns a StateMachine with no epoch yet scheduled.
func New() *StateMachine {
	sm := &StateMachine{
		nextEpoch: 1,
		records:   make(map[Epoch]*record),
	}
	sm.cond = sync.NewCond(&sm.mu)
	return sm
}

// Schedule assigns the next epoch number and marks it Scheduled. If an
// epoch is already scheduled but not yet started, Schedule returns it
// instead of allocating a new one — concurrent callers requesting a
// collection coalesce onto the same epoch, matching spec.md's
// request-coalescing rule.
func (sm *StateMachine) Schedule() (Epoch, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.shuttingDown {
		return 0, violation("epoch: Schedule called after Shutdown")
	}
	if sm.pendingEpoch != 0 {
		return sm.pendingEpoch, nil
	}

	e := sm.nextEpoch
	sm.nextEpoch++
	sm.pendingEpoch = e
	sm.records[e] = &record{epoch: e, state: Scheduled}
	sm.cond.Broadcast()
	return e, nil
}

// WaitScheduled blocks until an epoch has been scheduled, returning it.
// The bool return is false only if the state machine shut down while
// waiting, standing in for Go's lack of optional<T>.
func (sm *StateMachine) WaitScheduled() (Epoch, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for sm.pendingEpoch == 0 && !sm.shuttingDown {
		sm.cond.Wait()
	}
	if sm.pendingEpoch == 0 {
		return 0, false
	}
	return sm.pendingEpoch, true
}

// Start transitions e from Scheduled to Started. Calling Start on an
// epoch that is not the current pending one, or twice for the same
// epoch, is a programmer error and panics.
func (sm *StateMachine) Start(e Epoch) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec, ok := sm.records[e]
	if !ok || rec.state != Scheduled {
		panic(violation("epoch: Start(%d) called out of sequence", e))
	}
	rec.state = Started
	sm.pendingEpoch = 0
	sm.cond.Broadcast()
}

// Finish transitions e from Started to Finished, waking any
// WaitEpochFinished callers blocked on it.
func (sm *StateMachine) Finish(e Epoch) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec, ok := sm.records[e]
	if !ok || rec.state != Started {
		panic(violation("epoch: Finish(%d) called out of sequence", e))
	}
	rec.state = Finished
	sm.cond.Broadcast()
}

// Finalized transitions e from Finished to Finalized. If no
// WaitEpochFinalized call is currently blocked on e, its record is
// destroyed right here — nothing will ever look it up again, and gc.go
// schedules this transition unconditionally for every epoch whether or
// not any caller ever calls WaitFinalizers, so leaving cleanup solely to
// WaitEpochFinalized would leak a record per uncollected epoch forever.
// A waiter already blocked in WaitEpochFinalized still owns deleting the
// record itself once it wakes, since it holds the only reference that
// still needs rec.state after this call returns.
func (sm *StateMachine) Finalized(e Epoch) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec, ok := sm.records[e]
	if !ok || rec.state != Finished {
		panic(violation("epoch: Finalized(%d) called out of sequence", e))
	}
	rec.state = Finalized
	if rec.waiters <= 0 {
		delete(sm.records, e)
	}
	sm.cond.Broadcast()
}

// WaitEpochFinished blocks until e has reached Finished or later, or the
// state machine shuts down first.
func (sm *StateMachine) WaitEpochFinished(e Epoch) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for {
		rec, ok := sm.records[e]
		if !ok {
			// Already finalized and destroyed, or never existed: either
			// way there's nothing further to wait for.
			return
		}
		if rec.state >= Finished || sm.shuttingDown {
			return
		}
		sm.cond.Wait()
	}
}

// WaitEpochFinalized blocks until e has reached Finalized, then releases
// the state machine's last reference to its record. Returns early if the
// state machine shuts down before e finalizes, without deleting the
// record: the epoch never reached the terminal state that owns that
// cleanup.
func (sm *StateMachine) WaitEpochFinalized(e Epoch) {
	sm.mu.Lock()
	rec, ok := sm.records[e]
	if !ok {
		sm.mu.Unlock()
		return
	}
	rec.waiters++
	for rec.state != Finalized && !sm.shuttingDown {
		sm.cond.Wait()
		rec, ok = sm.records[e]
		if !ok {
			sm.mu.Unlock()
			return
		}
	}
	if rec.state != Finalized {
		sm.mu.Unlock()
		return
	}
	rec.waiters--
	if rec.waiters <= 0 {
		delete(sm.records, e)
	}
	sm.mu.Unlock()
}

// Shutdown wakes every blocked waiter with a negative result and
// prevents further scheduling. Calling Shutdown a second time is a
// programmer error and panics with an InvariantViolation.
func (sm *StateMachine) Shutdown() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.shuttingDown {
		panic(violation("epoch: Shutdown called twice"))
	}
	sm.shuttingDown = true
	sm.cond.Broadcast()
}

// Current returns the most recently scheduled or started epoch, and
// whether any epoch has been scheduled yet.
func (sm *StateMachine) Current() (Epoch, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.nextEpoch == 1 {
		return 0, false
	}
	return sm.nextEpoch - 1, true
}
