package mutator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrel-rt/kestrel/internal/gc/heap"
	"github.com/kestrel-rt/kestrel/internal/gc/registry"
)

type fakeScheduler struct {
	calls int
	err   error
}

func (f *fakeScheduler) ScheduleAndWaitFinished() error {
	f.calls++
	return f.err
}

// fakeHelper records how a Mutator drives MarkHelper during cooperation.
type fakeHelper struct {
	active    atomic.Bool
	roots     [][]heap.Reference
	drainCall int32
}

func (h *fakeHelper) MarkActive() bool { return h.active.Load() }

func (h *fakeHelper) ContributeRoots(roots []heap.Reference) {
	h.roots = append(h.roots, roots)
}

func (h *fakeHelper) CooperativeDrain(ctx context.Context) {
	atomic.AddInt32(&h.drainCall, 1)
}

func TestTryLockRootSetExclusive(t *testing.T) {
	reg := registry.New()
	factory := heap.NewFactory()
	m := New(reg, factory, &fakeScheduler{})

	if !m.TryLockRootSet() {
		t.Fatal("expected first TryLockRootSet to succeed")
	}
	if m.TryLockRootSet() {
		t.Fatal("expected second concurrent TryLockRootSet to fail")
	}
	m.UnlockRootSet()
	if !m.TryLockRootSet() {
		t.Fatal("expected TryLockRootSet to succeed again after Unlock")
	}
}

func TestClearMarkFlagsResetsState(t *testing.T) {
	reg := registry.New()
	factory := heap.NewFactory()
	m := New(reg, factory, &fakeScheduler{})

	m.TryLockRootSet()
	m.PublishObjectFactory()
	m.BeginCooperation()

	m.ClearMarkFlags()

	if m.Published() {
		t.Error("expected Published false after ClearMarkFlags")
	}
	if m.Cooperative() {
		t.Error("expected Cooperative false after ClearMarkFlags")
	}
	if !m.TryLockRootSet() {
		t.Error("expected root set lock free after ClearMarkFlags")
	}
}

func TestSafePointCooperatesWhenMarkActive(t *testing.T) {
	reg := registry.New()
	factory := heap.NewFactory()
	m := New(reg, factory, &fakeScheduler{})
	m.SetRoots([]heap.Reference{{ID: 1}})

	helper := &fakeHelper{}
	helper.active.Store(true)
	m.SetMarkHelper(helper)

	reg.RequestSuspension()
	done := make(chan struct{})
	go func() {
		m.SafePoint()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	reg.Resume()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SafePoint did not return")
	}

	if len(helper.roots) != 1 || len(helper.roots[0]) != 1 || helper.roots[0][0].ID != 1 {
		t.Errorf("expected ContributeRoots called with this mutator's roots, got %v", helper.roots)
	}
	if atomic.LoadInt32(&helper.drainCall) != 1 {
		t.Errorf("expected CooperativeDrain called once, got %d", helper.drainCall)
	}
	if m.Cooperative() {
		t.Error("expected Cooperative false again after cooperate() returns")
	}
	if m.TryLockRootSet() {
		t.Error("expected cooperate() to leave the root-set lock held for the caller to observe")
	}
}

func TestSafePointSkipsCooperationWhenMarkNotActive(t *testing.T) {
	reg := registry.New()
	factory := heap.NewFactory()
	m := New(reg, factory, &fakeScheduler{})

	helper := &fakeHelper{}
	m.SetMarkHelper(helper) // active stays false

	reg.RequestSuspension()
	done := make(chan struct{})
	go func() {
		m.SafePoint()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	reg.Resume()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SafePoint did not return")
	}

	if len(helper.roots) != 0 {
		t.Error("expected ContributeRoots not called while MarkActive is false")
	}
}

func TestSafePointCooperationRespectsRootSetLock(t *testing.T) {
	reg := registry.New()
	factory := heap.NewFactory()
	m := New(reg, factory, &fakeScheduler{})

	helper := &fakeHelper{}
	helper.active.Store(true)
	m.SetMarkHelper(helper)

	// Simulate the GC thread's own root scan already holding the lock.
	if !m.TryLockRootSet() {
		t.Fatal("expected initial TryLockRootSet to succeed")
	}

	reg.RequestSuspension()
	done := make(chan struct{})
	go func() {
		m.SafePoint()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	reg.Resume()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SafePoint did not return")
	}

	if len(helper.roots) != 0 {
		t.Error("expected cooperate() to skip contributing roots when the lock is already held elsewhere")
	}
}

func TestCooperationEnabledReflectsHelper(t *testing.T) {
	reg := registry.New()
	factory := heap.NewFactory()
	m := New(reg, factory, &fakeScheduler{})

	if m.CooperationEnabled() {
		t.Error("expected CooperationEnabled false with no helper set")
	}
	m.SetMarkHelper(&fakeHelper{})
	if !m.CooperationEnabled() {
		t.Error("expected CooperationEnabled true once a helper is set")
	}
	m.SetMarkHelper(nil)
	if m.CooperationEnabled() {
		t.Error("expected CooperationEnabled false after clearing the helper")
	}
}

func TestSafePointFlushesOnSuspend(t *testing.T) {
	reg := registry.New()
	factory := heap.NewFactory()
	m := New(reg, factory, &fakeScheduler{})

	m.Allocate(nil)
	if factory.Count() != 0 {
		t.Fatal("expected object to remain local until flushed")
	}

	reg.RequestSuspension()

	done := make(chan struct{})
	go func() {
		m.SafePoint()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if factory.Count() != 1 {
		t.Errorf("expected OnSuspendForGC to flush local buffer before parking, count=%d", factory.Count())
	}

	reg.Resume()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SafePoint did not return after Resume")
	}
}

func TestSafePointFastPathNoOp(t *testing.T) {
	reg := registry.New()
	factory := heap.NewFactory()
	m := New(reg, factory, &fakeScheduler{})
	m.Allocate(nil)

	m.SafePoint() // no suspension requested, should return immediately

	if factory.Count() != 0 {
		t.Error("expected SafePoint fast path to leave local buffer unflushed")
	}
}

func TestOnOOMDelegatesToScheduler(t *testing.T) {
	reg := registry.New()
	factory := heap.NewFactory()
	sched := &fakeScheduler{}
	m := New(reg, factory, sched)

	if err := m.OnOOM(); err != nil {
		t.Fatalf("OnOOM() error = %v", err)
	}
	if sched.calls != 1 {
		t.Errorf("expected ScheduleAndWaitFinished called once, got %d", sched.calls)
	}
}

func TestOnOOMPropagatesError(t *testing.T) {
	reg := registry.New()
	factory := heap.NewFactory()
	wantErr := errors.New("boom")
	m := New(reg, factory, &fakeScheduler{err: wantErr})

	if err := m.OnOOM(); !errors.Is(err, wantErr) {
		t.Errorf("OnOOM() error = %v, want %v", err, wantErr)
	}
}
