// Package finalizer runs finalizer callbacks for objects sweep decided
// were unreachable, on a dedicated background goroutine so sweep itself
// never blocks on application-supplied code.
package finalizer

import (
	"sync"

	"github.com/kestrel-rt/kestrel/internal/gc/heap"
)

// FailureReporter is notified when a finalizer callback panics. The
// orchestrator wires this to internal/logging so a panicking finalizer
// is recorded instead of crashing the process.
type FailureReporter interface {
	ReportFinalizerFailure(epoch int64, recovered any)
}

// Task wraps a single object's finalizer together with the epoch it
// was swept in, for ordering and reporting purposes.
type Task struct {
	Epoch     int64
	Finalizer heap.Finalizer
}

// Processor runs queued finalizer tasks on one long-lived goroutine,
// started lazily on first use and stoppable cleanly.
type Processor struct {
	mu       sync.Mutex
	running  bool
	tasks    chan Task
	done     chan struct{}
	reporter FailureReporter
	capacity int
}

// New returns a Processor with the given task queue capacity. A
// capacity of 0 makes ScheduleTasks synchronous with the finalizer
// goroutine's consumption (an unbuffered channel).
func New(capacity int, reporter FailureReporter) *Processor {
	return &Processor{capacity: capacity, reporter: reporter}
}

// StartFinalizerThreadIfNone starts the background goroutine if it
// isn't already running. Idempotent.
func (p *Processor) StartFinalizerThreadIfNone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.tasks = make(chan Task, p.capacity)
	p.done = make(chan struct{})
	p.running = true
	go p.run(p.tasks, p.done)
}

// StopFinalizerThread signals the background goroutine to drain its
// remaining queue and exit, then blocks until it has.
func (p *Processor) StopFinalizerThread() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	tasks := p.tasks
	done := p.done
	p.running = false
	p.mu.Unlock()

	close(tasks)
	<-done
}

// IsRunning reports whether the background goroutine is currently
// active.
func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// ScheduleTasks enqueues every task from an epoch's sweep result. A
// full buffered queue blocks the caller until the finalizer goroutine
// drains it; ScheduleTasks itself never runs a finalizer.
func (p *Processor) ScheduleTasks(tasks []Task) {
	p.mu.Lock()
	ch := p.tasks
	p.mu.Unlock()
	if ch == nil {
		return
	}
	for _, t := range tasks {
		ch <- t
	}
}

func (p *Processor) run(tasks <-chan Task, done chan<- struct{}) {
	defer close(done)
	for t := range tasks {
		p.runOne(t)
	}
}

// runOne invokes a single finalizer with a recover() guard: a panicking
// finalizer is reported through FailureReporter rather than crashing
// the process, and the epoch it belonged to still finalizes normally.
func (p *Processor) runOne(t Task) {
	defer func() {
		if r := recover(); r != nil && p.reporter != nil {
			p.reporter.ReportFinalizerFailure(t.Epoch, r)
		}
	}()
	if t.Finalizer != nil {
		t.Finalizer()
	}
}
