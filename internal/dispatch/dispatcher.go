package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"retouch/internal/domain"
)

// Status enumerates the in-memory work item lifecycle.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Item is one in-memory unit of editing work. Items are owned exclusively by
// the dispatcher that holds them; at most one attempt is in flight per item.
type Item struct {
	ID          string
	BatchID     string
	Model       string
	Input       domain.Input
	Instruction string
	Params      domain.OutputParams
	Status      Status
	Result      *domain.Result
	Err         error
	Retries     int
	StartTime   time.Time
	EndTime     time.Time
}

// ProcessFunc executes one item against the provider and returns the settled
// item. A returned error marks the item failed.
type ProcessFunc func(ctx context.Context, item Item) (Item, error)

// Subscriber receives a full snapshot of all items after every state change.
// Callbacks run synchronously in change order and must not call back into
// the dispatcher.
type Subscriber func(items []Item)

// Options fixes the scheduling knobs at construction time.
type Options struct {
	Concurrency int
	Stagger     time.Duration
}

// SuggestTuning picks concurrency and stagger for a batch size: fewer slots
// and longer stagger for bigger batches so the provider is not overwhelmed.
func SuggestTuning(batchSize int) Options {
	switch {
	case batchSize <= 3:
		return Options{Concurrency: 3, Stagger: 200 * time.Millisecond}
	case batchSize <= 8:
		return Options{Concurrency: 2, Stagger: 500 * time.Millisecond}
	default:
		return Options{Concurrency: 1, Stagger: time.Second}
	}
}

// Dispatcher drains a list of work items through a bounded-concurrency
// limiter with staggered admission. Cancellation is cooperative: every state
// mutation re-checks the run context first.
type Dispatcher struct {
	opts    Options
	process ProcessFunc

	mu       sync.Mutex
	items    []Item
	index    map[string]int
	subs     map[int]Subscriber
	nextSub  int
	running  bool
	runCtx   context.Context
	cancel   context.CancelFunc
	draining sync.WaitGroup
}

// New constructs a dispatcher. Concurrency defaults to 1 when unset.
func New(opts Options, process ProcessFunc) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Dispatcher{
		opts:    opts,
		process: process,
		index:   make(map[string]int),
		subs:    make(map[int]Subscriber),
	}
}

// AddItems appends new items in queued state and notifies subscribers.
func (d *Dispatcher) AddItems(items []Item) {
	d.mu.Lock()
	for _, it := range items {
		it.Status = StatusQueued
		it.Result = nil
		it.Err = nil
		d.index[it.ID] = len(d.items)
		d.items = append(d.items, it)
	}
	d.notifyLocked()
	d.mu.Unlock()
}

// Items returns a snapshot of all items.
func (d *Dispatcher) Items() []Item {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// OnUpdate registers a subscriber and returns its unsubscribe function.
func (d *Dispatcher) OnUpdate(fn Subscriber) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// Start begins draining queued items. Calling Start with nothing queued is a
// no-op. The drain stops when ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	if !d.hasQueuedLocked() {
		d.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.running = true
	d.runCtx = runCtx
	d.cancel = cancel
	d.draining.Add(1)
	d.mu.Unlock()

	go d.drain(runCtx)
}

// Stop cancels in-flight work and resets processing and queued items back to
// queued. Attempts that settle after Stop must not mutate state; the settle
// path re-checks the run context before applying anything.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.running = false
	for i := range d.items {
		if d.items[i].Status == StatusProcessing {
			d.items[i].Status = StatusQueued
			d.items[i].StartTime = time.Time{}
		}
	}
	d.notifyLocked()
	d.mu.Unlock()
}

// Wait blocks until the current drain pass finishes. Test helper and
// synchronous-path convenience.
func (d *Dispatcher) Wait() {
	d.draining.Wait()
}

// RetryItem clears a terminal item's outcome and re-queues it, restarting
// the drain loop if it had gone idle. Processing items are ignored.
func (d *Dispatcher) RetryItem(id string) {
	d.mu.Lock()
	i, ok := d.index[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	it := &d.items[i]
	if it.Status != StatusCompleted && it.Status != StatusFailed {
		d.mu.Unlock()
		return
	}
	it.Status = StatusQueued
	it.Result = nil
	it.Err = nil
	it.StartTime = time.Time{}
	it.EndTime = time.Time{}
	d.notifyLocked()

	restart := !d.running && d.runCtx != nil && d.runCtx.Err() == nil
	if restart {
		d.running = true
		d.draining.Add(1)
		go d.drain(d.runCtx)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) drain(ctx context.Context) {
	defer d.draining.Done()
	// The run context can be cancelled from outside Stop (the caller's own
	// context). Leave the dispatcher restartable either way: no item may stay
	// processing, and running must drop so a later Start is not ignored.
	defer func() {
		if ctx.Err() == nil {
			return
		}
		d.mu.Lock()
		d.running = false
		for i := range d.items {
			if d.items[i].Status == StatusProcessing {
				d.items[i].Status = StatusQueued
				d.items[i].StartTime = time.Time{}
			}
		}
		d.notifyLocked()
		d.mu.Unlock()
	}()
	sem := semaphore.NewWeighted(int64(d.opts.Concurrency))

	for {
		if ctx.Err() != nil {
			return
		}

		d.mu.Lock()
		var queued []string
		for _, it := range d.items {
			if it.Status == StatusQueued {
				queued = append(queued, it.ID)
			}
		}
		if len(queued) == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		var wg sync.WaitGroup
		for i, id := range queued {
			wg.Add(1)
			go func(slot int, itemID string) {
				defer wg.Done()
				d.runItem(ctx, sem, slot, itemID)
			}(i, id)
		}
		wg.Wait()
	}
}

func (d *Dispatcher) runItem(ctx context.Context, sem *semaphore.Weighted, slot int, id string) {
	if d.opts.Stagger > 0 && slot > 0 {
		select {
		case <-time.After(time.Duration(slot) * d.opts.Stagger):
		case <-ctx.Done():
			return
		}
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer sem.Release(1)

	d.mu.Lock()
	if ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	i, ok := d.index[id]
	if !ok || d.items[i].Status != StatusQueued {
		d.mu.Unlock()
		return
	}
	d.items[i].Status = StatusProcessing
	d.items[i].StartTime = time.Now()
	attempt := d.items[i]
	d.notifyLocked()
	d.mu.Unlock()

	settled, err := d.process(ctx, attempt)

	d.mu.Lock()
	defer d.mu.Unlock()
	if ctx.Err() != nil {
		// Stopped while in flight; Stop already re-queued the item.
		return
	}
	i, ok = d.index[id]
	if !ok || d.items[i].Status != StatusProcessing {
		return
	}
	if err != nil {
		d.items[i].Status = StatusFailed
		d.items[i].Err = err
		d.items[i].Retries++
	} else {
		settled.Status = StatusCompleted
		settled.Retries = d.items[i].Retries
		settled.StartTime = d.items[i].StartTime
		d.items[i] = settled
	}
	d.items[i].EndTime = time.Now()
	d.notifyLocked()
}

func (d *Dispatcher) hasQueuedLocked() bool {
	for _, it := range d.items {
		if it.Status == StatusQueued {
			return true
		}
	}
	return false
}

func (d *Dispatcher) snapshotLocked() []Item {
	out := make([]Item, len(d.items))
	copy(out, d.items)
	return out
}

func (d *Dispatcher) notifyLocked() {
	if len(d.subs) == 0 {
		return
	}
	snapshot := d.snapshotLocked()
	for id := 0; id < d.nextSub; id++ {
		if fn, ok := d.subs[id]; ok {
			fn(snapshot)
		}
	}
}
