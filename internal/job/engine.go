package job

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// Engine runs jobs. Queues are created lazily per account and torn
// down by CancelAccount or Close.
type Engine struct {
	workers int
	logger  *logrus.Logger

	mu       sync.Mutex
	accounts map[string]*queue
	closed   bool
}

// NewEngine builds an engine with the given per-account concurrency
// bound. A bound below one is clamped to one.
func NewEngine(workers int, logger *logrus.Logger) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		workers:  workers,
		logger:   logger,
		accounts: make(map[string]*queue),
	}
}

// Submit enqueues fn on the account's queue and returns immediately.
// Mailbox may be empty for jobs not scoped to one mailbox. After Close
// the returned handle is already Failed with ErrEngineClosed.
func (e *Engine) Submit(account string, kind Kind, mailbox string, fn Fn) *Handle {
	h := newHandle(kind, account, mailbox)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		h.finish(Failed, nil, ErrEngineClosed)
		return h
	}
	q, ok := e.accounts[account]
	if !ok {
		q = newQueue(e, account)
		e.accounts[account] = q
	}
	e.mu.Unlock()

	q.enqueue(&task{handle: h, fn: fn})
	return h
}

// CancelAccount cancels every queued and in-flight job for the account
// and closes its queue. It blocks until in-flight jobs have reported.
func (e *Engine) CancelAccount(account string) {
	e.mu.Lock()
	q, ok := e.accounts[account]
	delete(e.accounts, account)
	e.mu.Unlock()
	if ok {
		q.close()
	}
}

// Close shuts the engine down, cancelling all queues.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	queues := make([]*queue, 0, len(e.accounts))
	for _, q := range e.accounts {
		queues = append(queues, q)
	}
	e.accounts = make(map[string]*queue)
	e.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
}

// task pairs a handle with its work.
type task struct {
	handle *Handle
	fn     Fn
}

// queue serializes one account's jobs: bounded concurrency, connect
// jobs alone and first, mutating jobs chained per mailbox.
type queue struct {
	engine  *Engine
	account string
	ctx     context.Context
	cancel  context.CancelFunc

	mu            sync.Mutex
	pending       []*task
	running       int
	connectActive bool
	busyMailboxes map[string]bool
	closed        bool

	wg sync.WaitGroup
}

func newQueue(e *Engine, account string) *queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &queue{
		engine:        e,
		account:       account,
		ctx:           ctx,
		cancel:        cancel,
		busyMailboxes: make(map[string]bool),
	}
}

func (q *queue) enqueue(t *task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		t.handle.finish(Cancelled, nil, ErrCancelled)
		return
	}
	q.pending = append(q.pending, t)
	q.dispatchLocked()
}

// dispatchLocked starts every pending task the scheduling rules allow.
// Caller holds q.mu.
func (q *queue) dispatchLocked() {
	if q.closed || q.connectActive {
		return
	}

	// A pending connect drains the queue: nothing new starts until the
	// account is quiet, then the connect runs alone.
	if idx := q.findConnectLocked(); idx >= 0 {
		if q.running > 0 {
			return
		}
		t := q.pending[idx]
		q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
		q.startLocked(t)
		return
	}

	var keep []*task
	for i, t := range q.pending {
		if q.running >= q.engine.workers {
			keep = append(keep, q.pending[i:]...)
			break
		}
		if t.handle.kind.mutating() && q.busyMailboxes[t.handle.mailbox] {
			keep = append(keep, t)
			continue
		}
		q.startLocked(t)
	}
	q.pending = keep
}

// findConnectLocked returns the index of the first live pending connect
// job, pruning dead handles on the way.
func (q *queue) findConnectLocked() int {
	for i, t := range q.pending {
		if t.handle.kind == Connect && t.handle.Status() == Pending {
			return i
		}
	}
	return -1
}

// startLocked commits one task to a worker goroutine. Caller holds q.mu.
func (q *queue) startLocked(t *task) {
	if !t.handle.markRunning() {
		// Cancelled while queued.
		return
	}
	q.running++
	if t.handle.kind == Connect {
		q.connectActive = true
	}
	if t.handle.kind.mutating() {
		q.busyMailboxes[t.handle.mailbox] = true
	}
	q.wg.Add(1)
	go q.run(t)
}

func (q *queue) run(t *task) {
	defer q.wg.Done()
	h := t.handle

	ctx, cancel := context.WithCancel(q.ctx)
	defer cancel()

	h.mu.Lock()
	h.cancel = cancel
	alreadyCancelled := h.cancelled
	h.mu.Unlock()

	var result any
	var err error
	if alreadyCancelled {
		err = ErrCancelled
	} else {
		result, err = t.fn(ctx)
	}

	switch {
	case h.wasCancelled() || (err != nil && errors.Is(err, context.Canceled)):
		h.finish(Cancelled, result, ErrCancelled)
	case err != nil:
		q.engine.logger.WithError(err).WithFields(logrus.Fields{
			"account": q.account,
			"job":     h.kind.String(),
		}).Warn("job failed")
		h.finish(Failed, nil, err)
	default:
		h.finish(Done, result, nil)
	}

	q.mu.Lock()
	q.running--
	if h.kind == Connect {
		q.connectActive = false
	}
	if h.kind.mutating() {
		delete(q.busyMailboxes, h.mailbox)
	}
	q.dispatchLocked()
	q.mu.Unlock()
}

// close cancels pending and in-flight jobs and waits for the latter.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, t := range pending {
		t.handle.finish(Cancelled, nil, ErrCancelled)
	}
	q.cancel()
	q.wg.Wait()
}
