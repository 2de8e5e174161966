// Package job schedules asynchronous units of work against backend
// instances. Each account has its own queue; queues never block each
// other. Within an account, jobs run with bounded concurrency, connect
// jobs run alone ahead of everything else, and mutating jobs on the
// same mailbox run in submission order.
package job

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Kind identifies what a job does. The engine uses it for scheduling
// decisions only; the work itself is an opaque function.
type Kind int

const (
	Connect Kind = iota
	ListMailboxes
	FetchEnvelopes
	FetchBody
	SetFlags
	Expunge
	Search
	Watch
)

func (k Kind) String() string {
	switch k {
	case Connect:
		return "connect"
	case ListMailboxes:
		return "list-mailboxes"
	case FetchEnvelopes:
		return "fetch-envelopes"
	case FetchBody:
		return "fetch-body"
	case SetFlags:
		return "set-flags"
	case Expunge:
		return "expunge"
	case Search:
		return "search"
	case Watch:
		return "watch"
	default:
		return "unknown"
	}
}

// mutating reports whether the kind writes to the remote store, which
// puts it on the per-mailbox write chain.
func (k Kind) mutating() bool {
	return k == SetFlags || k == Expunge
}

// Status is the lifecycle of one job.
type Status int

const (
	Pending Status = iota
	Running
	Done
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Fn is the work a job performs. It must honor ctx: cancellation is
// cooperative and takes effect at the function's own suspension points.
type Fn func(ctx context.Context) (any, error)

// ErrCancelled is reported by handles whose job was cancelled before or
// while running.
var ErrCancelled = errors.New("job cancelled")

// ErrEngineClosed is returned by Submit after the engine shut down.
var ErrEngineClosed = errors.New("job engine closed")

// Handle is the caller's view of one submitted job. The zero value is
// not usable; handles come from Submit.
type Handle struct {
	id      string
	kind    Kind
	account string
	mailbox string

	cancel context.CancelFunc

	mu        sync.Mutex
	status    Status
	result    any
	err       error
	cancelled bool

	done chan struct{}
}

func newHandle(kind Kind, account, mailbox string) *Handle {
	return &Handle{
		id:      uuid.NewString(),
		kind:    kind,
		account: account,
		mailbox: mailbox,
		done:    make(chan struct{}),
	}
}

// ID returns the job's unique identifier.
func (h *Handle) ID() string { return h.id }

// Kind returns what the job does.
func (h *Handle) Kind() Kind { return h.kind }

// Account returns the owning account.
func (h *Handle) Account() string { return h.account }

// Status returns the job's current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Done returns a channel closed when the job reaches a terminal status.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the job's outcome. Valid only after Done is closed;
// before that it reports a nil result and nil error.
func (h *Handle) Result() (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == Done || h.status == Failed || h.status == Cancelled {
		return h.result, h.err
	}
	return nil, nil
}

// Wait blocks until the job finishes or ctx expires.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cooperative cancellation. A pending job is dropped
// from the queue; a running one finishes its current atomic step and
// then reports Cancelled.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.status == Done || h.status == Failed || h.status == Cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	pending := h.status == Pending
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pending {
		h.finish(Cancelled, nil, ErrCancelled)
	}
}

// finish moves the handle to a terminal status exactly once.
func (h *Handle) finish(status Status, result any, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == Done || h.status == Failed || h.status == Cancelled {
		return false
	}
	h.status = status
	h.result = result
	h.err = err
	close(h.done)
	return true
}

func (h *Handle) markRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != Pending {
		return false
	}
	h.status = Running
	return true
}

func (h *Handle) wasCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}
