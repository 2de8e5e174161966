package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestEngine(t *testing.T, workers int) *Engine {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	e := NewEngine(workers, logger)
	t.Cleanup(e.Close)
	return e
}

func wait(t *testing.T, h *Handle) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := h.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("job %s did not finish", h.Kind())
	}
	return result, err
}

func TestSubmit_ReturnsHandleAndResult(t *testing.T) {
	e := newTestEngine(t, 2)

	h := e.Submit("acc", FetchBody, "INBOX", func(ctx context.Context) (any, error) {
		return []byte("body"), nil
	})
	if h.ID() == "" {
		t.Error("handle must carry an id")
	}

	result, err := wait(t, h)
	if err != nil {
		t.Fatalf("job failed: %v", err)
	}
	if string(result.([]byte)) != "body" {
		t.Errorf("result = %v", result)
	}
	if h.Status() != Done {
		t.Errorf("status = %v, want done", h.Status())
	}
}

func TestSubmit_FailedJob(t *testing.T) {
	e := newTestEngine(t, 1)

	boom := errors.New("boom")
	h := e.Submit("acc", Search, "", func(ctx context.Context) (any, error) {
		return nil, boom
	})

	_, err := wait(t, h)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if h.Status() != Failed {
		t.Errorf("status = %v, want failed", h.Status())
	}
}

func TestBoundedConcurrency(t *testing.T) {
	e := newTestEngine(t, 2)

	var current, peak atomic.Int32
	var handles []*Handle
	for i := 0; i < 6; i++ {
		handles = append(handles, e.Submit("acc", FetchEnvelopes, "INBOX", func(ctx context.Context) (any, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return nil, nil
		}))
	}
	for _, h := range handles {
		wait(t, h)
	}

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestConnect_RunsAloneAndFirst(t *testing.T) {
	e := newTestEngine(t, 4)

	var current atomic.Int32
	release := make(chan struct{})

	running := e.Submit("acc", FetchEnvelopes, "INBOX", func(ctx context.Context) (any, error) {
		current.Add(1)
		<-release
		current.Add(-1)
		return nil, nil
	})

	var connectSawOthers atomic.Bool
	connect := e.Submit("acc", Connect, "", func(ctx context.Context) (any, error) {
		if current.Load() != 0 {
			connectSawOthers.Store(true)
		}
		return nil, nil
	})

	// Submitted after the connect: must not start before it finishes.
	var lateStarted atomic.Bool
	late := e.Submit("acc", Search, "", func(ctx context.Context) (any, error) {
		lateStarted.Store(true)
		return nil, nil
	})

	// The connect drains the in-flight fetch before running.
	time.Sleep(20 * time.Millisecond)
	if connect.Status() != Pending {
		t.Errorf("connect status = %v while fetch in flight, want pending", connect.Status())
	}
	if lateStarted.Load() {
		t.Error("job behind a pending connect started early")
	}

	close(release)
	wait(t, running)
	wait(t, connect)
	wait(t, late)

	if connectSawOthers.Load() {
		t.Error("connect ran while other jobs were in flight")
	}
}

func TestMutatingJobs_SameMailboxInOrder(t *testing.T) {
	e := newTestEngine(t, 4)

	var mu sync.Mutex
	var order []int
	var handles []*Handle
	for i := 0; i < 5; i++ {
		i := i
		handles = append(handles, e.Submit("acc", SetFlags, "INBOX", func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			return nil, nil
		}))
	}
	for _, h := range handles {
		wait(t, h)
	}

	for i, got := range order {
		if got != i {
			t.Fatalf("mutation order = %v, want submission order", order)
		}
	}
}

func TestCancel_PendingJobNeverRuns(t *testing.T) {
	e := newTestEngine(t, 1)

	release := make(chan struct{})
	blocker := e.Submit("acc", FetchBody, "INBOX", func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})

	var ran atomic.Bool
	queued := e.Submit("acc", Search, "", func(ctx context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	queued.Cancel()

	close(release)
	wait(t, blocker)

	_, err := wait(t, queued)
	if !errors.Is(err, ErrCancelled) || queued.Status() != Cancelled {
		t.Errorf("cancelled pending job = %v / %v", queued.Status(), err)
	}
	if ran.Load() {
		t.Error("cancelled pending job still ran")
	}
}

func TestCancel_RunningJobReportsCancelled(t *testing.T) {
	e := newTestEngine(t, 1)

	started := make(chan struct{})
	h := e.Submit("acc", FetchEnvelopes, "INBOX", func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	<-started
	h.Cancel()

	_, err := wait(t, h)
	if !errors.Is(err, ErrCancelled) || h.Status() != Cancelled {
		t.Errorf("cancelled running job = %v / %v", h.Status(), err)
	}
}

func TestCancelAccount_DrainsEverything(t *testing.T) {
	e := newTestEngine(t, 1)

	started := make(chan struct{})
	running := e.Submit("acc", FetchEnvelopes, "INBOX", func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	queued := e.Submit("acc", Search, "", func(ctx context.Context) (any, error) {
		return nil, nil
	})

	<-started
	e.CancelAccount("acc")

	if running.Status() != Cancelled {
		t.Errorf("running job = %v, want cancelled", running.Status())
	}
	if queued.Status() != Cancelled {
		t.Errorf("queued job = %v, want cancelled", queued.Status())
	}

	// Other accounts are untouched.
	other := e.Submit("other", Search, "", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	if result, err := wait(t, other); err != nil || result != "ok" {
		t.Errorf("other account job = %v / %v", result, err)
	}
}

func TestAccounts_RunIndependently(t *testing.T) {
	e := newTestEngine(t, 1)

	release := make(chan struct{})
	slow := e.Submit("a", FetchEnvelopes, "INBOX", func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})

	fast := e.Submit("b", Search, "", func(ctx context.Context) (any, error) {
		return "done", nil
	})
	if result, err := wait(t, fast); err != nil || result != "done" {
		t.Fatalf("account b blocked behind account a: %v / %v", result, err)
	}

	close(release)
	wait(t, slow)
}

func TestSubmit_AfterClose(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	e := NewEngine(1, logger)
	e.Close()

	h := e.Submit("acc", Search, "", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	_, err := h.Result()
	if h.Status() != Failed || !errors.Is(err, ErrEngineClosed) {
		t.Errorf("submit after close = %v / %v", h.Status(), err)
	}
}
