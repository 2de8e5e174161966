package backend

import (
	"context"
	"sync"
	"time"
)

// PollSubscription simulates a push subscription for variants without
// native change notification by emitting a change on a fixed interval.
// The consumer re-fetches on every change and diffs against its cache,
// so a spurious notification costs one cheap incremental fetch.
type PollSubscription struct {
	mailbox  string
	interval time.Duration
	probe    func(ctx context.Context) (bool, error)

	ch        chan Change
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// NewPollSubscription starts a polling loop for mailbox. When probe is
// non-nil it is consulted each tick and a change is emitted only when
// it returns true; a nil probe emits unconditionally. Probe errors are
// swallowed: the next sync will surface them authoritatively.
//
// ctx bounds subscription setup only; once started, the loop runs until
// Close and ignores ctx cancellation. Values on ctx stay visible to the
// probe.
func NewPollSubscription(ctx context.Context, mailbox string, interval time.Duration, probe func(ctx context.Context) (bool, error)) *PollSubscription {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &PollSubscription{
		mailbox:  mailbox,
		interval: interval,
		probe:    probe,
		ch:       make(chan Change, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.loop(ctx)
	return s
}

func (s *PollSubscription) loop(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		changed := true
		if s.probe != nil {
			got, err := s.probe(ctx)
			if err != nil {
				continue
			}
			changed = got
		}
		if !changed {
			continue
		}

		// Non-blocking send; a pending notification already implies a
		// re-sync, coalescing further ones.
		select {
		case s.ch <- Change{Mailbox: s.mailbox}:
		default:
		}
	}
}

// Changes returns the notification channel. It is closed on Close.
func (s *PollSubscription) Changes() <-chan Change {
	return s.ch
}

// Close stops the polling loop. Safe to call more than once.
func (s *PollSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
