// Package sync keeps accounts eventually consistent with their remote
// stores. One Coordinator per account orchestrates the job engine, the
// backend and the cache, and emits change events; consumers read cache
// snapshots and thread forests synchronously and mutate only through
// submitted jobs.
package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/petrel-mail/petrel/internal/backend"
	"github.com/petrel-mail/petrel/internal/cache"
	"github.com/petrel-mail/petrel/internal/domain"
	"github.com/petrel-mail/petrel/internal/job"
	"github.com/petrel-mail/petrel/internal/thread"
)

// Config wires one coordinator.
type Config struct {
	Account string
	Backend backend.Backend
	Cache   *cache.DB
	Bodies  *cache.BodyCache
	Engine  *job.Engine
	Logger  *logrus.Logger

	Backoff BackoffConfig

	// PollInterval is the periodic full re-sync cadence while idle.
	PollInterval time.Duration

	// ReconnectInterval is how long an offline account waits before the
	// next connection attempt.
	ReconnectInterval time.Duration
}

// Coordinator owns one account's sync state machine.
type Coordinator struct {
	account string
	backend backend.Backend
	cache   *cache.DB
	bodies  *cache.BodyCache
	engine  *job.Engine
	logger  *logrus.Logger

	backoffCfg        BackoffConfig
	pollInterval      time.Duration
	reconnectInterval time.Duration

	events *broadcaster
	resync chan string

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	mu      gosync.Mutex
	status  domain.AccountStatus
	forests map[string]*thread.Forest
	subs    map[string]backend.Subscription
	closed  bool
}

// NewCoordinator builds a coordinator in the Uninitialized state.
// Nothing runs until Start.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		account:           cfg.Account,
		backend:           cfg.Backend,
		cache:             cfg.Cache,
		bodies:            cfg.Bodies,
		engine:            cfg.Engine,
		logger:            cfg.Logger,
		backoffCfg:        cfg.Backoff,
		pollInterval:      cfg.PollInterval,
		reconnectInterval: cfg.ReconnectInterval,
		events:            newBroadcaster(cfg.Logger),
		resync:            make(chan string, 16),
		ctx:               ctx,
		cancel:            cancel,
		status:            domain.AccountStatus{State: domain.AccountUninitialized},
		forests:           make(map[string]*thread.Forest),
		subs:              make(map[string]backend.Subscription),
	}
}

// Start launches the sync loop.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.run()
}

// Subscribe registers an event listener. Events arrive in the order the
// coordinator determined them; the returned function unsubscribes.
func (c *Coordinator) Subscribe() (<-chan domain.Event, func()) {
	return c.events.subscribe()
}

// Status returns the account's current sync state.
func (c *Coordinator) Status() domain.AccountStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Envelopes returns the cached envelopes of a mailbox, newest first.
func (c *Coordinator) Envelopes(ctx context.Context, mailbox string) ([]domain.Envelope, error) {
	return c.cache.ListEnvelopes(ctx, c.account, mailbox)
}

// Mailboxes returns the cached mailbox list.
func (c *Coordinator) Mailboxes(ctx context.Context) ([]domain.Mailbox, error) {
	return c.cache.ListMailboxes(ctx, c.account)
}

// Threads returns the current conversation forest of a mailbox, or nil
// before its first sync.
func (c *Coordinator) Threads(mailbox string) []*thread.ThreadNode {
	c.mu.Lock()
	f := c.forests[mailbox]
	c.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Threads()
}

// SyncNow requests an out-of-band re-sync of one mailbox. Non-blocking;
// a request already queued for the mailbox coalesces.
func (c *Coordinator) SyncNow(mailbox string) {
	select {
	case c.resync <- mailbox:
	default:
	}
}

// Close cancels all jobs and subscriptions and shuts the event stream.
// After Close returns, no further events are delivered for this
// account.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.engine.CancelAccount(c.account)
	c.stopWatches()
	c.wg.Wait()
	c.events.close()
	if err := c.backend.Close(); err != nil {
		c.logger.WithError(err).WithField("account", c.account).
			Warn("failed to close backend")
	}
}

// setStatus transitions the state machine and emits an event when the
// status actually changed.
func (c *Coordinator) setStatus(state domain.AccountState, reason string) {
	c.mu.Lock()
	next := domain.AccountStatus{State: state, Reason: reason}
	if c.status == next {
		c.mu.Unlock()
		return
	}
	c.status = next
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"account": c.account,
		"status":  next.String(),
	}).Debug("account status changed")
	c.publish(domain.Event{
		Kind:    domain.EventAccountStatusChanged,
		Account: c.account,
		Status:  next,
	})
}

func (c *Coordinator) publish(e domain.Event) {
	if c.ctx.Err() != nil && e.Kind != domain.EventAccountStatusChanged {
		return
	}
	c.events.publish(e)
}

// run is the account lifecycle: connect, serve until the connection
// dies, then reconnect with offline pauses in between. Auth rejection
// parks the account in Failed until reconfigured.
func (c *Coordinator) run() {
	defer c.wg.Done()

	for {
		if c.ctx.Err() != nil {
			return
		}
		c.setStatus(domain.AccountConnecting, "")

		err := c.connect()
		if err == nil {
			err = c.serve()
		}

		switch {
		case err == nil || c.ctx.Err() != nil:
			return
		case backend.IsAuthFailure(err):
			c.setStatus(domain.AccountFailed, err.Error())
			return
		default:
			c.logger.WithError(err).WithField("account", c.account).
				Warn("account going offline")
			c.setStatus(domain.AccountOffline, "")
			if !c.sleep(c.reconnectInterval) {
				return
			}
		}
	}
}

// connect runs the connect job, alone on the account queue.
func (c *Coordinator) connect() error {
	_, err := c.withRetry(job.Connect, "", func(ctx context.Context) (any, error) {
		return nil, c.backend.Connect(ctx)
	})
	return err
}

// serve syncs everything, then holds the account idle: watch
// subscriptions and the periodic poll both funnel into mailbox
// re-syncs. Returns nil only on cancellation.
func (c *Coordinator) serve() error {
	if err := c.syncAll(); err != nil {
		return err
	}
	c.startWatches()
	defer c.stopWatches()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return nil

		case mailbox := <-c.resync:
			c.setStatus(domain.AccountSyncing, "")
			if err := c.syncMailbox(mailbox); err != nil {
				if backend.IsRetryable(err) || backend.IsAuthFailure(err) {
					return err
				}
				c.logger.WithError(err).WithFields(logrus.Fields{
					"account": c.account,
					"mailbox": mailbox,
				}).Warn("mailbox sync failed, keeping last known good state")
			}
			c.setStatus(domain.AccountIdle, "")

		case <-ticker.C:
			if err := c.syncAll(); err != nil {
				return err
			}
		}
	}
}

// syncAll refreshes the mailbox list and syncs every mailbox.
func (c *Coordinator) syncAll() error {
	c.setStatus(domain.AccountSyncing, "")

	result, err := c.withRetry(job.ListMailboxes, "", func(ctx context.Context) (any, error) {
		return c.backend.ListMailboxes(ctx)
	})
	if err != nil {
		return err
	}
	boxes := result.([]domain.Mailbox)

	cached, err := c.cache.ListMailboxes(c.ctx, c.account)
	if err != nil {
		c.logger.WithError(err).Warn("failed to read cached mailboxes")
	}
	if !mailboxesEqual(cached, boxes) {
		for _, m := range boxes {
			if err := c.cache.UpsertMailbox(c.ctx, c.account, m); err != nil {
				return err
			}
		}
		c.publish(domain.Event{
			Kind:      domain.EventMailboxListUpdated,
			Account:   c.account,
			Mailboxes: boxes,
		})
	}

	for _, m := range boxes {
		if err := c.syncMailbox(m.Name); err != nil {
			if backend.IsRetryable(err) || backend.IsAuthFailure(err) {
				return err
			}
			c.logger.WithError(err).WithFields(logrus.Fields{
				"account": c.account,
				"mailbox": m.Name,
			}).Warn("mailbox sync failed, keeping last known good state")
		}
	}

	c.setStatus(domain.AccountIdle, "")
	return nil
}

// syncMailbox fetches since the stored cursor, diffs against the cache
// and applies the result envelope by envelope. Expunges are inferred
// only from full results.
func (c *Coordinator) syncMailbox(mailbox string) error {
	cursor, err := c.cache.GetCursor(c.ctx, c.account, mailbox)
	if err != nil {
		c.logger.WithError(err).Warn("failed to read sync cursor, forcing full fetch")
		cursor = ""
	}

	result, err := c.withRetry(job.FetchEnvelopes, mailbox, func(ctx context.Context) (any, error) {
		return c.backend.FetchEnvelopes(ctx, mailbox, cursor)
	})
	if err != nil {
		return err
	}
	res := result.(*backend.FetchResult)

	cachedList, err := c.cache.ListEnvelopes(c.ctx, c.account, mailbox)
	if err != nil {
		return err
	}
	cached := make(map[string]domain.Envelope, len(cachedList))
	for _, e := range cachedList {
		cached[e.UID] = e
	}

	fetched := make(map[string]bool, len(res.Envelopes))
	for i := range res.Envelopes {
		e := res.Envelopes[i]
		fetched[e.UID] = true

		prev, known := cached[e.UID]
		if err := c.cache.UpsertEnvelope(c.ctx, c.account, &e, res.Cursor); err != nil {
			return err
		}

		switch {
		case !known:
			c.applyToForest(mailbox, e, res.Full)
			c.publish(domain.Event{
				Kind:     domain.EventNewEnvelope,
				Account:  c.account,
				Mailbox:  mailbox,
				UID:      e.UID,
				Envelope: &e,
			})
		case prev.Flags != e.Flags:
			c.applyToForest(mailbox, e, res.Full)
			c.publish(domain.Event{
				Kind:     domain.EventEnvelopeUpdated,
				Account:  c.account,
				Mailbox:  mailbox,
				UID:      e.UID,
				Envelope: &e,
			})
		default:
			c.applyToForest(mailbox, e, res.Full)
		}
	}

	if res.Full {
		for uid := range cached {
			if fetched[uid] {
				continue
			}
			if err := c.cache.DeleteEnvelope(c.ctx, c.account, mailbox, uid); err != nil {
				return err
			}
			c.removeFromForest(mailbox, uid)
			c.publish(domain.Event{
				Kind:    domain.EventEnvelopeExpunged,
				Account: c.account,
				Mailbox: mailbox,
				UID:     uid,
			})
		}
	}

	if err := c.cache.SetCursor(c.ctx, c.account, mailbox, res.Cursor); err != nil {
		return err
	}
	return nil
}

// applyToForest threads one envelope incrementally. A full result for a
// mailbox without a forest yet seeds it empty first.
func (c *Coordinator) applyToForest(mailbox string, e domain.Envelope, full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.forests[mailbox]
	if f == nil {
		f = thread.New(c.logger)
		c.forests[mailbox] = f
		if !full {
			// Incremental fetch against a fresh process: seed the
			// forest from the cache before layering the change on top.
			if list, err := c.cache.ListEnvelopes(c.ctx, c.account, mailbox); err == nil {
				for _, cached := range list {
					if cached.UID != e.UID {
						f.Add(cached)
					}
				}
			}
		}
	}
	f.Add(e)
}

func (c *Coordinator) removeFromForest(mailbox, uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f := c.forests[mailbox]; f != nil {
		f.Remove(mailbox, uid)
	}
}

// withRetry submits fn as a job and retries retryable failures on an
// exponential schedule. Exhaustion returns the last error.
func (c *Coordinator) withRetry(kind job.Kind, mailbox string, fn job.Fn) (any, error) {
	bo := newBackoff(c.backoffCfg)
	for {
		h := c.engine.Submit(c.account, kind, mailbox, fn)
		result, err := h.Wait(c.ctx)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, job.ErrCancelled) || c.ctx.Err() != nil {
			return nil, context.Canceled
		}
		if !backend.IsRetryable(err) {
			return nil, err
		}
		delay, ok := bo.next()
		if !ok {
			return nil, err
		}
		c.logger.WithError(err).WithFields(logrus.Fields{
			"account": c.account,
			"job":     kind.String(),
			"delay":   delay.String(),
		}).Debug("retrying after backoff")
		if !c.sleep(delay) {
			return nil, context.Canceled
		}
	}
}

// sleep waits for d unless the coordinator is cancelled first.
func (c *Coordinator) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// startWatches opens one change subscription per cached mailbox and
// funnels notifications into mailbox re-syncs.
func (c *Coordinator) startWatches() {
	boxes, err := c.cache.ListMailboxes(c.ctx, c.account)
	if err != nil {
		c.logger.WithError(err).Warn("failed to list mailboxes for watching")
		return
	}

	for _, m := range boxes {
		mailbox := m.Name
		h := c.engine.Submit(c.account, job.Watch, mailbox, func(ctx context.Context) (any, error) {
			return c.backend.Watch(ctx, mailbox)
		})
		result, err := h.Wait(c.ctx)
		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"account": c.account,
				"mailbox": mailbox,
			}).Warn("failed to watch mailbox, relying on periodic sync")
			continue
		}
		sub := result.(backend.Subscription)

		c.mu.Lock()
		c.subs[mailbox] = sub
		c.mu.Unlock()

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for change := range sub.Changes() {
				select {
				case c.resync <- change.Mailbox:
				default:
				}
			}
		}()
	}
}

func (c *Coordinator) stopWatches() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]backend.Subscription)
	c.mu.Unlock()

	for mailbox, sub := range subs {
		if err := sub.Close(); err != nil {
			c.logger.WithError(err).WithField("mailbox", mailbox).
				Warn("failed to close watch subscription")
		}
	}
}

func mailboxesEqual(a, b []domain.Mailbox) bool {
	if len(a) != len(b) {
		return false
	}
	byName := make(map[string]domain.Mailbox, len(a))
	for _, m := range a {
		byName[m.Name] = m
	}
	for _, m := range b {
		prev, ok := byName[m.Name]
		if !ok || prev.Total != m.Total || prev.Unseen != m.Unseen {
			return false
		}
	}
	return true
}
