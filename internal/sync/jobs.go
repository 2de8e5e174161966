package sync

import (
	"context"
	"errors"

	"github.com/petrel-mail/petrel/internal/backend"
	"github.com/petrel-mail/petrel/internal/domain"
	"github.com/petrel-mail/petrel/internal/job"
)

// Consumer-submitted jobs. The job functions only talk to the backend;
// the coordinator applies their results to the cache once they finish,
// so a cancelled job never leaves a half-applied cache state.

// SetFlags applies a flag delta remotely, then mirrors it into the
// cache and emits EnvelopeUpdated events. Returns nil after Close.
func (c *Coordinator) SetFlags(mailbox string, uids []string, delta domain.FlagDelta) *job.Handle {
	// The waitgroup add must be ordered against Close's Wait, so it
	// happens under the same lock that flips closed.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.wg.Add(1)
	c.mu.Unlock()

	h := c.engine.Submit(c.account, job.SetFlags, mailbox, func(ctx context.Context) (any, error) {
		return nil, c.backend.SetFlags(ctx, mailbox, uids, delta)
	})

	go func() {
		defer c.wg.Done()
		if _, err := h.Wait(c.ctx); err != nil {
			return
		}
		for _, uid := range uids {
			if err := c.cache.SetFlags(c.ctx, c.account, mailbox, uid, delta); err != nil {
				c.logger.WithError(err).WithField("uid", uid).
					Warn("failed to mirror flag change into cache")
				continue
			}
			e, err := c.cache.GetEnvelope(c.ctx, c.account, mailbox, uid)
			if err != nil {
				continue
			}
			c.applyToForest(mailbox, *e, false)
			c.publish(domain.Event{
				Kind:     domain.EventEnvelopeUpdated,
				Account:  c.account,
				Mailbox:  mailbox,
				UID:      uid,
				Envelope: e,
			})
		}
	}()
	return h
}

// MarkSeen marks messages read.
func (c *Coordinator) MarkSeen(mailbox string, uids []string) *job.Handle {
	return c.SetFlags(mailbox, uids, domain.FlagDelta{Add: domain.FlagSeen})
}

// Expunge permanently removes messages remotely, then prunes them from
// the cache and emits EnvelopeExpunged events. Returns nil after Close.
func (c *Coordinator) Expunge(mailbox string, uids []string) *job.Handle {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.wg.Add(1)
	c.mu.Unlock()

	h := c.engine.Submit(c.account, job.Expunge, mailbox, func(ctx context.Context) (any, error) {
		return nil, c.backend.Expunge(ctx, mailbox, uids)
	})

	go func() {
		defer c.wg.Done()
		if _, err := h.Wait(c.ctx); err != nil {
			return
		}
		for _, uid := range uids {
			if err := c.cache.DeleteEnvelope(c.ctx, c.account, mailbox, uid); err != nil {
				c.logger.WithError(err).WithField("uid", uid).
					Warn("failed to prune expunged envelope from cache")
				continue
			}
			c.removeFromForest(mailbox, uid)
			c.publish(domain.Event{
				Kind:    domain.EventEnvelopeExpunged,
				Account: c.account,
				Mailbox: mailbox,
				UID:     uid,
			})
		}
	}()
	return h
}

// FetchBody resolves a body locator to raw message bytes, consulting
// the in-memory body cache first. The handle's result is []byte.
func (c *Coordinator) FetchBody(locator string) *job.Handle {
	if c.ctx.Err() != nil {
		return nil
	}
	return c.engine.Submit(c.account, job.FetchBody, "", func(ctx context.Context) (any, error) {
		if c.bodies != nil {
			if body, ok := c.bodies.Get(locator); ok {
				return body, nil
			}
		}
		body, err := c.backend.FetchBody(ctx, locator)
		if err != nil {
			return nil, err
		}
		if c.bodies != nil {
			c.bodies.Put(locator, body)
		}
		return body, nil
	})
}

// Search evaluates a query. Backends without native search fall back to
// the cache's full-text index. The handle's result is []string of UIDs.
func (c *Coordinator) Search(query string) *job.Handle {
	if c.ctx.Err() != nil {
		return nil
	}
	return c.engine.Submit(c.account, job.Search, "", func(ctx context.Context) (any, error) {
		uids, err := c.backend.Search(ctx, query)
		if err == nil {
			return uids, nil
		}
		if !errors.Is(err, backend.ErrUnsupported) {
			return nil, err
		}

		envelopes, err := c.cache.Search(ctx, c.account, query)
		if err != nil {
			return nil, err
		}
		uids = make([]string, len(envelopes))
		for i, e := range envelopes {
			uids[i] = e.UID
		}
		return uids, nil
	})
}
