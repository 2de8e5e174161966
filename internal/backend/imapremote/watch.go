package imapremote

import (
	"context"
	"sync"

	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/petrel-mail/petrel/internal/backend"
)

// idleWatch keeps an IMAP IDLE running on the shared connection and
// converts unilateral EXISTS/EXPUNGE notifications into changes. Other
// commands suspend it via the backend's withConn wrapper.
type idleWatch struct {
	mailbox string

	mu      sync.Mutex
	cmd     *imapclient.IdleCommand
	stopped bool

	ch        chan backend.Change
	closeOnce sync.Once
	backend   *Backend
}

// Watch starts an IDLE subscription for mailbox. Only one watch per
// backend is held at a time; starting a new one replaces the old.
func (b *Backend) Watch(ctx context.Context, mailbox string) (backend.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.connectLocked(ctx); err != nil {
		return nil, err
	}
	if b.idle != nil {
		b.idle.closeLocked()
		b.idle = nil
	}
	if b.selected != mailbox {
		if _, err := b.selectLocked(mailbox); err != nil {
			return nil, err
		}
	}

	// ctx bounds setup only; the running IDLE is torn down by Close or
	// by a replacing Watch.
	w := &idleWatch{
		mailbox: mailbox,
		ch:      make(chan backend.Change, 1),
		backend: b,
	}
	b.idle = w
	w.startLocked(b.client)
	return w, nil
}

// notifyIdle forwards a unilateral server notification to the active
// watch, if any. Called from the imapclient reader goroutine.
func (b *Backend) notifyIdle() {
	b.mu.Lock()
	w := b.idle
	b.mu.Unlock()
	if w == nil {
		return
	}
	select {
	case w.ch <- backend.Change{Mailbox: w.mailbox}:
	default:
	}
}

// suspendIdleLocked breaks a running IDLE so another command can use
// the connection. Caller holds b.mu.
func (b *Backend) suspendIdleLocked() {
	if b.idle != nil {
		b.idle.suspend()
	}
}

// resumeIdleLocked restarts IDLE after a command completes. Caller
// holds b.mu.
func (b *Backend) resumeIdleLocked() {
	if b.idle != nil && b.client != nil && b.selected == b.idle.mailbox {
		b.idle.startLocked(b.client)
	}
}

func (b *Backend) stopIdleLocked() {
	if b.idle != nil {
		b.idle.closeLocked()
		b.idle = nil
	}
}

func (w *idleWatch) startLocked(client *imapclient.Client) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.cmd != nil {
		return
	}
	cmd, err := client.Idle()
	if err != nil {
		w.backend.logger.WithError(err).WithField("mailbox", w.mailbox).
			Warn("imap: failed to enter idle")
		return
	}
	w.cmd = cmd
}

func (w *idleWatch) suspend() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil {
		return
	}
	if err := w.cmd.Close(); err != nil {
		w.backend.logger.WithError(err).Warn("imap: failed to break idle")
	}
	_ = w.cmd.Wait()
	w.cmd = nil
}

func (w *idleWatch) Changes() <-chan backend.Change {
	return w.ch
}

func (w *idleWatch) Close() error {
	w.backend.mu.Lock()
	defer w.backend.mu.Unlock()
	w.closeLocked()
	if w.backend.idle == w {
		w.backend.idle = nil
	}
	return nil
}

// closeLocked stops the watch. Caller holds the backend mutex.
func (w *idleWatch) closeLocked() {
	w.closeOnce.Do(func() {
		w.suspend()
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		close(w.ch)
	})
}
