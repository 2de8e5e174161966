package maildirfs

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/petrel-mail/petrel/internal/backend"
)

// debounceWindow coalesces bursts of filesystem events (a delivery
// touches tmp/ then renames into new/) into a single change.
const debounceWindow = 200 * time.Millisecond

// fsWatch is a push subscription backed by the kernel file watcher on
// the mailbox's cur/ and new/ directories.
type fsWatch struct {
	mailbox string
	watcher *fsnotify.Watcher

	ch        chan backend.Change
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

func newFsWatch(ctx context.Context, mailbox, dir string) (*fsWatch, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, sub := range []string{"cur", "new"} {
		if err := watcher.Add(filepath.Join(dir, sub)); err != nil {
			watcher.Close()
			return nil, err
		}
	}

	// The subscription outlives the setup context; only Close stops it.
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &fsWatch{
		mailbox: mailbox,
		watcher: watcher,
		ch:      make(chan backend.Change, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.loop(ctx)
	return w, nil
}

func (w *fsWatch) loop(ctx context.Context) {
	defer close(w.done)
	defer close(w.ch)
	defer w.watcher.Close()

	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !relevant(ev) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
				fire = debounce.C
			} else {
				debounce.Reset(debounceWindow)
			}

		case <-fire:
			debounce, fire = nil, nil
			select {
			case w.ch <- backend.Change{Mailbox: w.mailbox}:
			default:
			}

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Watcher errors are transient; the next periodic sync
			// reconciles anything missed.
		}
	}
}

// relevant filters out events on dotfiles and anything inside tmp/
// (deliveries in progress are not yet visible messages).
func relevant(ev fsnotify.Event) bool {
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0
}

func (w *fsWatch) Changes() <-chan backend.Change {
	return w.ch
}

func (w *fsWatch) Close() error {
	w.closeOnce.Do(func() {
		w.cancel()
		<-w.done
	})
	return nil
}
