package sync

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/petrel-mail/petrel/internal/domain"
)

// listenerBuffer is the per-listener event queue depth. A listener that
// falls this far behind starts losing events; the account status it
// reads next still reflects reality, so it can re-read the cache.
const listenerBuffer = 256

// broadcaster fans events out to every current listener in publish
// order. Closing it closes every listener channel; nothing can be
// published afterwards.
type broadcaster struct {
	logger *logrus.Logger

	mu        sync.Mutex
	listeners map[int]chan domain.Event
	nextID    int
	closed    bool
}

func newBroadcaster(logger *logrus.Logger) *broadcaster {
	return &broadcaster{
		logger:    logger,
		listeners: make(map[int]chan domain.Event),
	}
}

// subscribe registers a listener. The returned function unsubscribes
// and closes the channel; calling it more than once is safe.
func (b *broadcaster) subscribe() (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.Event, listenerBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.listeners[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.listeners[id]; ok {
				delete(b.listeners, id)
				close(ch)
			}
		})
	}
	return ch, unsubscribe
}

// publish delivers one event to every listener. Holding the lock across
// all sends keeps per-account ordering identical for each listener.
func (b *broadcaster) publish(e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.listeners {
		select {
		case ch <- e:
		default:
			b.logger.WithFields(logrus.Fields{
				"account": e.Account,
				"event":   e.Kind.String(),
			}).Warn("dropping event for slow listener")
		}
	}
}

// close shuts every listener channel. Publishes after close are
// silently dropped, which is what the cancellation contract requires.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.listeners {
		delete(b.listeners, id)
		close(ch)
	}
}
