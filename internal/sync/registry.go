package sync

import (
	"fmt"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/petrel-mail/petrel/internal/backend"
	"github.com/petrel-mail/petrel/internal/cache"
	"github.com/petrel-mail/petrel/internal/job"
)

// Registry owns one coordinator per configured account for the life of
// the session. It is built explicitly at startup or config reload and
// torn down on shutdown.
type Registry struct {
	engine *job.Engine
	cache  *cache.DB
	bodies *cache.BodyCache
	logger *logrus.Logger

	backoff           BackoffConfig
	pollInterval      time.Duration
	reconnectInterval time.Duration

	mu           gosync.Mutex
	coordinators map[string]*Coordinator
}

// RegistryConfig carries the shared infrastructure and sync tunables
// every account inherits.
type RegistryConfig struct {
	Engine *job.Engine
	Cache  *cache.DB
	Bodies *cache.BodyCache
	Logger *logrus.Logger

	Backoff           BackoffConfig
	PollInterval      time.Duration
	ReconnectInterval time.Duration
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		engine:            cfg.Engine,
		cache:             cfg.Cache,
		bodies:            cfg.Bodies,
		logger:            cfg.Logger,
		backoff:           cfg.Backoff,
		pollInterval:      cfg.PollInterval,
		reconnectInterval: cfg.ReconnectInterval,
		coordinators:      make(map[string]*Coordinator),
	}
}

// Add registers an account and starts its coordinator. The registry
// takes ownership of the backend.
func (r *Registry) Add(account string, b backend.Backend) (*Coordinator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.coordinators[account]; exists {
		return nil, fmt.Errorf("account %q already registered", account)
	}

	c := NewCoordinator(Config{
		Account:           account,
		Backend:           b,
		Cache:             r.cache,
		Bodies:            r.bodies,
		Engine:            r.engine,
		Logger:            r.logger,
		Backoff:           r.backoff,
		PollInterval:      r.pollInterval,
		ReconnectInterval: r.reconnectInterval,
	})
	r.coordinators[account] = c
	c.Start()
	return c, nil
}

// Get returns the coordinator for an account, or nil.
func (r *Registry) Get(account string) *Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.coordinators[account]
}

// Accounts lists the registered account names.
func (r *Registry) Accounts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.coordinators))
	for name := range r.coordinators {
		names = append(names, name)
	}
	return names
}

// Remove tears down one account's coordinator, cancelling its jobs and
// closing its event stream.
func (r *Registry) Remove(account string) {
	r.mu.Lock()
	c, ok := r.coordinators[account]
	delete(r.coordinators, account)
	r.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Close tears down every coordinator.
func (r *Registry) Close() {
	r.mu.Lock()
	coordinators := r.coordinators
	r.coordinators = make(map[string]*Coordinator)
	r.mu.Unlock()

	for _, c := range coordinators {
		c.Close()
	}
}
