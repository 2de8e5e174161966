package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/petrel-mail/petrel/internal/backend"
	"github.com/petrel-mail/petrel/internal/backend/imapremote"
	"github.com/petrel-mail/petrel/internal/backend/jmapapi"
	"github.com/petrel-mail/petrel/internal/backend/maildirfs"
	"github.com/petrel-mail/petrel/internal/backend/notmuchq"
	"github.com/petrel-mail/petrel/internal/cache"
	"github.com/petrel-mail/petrel/internal/config"
	"github.com/petrel-mail/petrel/internal/credential"
	"github.com/petrel-mail/petrel/internal/domain"
	"github.com/petrel-mail/petrel/internal/job"
	"github.com/petrel-mail/petrel/internal/sync"
)

// app bundles the wired-up infrastructure one command invocation uses.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	cache    *cache.DB
	engine   *job.Engine
	registry *sync.Registry
}

// newApp loads config and opens the cache, engine and registry. The
// caller must call close.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	cachePath := cfg.CachePath()
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := cache.New(cachePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	bodies, err := cache.NewBodyCache(cfg.Cache.BodyCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	engine := job.NewEngine(cfg.Sync.Workers, logger)
	registry := sync.NewRegistry(sync.RegistryConfig{
		Engine: engine,
		Cache:  db,
		Bodies: bodies,
		Logger: logger,
		Backoff: sync.BackoffConfig{
			Min:     config.Duration(cfg.Sync.BackoffMin, time.Second),
			Max:     config.Duration(cfg.Sync.BackoffMax, 2*time.Minute),
			Retries: cfg.Sync.Retries,
		},
		PollInterval:      config.Duration(cfg.Sync.Interval, 5*time.Minute),
		ReconnectInterval: config.Duration(cfg.Sync.ReconnectInterval, time.Minute),
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		cache:    db,
		engine:   engine,
		registry: registry,
	}, nil
}

func (a *app) close() {
	a.registry.Close()
	a.engine.Close()
	if err := a.cache.Close(); err != nil {
		a.logger.WithError(err).Warn("failed to close cache")
	}
}

// start builds the account's backend, registers it and waits for the
// first sync to settle.
func (a *app) start(account string) (*sync.Coordinator, error) {
	acct, err := a.accountConfig(account)
	if err != nil {
		return nil, err
	}
	b, err := a.buildBackend(acct)
	if err != nil {
		return nil, err
	}
	c, err := a.registry.Add(acct.Name, b)
	if err != nil {
		return nil, err
	}
	return c, a.waitSettled(c)
}

// accountConfig picks the named account, or the only configured one.
func (a *app) accountConfig(name string) (*config.AccountConfig, error) {
	if len(a.cfg.Accounts) == 0 {
		return nil, fmt.Errorf("no accounts configured; edit %s", filepath.Join(config.ConfigDir(), "config.toml"))
	}
	if name == "" {
		if len(a.cfg.Accounts) == 1 {
			return &a.cfg.Accounts[0], nil
		}
		return nil, fmt.Errorf("several accounts configured, pick one with --account")
	}
	for i := range a.cfg.Accounts {
		if a.cfg.Accounts[i].Name == name {
			return &a.cfg.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("unknown account %q", name)
}

// buildBackend constructs the account's backend variant. Secrets left
// out of the config file come from the OS keyring.
func (a *app) buildBackend(acct *config.AccountConfig) (backend.Backend, error) {
	switch acct.Backend {
	case "imap":
		password := acct.Password
		if password == "" {
			secret, err := credential.NewStore().Load(acct.Name)
			if err != nil {
				return nil, fmt.Errorf("account %q has no password; store one with 'petrel secret set %s': %w",
					acct.Name, acct.Name, err)
			}
			password = secret
		}
		port := ""
		if acct.Port != 0 {
			port = strconv.Itoa(acct.Port)
		}
		return imapremote.New(imapremote.Config{
			Host:     acct.Host,
			Port:     port,
			Username: acct.Username,
			Password: password,
			TLS:      acct.TLS,
		}, a.logger), nil

	case "maildir":
		return maildirfs.New(acct.Root, a.logger), nil

	case "notmuch":
		return notmuchq.New(notmuchq.Config{
			Command:    acct.Command,
			ConfigPath: acct.ConfigPath,
		}, a.logger), nil

	case "jmap":
		token := acct.Token
		if token == "" && acct.Password == "" {
			secret, err := credential.NewStore().Load(acct.Name)
			if err != nil {
				return nil, fmt.Errorf("account %q has no token; store one with 'petrel secret set %s': %w",
					acct.Name, acct.Name, err)
			}
			token = secret
		}
		return jmapapi.New(jmapapi.Config{
			Endpoint: acct.Endpoint,
			Token:    token,
			Username: acct.Username,
			Password: acct.Password,
		}, a.logger), nil

	default:
		return nil, fmt.Errorf("unknown backend %q", acct.Backend)
	}
}

// waitSettled blocks until the account reaches a settled state after
// its first sync pass.
func (a *app) waitSettled(c *sync.Coordinator) error {
	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	settled := func(s domain.AccountStatus) bool {
		switch s.State {
		case domain.AccountIdle, domain.AccountOffline, domain.AccountFailed:
			return true
		}
		return false
	}

	if settled(c.Status()) {
		return nil
	}
	timeout := time.After(5 * time.Minute)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Kind == domain.EventAccountStatusChanged && settled(e.Status) {
				return nil
			}
		case <-timeout:
			return fmt.Errorf("account never settled, still %s", c.Status())
		}
	}
}
