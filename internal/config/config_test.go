package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Sync.Interval != "5m" {
		t.Errorf("default interval = %q, want %q", cfg.Sync.Interval, "5m")
	}
	if cfg.Sync.Workers != 4 {
		t.Errorf("default workers = %d, want 4", cfg.Sync.Workers)
	}
	if cfg.Cache.BodyCacheSize != 128 {
		t.Errorf("default body_cache_size = %d, want 128", cfg.Cache.BodyCacheSize)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	content := `
[sync]
interval = "10m"
workers = 2

[[accounts]]
name = "work"
backend = "imap"
host = "mail.example.org"
port = 993
username = "me"
tls = true

[[accounts]]
name = "archive"
backend = "maildir"
root = "/home/me/Maildir"
`
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Sync.Interval != "10m" {
		t.Errorf("interval = %q, want %q", cfg.Sync.Interval, "10m")
	}
	if len(cfg.Accounts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(cfg.Accounts))
	}
	if cfg.Accounts[0].Backend != "imap" || cfg.Accounts[0].Host != "mail.example.org" {
		t.Errorf("imap account = %+v", cfg.Accounts[0])
	}
	if cfg.Accounts[1].Backend != "maildir" || cfg.Accounts[1].Root != "/home/me/Maildir" {
		t.Errorf("maildir account = %+v", cfg.Accounts[1])
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("Load() should return defaults for missing file, got error: %v", err)
	}
	if cfg.Sync.Interval != "5m" {
		t.Errorf("interval = %q, want default %q", cfg.Sync.Interval, "5m")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(cfgPath, []byte("not valid [[ toml"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(cfgPath)
	if err == nil {
		t.Fatal("Load() should return error for invalid TOML")
	}
	if !strings.Contains(err.Error(), "failed to parse config") {
		t.Errorf("error = %q, want it to contain %q", err.Error(), "failed to parse config")
	}
}

func TestLoad_RejectsBrokenAccounts(t *testing.T) {
	cases := map[string]string{
		"missing name": `
[[accounts]]
backend = "notmuch"
`,
		"unknown backend": `
[[accounts]]
name = "x"
backend = "carrier-pigeon"
`,
		"imap without host": `
[[accounts]]
name = "x"
backend = "imap"
`,
		"duplicate names": `
[[accounts]]
name = "x"
backend = "notmuch"

[[accounts]]
name = "x"
backend = "notmuch"
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			cfgPath := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(cfgPath); err == nil {
				t.Error("Load() should reject invalid account config")
			}
		})
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("90s", time.Minute); got != 90*time.Second {
		t.Errorf("Duration(90s) = %v", got)
	}
	if got := Duration("", time.Minute); got != time.Minute {
		t.Errorf("Duration(empty) = %v, want fallback", got)
	}
	if got := Duration("junk", time.Minute); got != time.Minute {
		t.Errorf("Duration(junk) = %v, want fallback", got)
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		dir := ConfigDir()
		want := "/custom/config/petrel"
		if dir != want {
			t.Errorf("ConfigDir() = %q, want %q", dir, want)
		}
	})
	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		dir := ConfigDir()
		if !strings.HasSuffix(dir, filepath.Join(".config", "petrel")) {
			t.Errorf("ConfigDir() = %q, want suffix %q", dir, filepath.Join(".config", "petrel"))
		}
	})
}

func TestDataDir(t *testing.T) {
	t.Run("with XDG_DATA_HOME", func(t *testing.T) {
		t.Setenv("XDG_DATA_HOME", "/custom/data")
		dir := DataDir()
		want := "/custom/data/petrel"
		if dir != want {
			t.Errorf("DataDir() = %q, want %q", dir, want)
		}
	})
	t.Run("without XDG_DATA_HOME", func(t *testing.T) {
		t.Setenv("XDG_DATA_HOME", "")
		dir := DataDir()
		if !strings.HasSuffix(dir, filepath.Join(".local", "share", "petrel")) {
			t.Errorf("DataDir() = %q, want suffix %q", dir, filepath.Join(".local", "share", "petrel"))
		}
	})
}
