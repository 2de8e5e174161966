// Package cli is the thin command-line surface over the sync engine:
// it wires config, cache, job engine and coordinators together and
// exposes one subcommand per consumer operation.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/petrel-mail/petrel/internal/config"
)

var (
	// version is set via ldflags at build time.
	version = "dev"
	cfgFile string

	// jsonFlag enables JSON output for all commands.
	jsonFlag bool

	// accountFlag selects the account to operate on.
	accountFlag string
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "petrel",
		Short:   "Mail sync engine",
		Long:    "Synchronizes IMAP, maildir, notmuch and JMAP accounts into a local cache.",
		Version: version,
	}
	root.SetVersionTemplate(fmt.Sprintf("petrel %s\n", version))
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	root.PersistentFlags().StringVar(&accountFlag, "account", "", "account name (defaults to the only configured account)")
	root.AddCommand(newSyncCmd())
	root.AddCommand(newMailboxesCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newSearchCmd())
	root.AddCommand(newReadCmd())
	root.AddCommand(newMarkReadCmd())
	root.AddCommand(newSecretCmd())
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the application configuration from the config file.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = filepath.Join(config.ConfigDir(), "config.toml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
