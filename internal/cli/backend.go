package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/meridianhq/liveset/internal/cache"
	"github.com/meridianhq/liveset/internal/config"
)

// BackendOptions holds the flags selecting the snapshot backend. Every
// snapshot command shares them; flags beat the config file.
type BackendOptions struct {
	Database  string // SQLite path
	RedisAddr string
}

// openBackend resolves the backend from flags, falling back to the config
// file when neither flag is set.
func openBackend(ctx context.Context, rootOpts *RootOptions, opts *BackendOptions) (cache.Backend, error) {
	if opts.Database != "" {
		b, err := cache.OpenSQLite(opts.Database)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open sqlite cache", err)
		}
		return b, nil
	}
	if opts.RedisAddr != "" {
		b, err := cache.OpenRedis(ctx, opts.RedisAddr, "", 0)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to reach redis cache", err)
		}
		return b, nil
	}

	cfg, err := config.Load(rootOpts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	switch cfg.Cache.Backend {
	case "sqlite":
		b, err := cache.OpenSQLite(cfg.Cache.Path)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open sqlite cache", err)
		}
		return b, nil
	case "redis":
		b, err := cache.OpenRedis(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to reach redis cache", err)
		}
		return b, nil
	}
	return nil, NewExitError(ExitCommandError, "no snapshot backend configured: pass --db or --redis, or configure one")
}

// addBackendFlags registers the shared backend flags on a command.
func addBackendFlags(cmd *cobra.Command, opts *BackendOptions) {
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite snapshot database")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis", "", "redis address (host:port)")
}
