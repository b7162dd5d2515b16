package commands

import (
	"context"
	"fmt"

	"github.com/warmpool/warmpool/pkg/config"
	"github.com/warmpool/warmpool/pkg/engine"
	"github.com/warmpool/warmpool/pkg/providers/dummy"
	"github.com/warmpool/warmpool/pkg/providers/libvirt"
	"github.com/warmpool/warmpool/pkg/stores"
	"github.com/warmpool/warmpool/pkg/telemetry"
)

// openStore connects the configured backend and checks it answers.
func openStore(ctx context.Context, cfg *config.Config) (stores.Store, error) {
	var store stores.Store

	switch cfg.Store.Backend {
	case "redis":
		rs, err := stores.NewRedisStore(stores.RedisConfig{
			Address:  cfg.Store.Redis.Address,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		store = rs
	case "sqlite":
		ss, err := stores.NewSQLiteStore(stores.SQLiteConfig{Path: cfg.Store.SQLite.Path})
		if err != nil {
			return nil, err
		}
		if err := ss.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize store: %w", err)
		}
		if err := ss.Migrate(ctx); err != nil {
			_ = ss.Close()
			return nil, fmt.Errorf("failed to migrate store: %w", err)
		}
		store = ss
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("store unreachable: %w", err)
	}
	return store, nil
}

// newRegistry registers a factory for every compiled-in provider kind.
func newRegistry(cfg *config.Config, tel *telemetry.Telemetry) (*engine.Registry, error) {
	reg := engine.NewRegistry(tel)

	if err := reg.Register(libvirt.Kind, func(context.Context) (engine.Provider, error) {
		return libvirt.New(cfg.Providers.Libvirt, cfg.Pools, tel.Logger), nil
	}); err != nil {
		return nil, err
	}
	if err := reg.Register(dummy.Kind, func(context.Context) (engine.Provider, error) {
		return dummy.New(dummy.FromConfig(cfg.Providers.Dummy)), nil
	}); err != nil {
		return nil, err
	}
	return reg, nil
}
