package engine

import (
	"fmt"
	"time"

	"github.com/warmpool/warmpool/pkg/config"
	"github.com/warmpool/warmpool/pkg/stores"
	"github.com/warmpool/warmpool/pkg/telemetry"
)

// Runtime is the shared context handed to every worker. It is built once per
// configuration and never mutated afterwards.
type Runtime struct {
	Config    *config.Config
	Store     stores.Store
	Keys      stores.Keys
	Telemetry *telemetry.Telemetry
	Providers *Registry
	Prober    Prober

	// Now is the clock used for every timestamp and ttl decision.
	Now func() time.Time
}

// NewRuntime assembles a runtime, deriving the key builder and prober from cfg.
func NewRuntime(cfg *config.Config, store stores.Store, providers *Registry, tel *telemetry.Telemetry) (*Runtime, error) {
	if cfg == nil || store == nil || providers == nil {
		return nil, fmt.Errorf("config, store and provider registry are required")
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}

	prober, err := NewProber(cfg.Engine.Probe)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		Config:    cfg,
		Store:     store,
		Keys:      stores.NewKeys(cfg.Store.Namespace),
		Telemetry: tel,
		Providers: providers,
		Prober:    prober,
		Now:       time.Now,
	}, nil
}

func (rt *Runtime) now() time.Time {
	if rt.Now == nil {
		return time.Now()
	}
	return rt.Now()
}

func (rt *Runtime) logger(component string) *telemetry.Logger {
	return rt.Telemetry.Logger.NewComponentLogger(component)
}
