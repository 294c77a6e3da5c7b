// Package ratelimit builds and refreshes the rate-limit config/bucket map
// values, working in plain requests-per-second units and leaving the 1000x
// sub-token-precision scaling to internal/codec. This is the policy layer
// that decides what to write and when.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/xdplb/xdplb/internal/codec"
	"github.com/xdplb/xdplb/internal/mapfacade"
)

// Defaults are the process-wide fallback rate/burst, applied when a
// per-source or per-backend override is absent.
type Defaults struct {
	RatePerSecond float64
	Burst         float64
}

// Provisioner writes rate-limit config entries through the map façade,
// pre-scaling every value by codec.RateScale.
type Provisioner struct {
	facade   *mapfacade.Facade
	defaults Defaults
}

// NewProvisioner returns a Provisioner using facade and defaults.
func NewProvisioner(facade *mapfacade.Facade, defaults Defaults) *Provisioner {
	return &Provisioner{facade: facade, defaults: defaults}
}

// ProvisionDefault writes the process-wide default rate-limit config under
// id.
func (p *Provisioner) ProvisionDefault(ctx context.Context, id uint32) error {
	return p.Provision(ctx, id, p.defaults.RatePerSecond, p.defaults.Burst)
}

// Provision writes a rate-limit config for id, scaling ratePerSecond/burst
// by codec.RateScale for sub-token precision.
func (p *Provisioner) Provision(ctx context.Context, id uint32, ratePerSecond, burst float64) error {
	cfg := codec.NewRateLimitConfig(ratePerSecond, burst)
	if err := p.facade.PutRateLimit(ctx, id, cfg); err != nil {
		return fmt.Errorf("ratelimit: provision %d: %w", id, err)
	}
	return nil
}

// Get reads back the currently installed rate-limit config for id,
// descaling it to plain requests-per-second/burst values.
func (p *Provisioner) Get(ctx context.Context, id uint32) (ratePerSecond, burst float64, err error) {
	cfg, err := p.facade.GetRateLimit(ctx, id)
	if err != nil {
		return 0, 0, err
	}
	return float64(cfg.RateScaled) / codec.RateScale, float64(cfg.BurstScaled) / codec.RateScale, nil
}
