package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xdplb/xdplb/internal/codec"
	"github.com/xdplb/xdplb/internal/mapbackend"
	"github.com/xdplb/xdplb/internal/mapfacade"
)

func TestProvisionAndGet_RoundTrips(t *testing.T) {
	backend := mapbackend.NewFakeBackend()
	facade, err := mapfacade.New(backend, codec.FamilyIPv4)
	require.NoError(t, err)
	defer facade.Close()

	p := NewProvisioner(facade, Defaults{RatePerSecond: 1000, Burst: 2000})
	require.NoError(t, p.ProvisionDefault(context.Background(), 1))

	rate, burst, err := p.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.InDelta(t, 1000, rate, 0.001)
	assert.InDelta(t, 2000, burst, 0.001)
}

func TestProvision_SubTokenPrecision(t *testing.T) {
	backend := mapbackend.NewFakeBackend()
	facade, err := mapfacade.New(backend, codec.FamilyIPv4)
	require.NoError(t, err)
	defer facade.Close()

	p := NewProvisioner(facade, Defaults{})
	require.NoError(t, p.Provision(context.Background(), 2, 1.5, 3.25))

	rate, burst, err := p.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, rate, 0.001)
	assert.InDelta(t, 3.25, burst, 0.001)
}
