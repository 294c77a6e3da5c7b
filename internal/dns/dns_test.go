package dns

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xdplb/xdplb/internal/config"
	"github.com/xdplb/xdplb/internal/weight"
)

type fakeResolver struct {
	answers map[string][]string
}

func (f fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	return f.answers[host], nil
}

func TestResolve_SubstitutesResolvedAddresses(t *testing.T) {
	group := config.TargetGroupConfig{Targets: []config.WeightedTargetConfig{
		{Hostname: "a.example.com", Port: 80, Weight: 50},
		{Hostname: "b.example.com", Port: 80, Weight: 50},
	}}
	resolver := fakeResolver{answers: map[string][]string{
		"a.example.com": {"10.0.0.1"},
		"b.example.com": {"10.0.0.2"},
	}}

	tg, err := Resolve(context.Background(), resolver, group)
	require.NoError(t, err)
	require.Len(t, tg.Targets, 2)
	assert.Equal(t, "10.0.0.1", tg.Targets[0].Target.Addr.String())
	assert.Equal(t, "10.0.0.2", tg.Targets[1].Target.Addr.String())
}

func TestResolve_DropsUnresolvedHostname(t *testing.T) {
	group := config.TargetGroupConfig{Targets: []config.WeightedTargetConfig{
		{Hostname: "a.example.com", Port: 80, Weight: 50},
		{Hostname: "missing.example.com", Port: 80, Weight: 50},
	}}
	resolver := fakeResolver{answers: map[string][]string{
		"a.example.com": {"10.0.0.1"},
	}}

	tg, err := Resolve(context.Background(), resolver, group)
	require.NoError(t, err)
	require.Len(t, tg.Targets, 1)
}

func TestRefresher_InvokesOnResolve(t *testing.T) {
	group := config.TargetGroupConfig{Targets: []config.WeightedTargetConfig{
		{Hostname: "a.example.com", Port: 80},
	}}
	resolver := fakeResolver{answers: map[string][]string{"a.example.com": {"10.0.0.1"}}}

	resolved := make(chan struct{}, 1)
	r := NewRefresher("web", group, resolver, 5*time.Millisecond, func(tg *weight.TargetGroup) {
		select {
		case resolved <- struct{}{}:
		default:
		}
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	select {
	case <-resolved:
	default:
		t.Fatal("expected onResolve to fire at least once")
	}
}
