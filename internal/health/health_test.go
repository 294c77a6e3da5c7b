package health

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xdplb/xdplb/internal/weight"
)

func listenTCP(t *testing.T) (netip.AddrPort, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).AddrPort(), func() { ln.Close() }
}

func TestProber_TransitionsToHealthyAfterThreshold(t *testing.T) {
	addrPort, closeFn := listenTCP(t)
	defer closeFn()

	var transitions []Transition
	descriptor := weight.HealthCheckDescriptor{
		Kind:             weight.HealthCheckTCP,
		Interval:         int64(10 * time.Millisecond),
		TimeoutMs:        int64(200 * time.Millisecond / time.Millisecond),
		HealthyThreshold: 2,
	}

	p := NewProber(Target{Proxy: "web", Addr: weight.Target{Addr: addrPort.Addr(), Port: addrPort.Port()}},
		descriptor, func(tr Transition) { transitions = append(transitions, tr) }, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	require.NotEmpty(t, transitions)
	assert.Equal(t, StatusHealthy, transitions[0].To)
	assert.Equal(t, StatusUnknown, transitions[0].From)
}

func TestProber_UnreachableStaysUnhealthy(t *testing.T) {
	descriptor := weight.HealthCheckDescriptor{
		Kind:               weight.HealthCheckTCP,
		Interval:           int64(5 * time.Millisecond),
		TimeoutMs:          20,
		UnhealthyThreshold: 1,
	}
	addr := netip.MustParseAddr("127.0.0.1")

	var transitions []Transition
	p := NewProber(Target{Proxy: "web", Addr: weight.Target{Addr: addr, Port: 1}},
		descriptor, func(tr Transition) { transitions = append(transitions, tr) }, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	require.NotEmpty(t, transitions)
	assert.Equal(t, StatusUnhealthy, transitions[0].To)
}
