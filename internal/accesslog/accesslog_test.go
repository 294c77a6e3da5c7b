package accesslog

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xdplb/xdplb/internal/codec"
	"github.com/xdplb/xdplb/internal/mapbackend"
	"github.com/xdplb/xdplb/internal/mapfacade"
)

func TestRun_LogsOneEntryPerEvent(t *testing.T) {
	backend := mapbackend.NewFakeBackend()
	facade, err := mapfacade.New(backend, codec.FamilyIPv4)
	require.NoError(t, err)
	defer facade.Close()

	dir := t.TempDir()
	logger, err := New(facade, Config{Path: filepath.Join(dir, "access.log"), MaxSizeMB: 1}, nil)
	require.NoError(t, err)
	defer logger.Close()

	event := codec.StatsEvent{
		Type:        codec.StatsEventNewConn,
		TimestampNs: 42,
		SrcAddr:     netip.MustParseAddr("10.0.0.1"),
		DstAddr:     netip.MustParseAddr("1.2.3.4"),
		SrcPort:     1111,
		DstPort:     80,
		TargetAddr:  netip.MustParseAddr("10.0.1.1"),
		TargetPort:  8080,
	}
	eb, err := codec.EncodeStatsEvent(event)
	require.NoError(t, err)

	fakeRing, ok := backend.RingBuffer("xdplb_stats_events")
	require.True(t, ok)
	fakeRing.PushRecord(eb)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	go logger.Run(ctx)
	<-ctx.Done()

	data, err := os.ReadFile(filepath.Join(dir, "access.log"))
	require.NoError(t, err)
	require.Contains(t, string(data), "new_conn")
}
