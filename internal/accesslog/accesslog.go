// Package accesslog decodes ring-buffer stats events into structured log
// lines, one Entry per event, written through a timberjack-rotated zap
// logger.
package accesslog

import (
	"context"
	"errors"
	"fmt"

	"github.com/DeRuina/timberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xdplb/xdplb/internal/codec"
	"github.com/xdplb/xdplb/internal/mapfacade"
)

// Config tunes the rotating access-log file.
type Config struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Entry is one structured access-log record: a decoded stats event plus
// the proxy/target names resolved against the running config.
type Entry struct {
	Proxy       string `json:"proxy"`
	Target      string `json:"target,omitempty"`
	EventType   string `json:"event_type"`
	TimestampNs uint64 `json:"timestamp_ns"`
	SrcAddr     string `json:"src_addr"`
	SrcPort     uint16 `json:"src_port"`
	DstAddr     string `json:"dst_addr"`
	DstPort     uint16 `json:"dst_port"`
	TargetAddr  string `json:"target_addr"`
	TargetPort  uint16 `json:"target_port"`
	PacketsFwd  uint64 `json:"packets_fwd"`
	BytesFwd    uint64 `json:"bytes_fwd"`
	PacketsRev  uint64 `json:"packets_rev"`
	BytesRev    uint64 `json:"bytes_rev"`
}

func eventTypeName(t codec.StatsEventType) string {
	switch t {
	case codec.StatsEventNewConn:
		return "new_conn"
	case codec.StatsEventConnClosed:
		return "conn_closed"
	case codec.StatsEventPeriodicStat:
		return "periodic_stats"
	default:
		return "unknown"
	}
}

// ResolveProxy maps a decoded stats event's target address/port to the
// owning proxy name, so log lines are human-navigable without a second
// lookup pass.
type ResolveProxy func(targetAddr string, targetPort uint16) (proxy string)

// Logger consumes the stats ring buffer and writes one Entry per event.
type Logger struct {
	facade  *mapfacade.Facade
	zapLog  *zap.Logger
	resolve ResolveProxy
	writer  *timberjack.Logger
}

// New builds a Logger writing through a timberjack-rotated file at
// cfg.Path. resolve may be nil, in which case Entry.Proxy is left blank.
func New(facade *mapfacade.Facade, cfg Config, resolve ResolveProxy) (*Logger, error) {
	writer := &timberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(writer), zap.InfoLevel)
	zapLog := zap.New(core)

	return &Logger{facade: facade, zapLog: zapLog, resolve: resolve, writer: writer}, nil
}

// Run blocks, reading and logging one decoded stats event at a time until
// ctx is cancelled.
func (l *Logger) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		event, err := l.facade.ReadStatsEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Malformed events are dropped, not fatal; the ring buffer
			// keeps producing well-formed ones after a bad record.
			if errors.Is(err, codec.ErrUnknownEvent) || errors.Is(err, codec.ErrShortBuffer) {
				l.zapLog.Warn("dropping malformed stats event", zap.Error(err))
				continue
			}
			return fmt.Errorf("accesslog: read stats event: %w", err)
		}

		l.logEvent(event)
	}
}

func (l *Logger) logEvent(event codec.StatsEvent) {
	entry := Entry{
		EventType:   eventTypeName(event.Type),
		TimestampNs: event.TimestampNs,
		SrcAddr:     event.SrcAddr.String(),
		SrcPort:     event.SrcPort,
		DstAddr:     event.DstAddr.String(),
		DstPort:     event.DstPort,
		TargetAddr:  event.TargetAddr.String(),
		TargetPort:  event.TargetPort,
		PacketsFwd:  event.PacketsFwd,
		BytesFwd:    event.BytesFwd,
		PacketsRev:  event.PacketsRev,
		BytesRev:    event.BytesRev,
	}
	if l.resolve != nil {
		entry.Proxy = l.resolve(entry.TargetAddr, entry.TargetPort)
	}

	l.zapLog.Info("access",
		zap.String("proxy", entry.Proxy),
		zap.String("event_type", entry.EventType),
		zap.Uint64("timestamp_ns", entry.TimestampNs),
		zap.String("src_addr", entry.SrcAddr),
		zap.Uint16("src_port", entry.SrcPort),
		zap.String("dst_addr", entry.DstAddr),
		zap.Uint16("dst_port", entry.DstPort),
		zap.String("target_addr", entry.TargetAddr),
		zap.Uint16("target_port", entry.TargetPort),
		zap.Uint64("packets_fwd", entry.PacketsFwd),
		zap.Uint64("bytes_fwd", entry.BytesFwd),
		zap.Uint64("packets_rev", entry.PacketsRev),
		zap.Uint64("bytes_rev", entry.BytesRev),
	)
}

// Close flushes and closes the rotating writer.
func (l *Logger) Close() error {
	_ = l.zapLog.Sync()
	return l.writer.Close()
}
