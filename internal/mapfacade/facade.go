// Package mapfacade is the typed CRUD layer over the shared maps: every
// caller elsewhere in the control plane works with internal/codec's typed
// structs, never raw bytes, and this package is the only place that calls
// internal/mapbackend directly.
package mapfacade

import (
	"context"
	"fmt"

	"github.com/c2h5oh/datasize"

	"github.com/xdplb/xdplb/internal/codec"
	"github.com/xdplb/xdplb/internal/mapbackend"
)

const (
	mapNameSourceRoutes   = "xdplb_source_routes"
	mapNameListen         = "xdplb_listen"
	mapNameSNI            = "xdplb_sni_routes"
	mapNameConntrack      = "xdplb_conntrack"
	mapNameRateLimitCfg   = "xdplb_ratelimit_cfg"
	mapNameRateLimitState = "xdplb_ratelimit_state"
	mapNameSettings       = "xdplb_settings"
	mapNameStats          = "xdplb_stats_events"

	defaultMaxEntries = 1 << 16

	// defaultStatsRingBufferSize is the byte size of the stats ring buffer,
	// used unless New's caller overrides it.
	defaultStatsRingBufferSize = 1 * datasize.MB
)

// Facade owns every map the dataplane programs and the control plane share,
// sized for a single codec.Family.
type Facade struct {
	family codec.Family

	sourceRoutes mapbackend.Map
	listen       mapbackend.Map
	sni          mapbackend.Map
	conntrack    mapbackend.Map
	rateCfg      mapbackend.Map
	rateState    mapbackend.Map
	settings     mapbackend.Map
	stats        mapbackend.RingReader
}

// New creates every shared map against backend, sized for family, and
// returns a Facade ready for use. ringBufferSize optionally overrides the
// stats ring buffer's byte size; it is a datasize.ByteSize so config files
// express it in human units rather than a bare entry count.
func New(backend mapbackend.Backend, family codec.Family, ringBufferSize ...datasize.ByteSize) (*Facade, error) {
	f := &Facade{family: family}

	statsSize := defaultStatsRingBufferSize
	if len(ringBufferSize) > 0 && ringBufferSize[0] > 0 {
		statsSize = ringBufferSize[0]
	}

	lpmKeySize := uint32(codec.LPMKeySizeV4)
	listenKeySize := uint32(codec.ListenKeySize)
	routeValueSize := uint32(codec.RouteValueSizeV4)
	conntrackKeySize := uint32(codec.ConntrackKeySizeV4)
	if family == codec.FamilyUnified {
		lpmKeySize = codec.LPMKeySizeUnified
		routeValueSize = codec.RouteValueSizeUnified
		conntrackKeySize = codec.ConntrackKeySizeUnified
	}

	var err error
	if f.sourceRoutes, err = backend.CreateMap(mapbackend.Spec{
		Name: mapNameSourceRoutes, Type: mapbackend.MapTypeLPMTrie,
		KeySize: lpmKeySize, ValueSize: routeValueSize, MaxEntries: defaultMaxEntries,
	}); err != nil {
		return nil, fmt.Errorf("mapfacade: source routes: %w", err)
	}

	if f.listen, err = backend.CreateMap(mapbackend.Spec{
		Name: mapNameListen, Type: mapbackend.MapTypeHash,
		KeySize: listenKeySize, ValueSize: routeValueSize, MaxEntries: defaultMaxEntries,
	}); err != nil {
		return nil, fmt.Errorf("mapfacade: listen: %w", err)
	}

	if f.sni, err = backend.CreateMap(mapbackend.Spec{
		Name: mapNameSNI, Type: mapbackend.MapTypeHash,
		KeySize: codec.SNIKeySize, ValueSize: routeValueSize, MaxEntries: defaultMaxEntries,
	}); err != nil {
		return nil, fmt.Errorf("mapfacade: sni: %w", err)
	}

	// Connection tracking is a plain per-CPU hash: live connection state
	// must never be LRU-evicted out from under the kernel.
	if f.conntrack, err = backend.CreateMap(mapbackend.Spec{
		Name: mapNameConntrack, Type: mapbackend.MapTypePerCPUHash,
		KeySize: conntrackKeySize, ValueSize: codec.ConntrackValueSize128, MaxEntries: defaultMaxEntries,
	}); err != nil {
		return nil, fmt.Errorf("mapfacade: conntrack: %w", err)
	}

	if f.rateCfg, err = backend.CreateMap(mapbackend.Spec{
		Name: mapNameRateLimitCfg, Type: mapbackend.MapTypeHash,
		KeySize: 4, ValueSize: codec.RateLimitConfigSize, MaxEntries: defaultMaxEntries,
	}); err != nil {
		return nil, fmt.Errorf("mapfacade: rate limit config: %w", err)
	}

	// Rate-limit buckets are LRU per-CPU hashes: under key pressure the
	// kernel evicts cold buckets automatically instead of refusing new
	// sources.
	if f.rateState, err = backend.CreateMap(mapbackend.Spec{
		Name: mapNameRateLimitState, Type: mapbackend.MapTypeLRUPerCPUHash,
		KeySize: 4, ValueSize: codec.RateLimitBucketSize, MaxEntries: defaultMaxEntries,
	}); err != nil {
		return nil, fmt.Errorf("mapfacade: rate limit state: %w", err)
	}

	if f.settings, err = backend.CreateMap(mapbackend.Spec{
		Name: mapNameSettings, Type: mapbackend.MapTypeArray,
		KeySize: 4, ValueSize: codec.SettingsEntrySize, MaxEntries: codec.SettingsArrayLen,
	}); err != nil {
		return nil, fmt.Errorf("mapfacade: settings: %w", err)
	}

	if f.stats, err = backend.OpenRingBuffer(mapbackend.Spec{
		Name: mapNameStats, Type: mapbackend.MapTypeRingBuf, MaxEntries: uint32(statsSize.Bytes()),
	}); err != nil {
		return nil, fmt.Errorf("mapfacade: stats ring buffer: %w", err)
	}

	return f, nil
}

// PutSourceRoute installs or replaces an LPM-keyed route.
func (f *Facade) PutSourceRoute(ctx context.Context, key codec.LPMKey, value codec.RouteValue) error {
	kb, err := codec.EncodeLPMKey(key, f.family)
	if err != nil {
		return err
	}
	vb, err := codec.EncodeRouteValue(value, f.family)
	if err != nil {
		return err
	}
	return f.sourceRoutes.Put(ctx, kb, vb)
}

// GetSourceRoute looks up the longest-prefix match for key; the underlying
// map performs the LPM lookup, this layer only (de)serializes.
func (f *Facade) GetSourceRoute(ctx context.Context, key codec.LPMKey) (codec.RouteValue, error) {
	kb, err := codec.EncodeLPMKey(key, f.family)
	if err != nil {
		return codec.RouteValue{}, err
	}
	vb, err := f.sourceRoutes.Lookup(ctx, kb)
	if err != nil {
		return codec.RouteValue{}, err
	}
	return codec.DecodeRouteValue(vb, f.family)
}

// DeleteSourceRoute removes an LPM-keyed route.
func (f *Facade) DeleteSourceRoute(ctx context.Context, key codec.LPMKey) error {
	kb, err := codec.EncodeLPMKey(key, f.family)
	if err != nil {
		return err
	}
	return f.sourceRoutes.Delete(ctx, kb)
}

// IterateSourceRoutes decodes and yields every LPM route entry.
func (f *Facade) IterateSourceRoutes(ctx context.Context, fn func(codec.LPMKey, codec.RouteValue) bool) error {
	return f.sourceRoutes.Iterate(ctx, func(kb, vb []byte) bool {
		key, err := codec.DecodeLPMKey(kb, f.family)
		if err != nil {
			return true
		}
		value, err := codec.DecodeRouteValue(vb, f.family)
		if err != nil {
			return true
		}
		return fn(key, value)
	})
}

// PutListen installs a listener's route (a proxy's default target group,
// keyed by listen interface+port+family).
func (f *Facade) PutListen(ctx context.Context, key codec.ListenKey, value codec.RouteValue) error {
	kb, err := codec.EncodeListenKey(key, f.family)
	if err != nil {
		return err
	}
	vb, err := codec.EncodeRouteValue(value, f.family)
	if err != nil {
		return err
	}
	return f.listen.Put(ctx, kb, vb)
}

// GetListen looks up a listener's route.
func (f *Facade) GetListen(ctx context.Context, key codec.ListenKey) (codec.RouteValue, error) {
	kb, err := codec.EncodeListenKey(key, f.family)
	if err != nil {
		return codec.RouteValue{}, err
	}
	vb, err := f.listen.Lookup(ctx, kb)
	if err != nil {
		return codec.RouteValue{}, err
	}
	return codec.DecodeRouteValue(vb, f.family)
}

// DeleteListen removes a listener's route.
func (f *Facade) DeleteListen(ctx context.Context, key codec.ListenKey) error {
	kb, err := codec.EncodeListenKey(key, f.family)
	if err != nil {
		return err
	}
	return f.listen.Delete(ctx, kb)
}

// PutSNIRoute installs an SNI-hostname-hash-keyed route.
func (f *Facade) PutSNIRoute(ctx context.Context, hostname string, value codec.RouteValue) error {
	kb := codec.EncodeSNIKey(hostname)
	vb, err := codec.EncodeRouteValue(value, f.family)
	if err != nil {
		return err
	}
	return f.sni.Put(ctx, kb, vb)
}

// GetSNIRoute looks up a route by hostname.
func (f *Facade) GetSNIRoute(ctx context.Context, hostname string) (codec.RouteValue, error) {
	kb := codec.EncodeSNIKey(hostname)
	vb, err := f.sni.Lookup(ctx, kb)
	if err != nil {
		return codec.RouteValue{}, err
	}
	return codec.DecodeRouteValue(vb, f.family)
}

// DeleteSNIRoute removes a route by hostname.
func (f *Facade) DeleteSNIRoute(ctx context.Context, hostname string) error {
	kb := codec.EncodeSNIKey(hostname)
	return f.sni.Delete(ctx, kb)
}

// GetConntrack looks up a connection entry, aggregating the per-CPU slab
// with codec.MergeConntrackValues (sum counters, max last_seen_ns, first
// non-zero NAT/original-destination IP).
func (f *Facade) GetConntrack(ctx context.Context, key codec.ConntrackKey) (codec.ConntrackValue, error) {
	kb, err := codec.EncodeConntrackKey(key, f.family)
	if err != nil {
		return codec.ConntrackValue{}, err
	}

	perCPU, err := f.conntrack.LookupPerCPU(ctx, kb)
	if err != nil {
		return codec.ConntrackValue{}, err
	}

	values := make([]codec.ConntrackValue, 0, len(perCPU))
	for _, raw := range perCPU {
		v, err := codec.DecodeConntrackValue(raw)
		if err != nil {
			continue
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return codec.ConntrackValue{}, mapbackend.ErrNotFound
	}

	return codec.MergeConntrackValues(values), nil
}

// DeleteConntrack evicts a connection entry, used by internal/conntrack's
// cleanup loop.
func (f *Facade) DeleteConntrack(ctx context.Context, key codec.ConntrackKey) error {
	kb, err := codec.EncodeConntrackKey(key, f.family)
	if err != nil {
		return err
	}
	return f.conntrack.Delete(ctx, kb)
}

// IterateConntrack decodes and yields every aggregated connection entry.
func (f *Facade) IterateConntrack(ctx context.Context, fn func(codec.ConntrackKey, codec.ConntrackValue) bool) error {
	return f.conntrack.Iterate(ctx, func(kb, _ []byte) bool {
		key, err := codec.DecodeConntrackKey(kb, f.family)
		if err != nil {
			return true
		}
		value, err := f.GetConntrack(ctx, key)
		if err != nil {
			return true
		}
		return fn(key, value)
	})
}

// PutRateLimit installs the rate-limit config for a proxy/target id,
// pre-scaled by internal/codec.ScaleRate.
func (f *Facade) PutRateLimit(ctx context.Context, id uint32, cfg codec.RateLimitConfig) error {
	kb := encodeU32Key(id)
	return f.rateCfg.Put(ctx, kb, codec.EncodeRateLimitConfig(cfg))
}

// GetRateLimit reads back a rate-limit config.
func (f *Facade) GetRateLimit(ctx context.Context, id uint32) (codec.RateLimitConfig, error) {
	vb, err := f.rateCfg.Lookup(ctx, encodeU32Key(id))
	if err != nil {
		return codec.RateLimitConfig{}, err
	}
	return codec.DecodeRateLimitConfig(vb)
}

// PutSettings writes the settings array entries the kernel reads by index.
func (f *Facade) PutSettings(ctx context.Context, settings codec.SettingsArray) error {
	entries := codec.EncodeSettingsArray(settings)
	for idx, entry := range entries {
		if err := f.settings.Put(ctx, encodeU32Key(uint32(idx)), entry); err != nil {
			return fmt.Errorf("mapfacade: settings[%d]: %w", idx, err)
		}
	}
	return nil
}

// ReadStatsEvent blocks for the next decoded ring-buffer stats event.
func (f *Facade) ReadStatsEvent(ctx context.Context) (codec.StatsEvent, error) {
	raw, err := f.stats.Read(ctx)
	if err != nil {
		return codec.StatsEvent{}, err
	}
	return codec.DecodeStatsEvent(raw)
}

// Close releases every map and the stats ring-buffer reader.
func (f *Facade) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(f.sourceRoutes.Close())
	record(f.listen.Close())
	record(f.sni.Close())
	record(f.conntrack.Close())
	record(f.rateCfg.Close())
	record(f.rateState.Close())
	record(f.settings.Close())
	record(f.stats.Close())
	return firstErr
}

func encodeU32Key(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
