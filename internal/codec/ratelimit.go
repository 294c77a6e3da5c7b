package codec

// RateScale is the fixed-point scale applied to rates/bursts/token counts
// to give the kernel sub-token precision without floating point.
const RateScale = 1000

// RateLimitConfigSize is the fixed size of a rate-limit config map value.
const RateLimitConfigSize = 16

// RateLimitConfig is a rate-limit map value: requests-per-second and burst,
// stored pre-scaled by RateScale.
type RateLimitConfig struct {
	RateScaled  uint64
	BurstScaled uint64
}

// ScaleRate converts a floating-point requests-per-second (or burst) value
// into its RateScale-fixed-point representation.
func ScaleRate(v float64) uint64 {
	return uint64(v*RateScale + 0.5)
}

// NewRateLimitConfig builds a RateLimitConfig from plain rate/burst values.
func NewRateLimitConfig(ratePerSecond, burst float64) RateLimitConfig {
	return RateLimitConfig{
		RateScaled:  ScaleRate(ratePerSecond),
		BurstScaled: ScaleRate(burst),
	}
}

// EncodeRateLimitConfig encodes c into its fixed 16-byte, native-byte-order
// layout.
func EncodeRateLimitConfig(c RateLimitConfig) []byte {
	buf := make([]byte, RateLimitConfigSize)
	nativeEndian.PutUint64(buf[0:8], c.RateScaled)
	nativeEndian.PutUint64(buf[8:16], c.BurstScaled)
	return buf
}

// DecodeRateLimitConfig decodes b into a RateLimitConfig.
func DecodeRateLimitConfig(b []byte) (RateLimitConfig, error) {
	if err := requireLen(b, RateLimitConfigSize); err != nil {
		return RateLimitConfig{}, err
	}
	return RateLimitConfig{
		RateScaled:  nativeEndian.Uint64(b[0:8]),
		BurstScaled: nativeEndian.Uint64(b[8:16]),
	}, nil
}

// RateLimitBucketSize is the fixed size of a rate-limit token-bucket value.
const RateLimitBucketSize = 16

// RateLimitBucket is a per-source or per-backend token-bucket state.
type RateLimitBucket struct {
	TokensScaled uint64
	LastUpdateNs uint64
}

// EncodeRateLimitBucket encodes b into its fixed 16-byte, native-byte-order
// layout.
func EncodeRateLimitBucket(b RateLimitBucket) []byte {
	buf := make([]byte, RateLimitBucketSize)
	nativeEndian.PutUint64(buf[0:8], b.TokensScaled)
	nativeEndian.PutUint64(buf[8:16], b.LastUpdateNs)
	return buf
}

// DecodeRateLimitBucket decodes buf into a RateLimitBucket.
func DecodeRateLimitBucket(buf []byte) (RateLimitBucket, error) {
	if err := requireLen(buf, RateLimitBucketSize); err != nil {
		return RateLimitBucket{}, err
	}
	return RateLimitBucket{
		TokensScaled: nativeEndian.Uint64(buf[0:8]),
		LastUpdateNs: nativeEndian.Uint64(buf[8:16]),
	}, nil
}
