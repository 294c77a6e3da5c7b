package codec

// SettingsEntrySize is the fixed size of one settings array entry.
const SettingsEntrySize = 4

// Settings array indices the kernel reads by position.
const (
	SettingsIdxStatsEnabled       = 0
	SettingsIdxConnTimeoutSeconds = 1
	SettingsIdxMaxConnections     = 2

	// SettingsArrayLen is the number of entries this implementation
	// defines; the backing array map may be sized larger for future
	// growth, but only these indices carry meaning today.
	SettingsArrayLen = 3
)

// SettingsArray is the decoded form of the settings array map.
type SettingsArray struct {
	StatsEnabled       bool
	ConnTimeoutSeconds uint32
	MaxConnections     uint32
}

// EncodeSettingsEntry encodes a single 4-byte, native-byte-order settings
// array entry.
func EncodeSettingsEntry(v uint32) []byte {
	buf := make([]byte, SettingsEntrySize)
	nativeEndian.PutUint32(buf, v)
	return buf
}

// DecodeSettingsEntry decodes a single settings array entry.
func DecodeSettingsEntry(b []byte) (uint32, error) {
	if err := requireLen(b, SettingsEntrySize); err != nil {
		return 0, err
	}
	return nativeEndian.Uint32(b), nil
}

// EncodeSettingsArray encodes s as the three entries the kernel reads by
// index; callers write each entry through the array map façade.
func EncodeSettingsArray(s SettingsArray) [SettingsArrayLen][]byte {
	statsEnabled := uint32(0)
	if s.StatsEnabled {
		statsEnabled = 1
	}
	return [SettingsArrayLen][]byte{
		EncodeSettingsEntry(statsEnabled),
		EncodeSettingsEntry(s.ConnTimeoutSeconds),
		EncodeSettingsEntry(s.MaxConnections),
	}
}
