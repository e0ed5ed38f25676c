package memd

import "github.com/golang/snappy"

// CompressionConfig is the compression policy of spec.md §4.1.
type CompressionConfig struct {
	Enabled  bool
	MinSize  int     // bytes
	MinRatio float64 // compressed.len / original.len must be <= this to apply
}

// DefaultCompressionConfig matches the thresholds exercised by spec.md §8's
// testable property (min-size=32, min-ratio=0.83).
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{Enabled: true, MinSize: 32, MinRatio: 0.83}
}

// MaybeCompress applies the compression policy to payload. It returns the
// bytes to put on the wire and the datatype bit to set. Per spec.md §4.1:
// compression is attempted when enabled and payload is at least MinSize;
// the compressed form is emitted only when it is small enough relative to
// MinRatio, otherwise the original payload is sent uncompressed.
func (c CompressionConfig) MaybeCompress(payload []byte) (wire []byte, applied bool) {
	if !c.Enabled || len(payload) < c.MinSize {
		return payload, false
	}

	compressed := snappy.Encode(nil, payload)
	if float64(len(compressed))/float64(len(payload)) > c.MinRatio {
		return payload, false
	}

	return compressed, true
}

// Decompress reverses MaybeCompress given the datatype bit observed on the
// wire.
func Decompress(dt DataType, payload []byte) ([]byte, error) {
	if !dt.Has(DataTypeSnappy) {
		return payload, nil
	}
	return snappy.Decode(nil, payload)
}
