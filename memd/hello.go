package memd

import "encoding/binary"

// HelloFeature is one bit of the HELLO feature-negotiation vocabulary of
// spec.md §4.2.
type HelloFeature uint16

const (
	FeatureTLS                = HelloFeature(0x02)
	FeatureTCPNoDelay          = HelloFeature(0x03)
	FeatureMutationSeqNo       = HelloFeature(0x04)
	FeatureTCPDelay            = HelloFeature(0x05)
	FeatureXattr               = HelloFeature(0x06)
	FeatureXerror              = HelloFeature(0x07)
	FeatureSelectBucket        = HelloFeature(0x08)
	FeatureSnappy              = HelloFeature(0x0a)
	FeatureJSON                = HelloFeature(0x0b)
	FeatureDuplex              = HelloFeature(0x0c)
	FeatureUnorderedExecution  = HelloFeature(0x0f)
	FeatureAltRequests         = HelloFeature(0x10)
	FeatureSyncReplication     = HelloFeature(0x11)
	FeatureCollections         = HelloFeature(0x12)
	FeatureVattr               = HelloFeature(0x15)
)

// EncodeHelloFeatures serializes the proposed feature list as a sequence of
// big-endian u16s, the HELLO request body.
func EncodeHelloFeatures(features []HelloFeature) []byte {
	out := make([]byte, 2*len(features))
	for i, f := range features {
		binary.BigEndian.PutUint16(out[i*2:i*2+2], uint16(f))
	}
	return out
}

// DecodeHelloFeatures parses the accepted feature list from a HELLO
// response value.
func DecodeHelloFeatures(value []byte) []HelloFeature {
	var out []HelloFeature
	for i := 0; i+1 < len(value); i += 2 {
		out = append(out, HelloFeature(binary.BigEndian.Uint16(value[i:i+2])))
	}
	return out
}

// FeatureSet is a set of negotiated features, queried by the bootstrap
// pipeline and the codec (e.g. whether to prefix keys with a collection id).
type FeatureSet map[HelloFeature]bool

func NewFeatureSet(features []HelloFeature) FeatureSet {
	fs := make(FeatureSet, len(features))
	for _, f := range features {
		fs[f] = true
	}
	return fs
}

func (fs FeatureSet) Has(f HelloFeature) bool {
	return fs[f]
}
