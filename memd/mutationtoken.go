package memd

import "encoding/binary"

// MutationToken proves a specific mutation's durability checkpoint, per
// spec.md §3.
type MutationToken struct {
	Bucket        string
	VbucketUUID   uint64
	SeqNo         uint64
}

// ExtractMutationToken reads {partition-uuid(u64), seqno(u64)} from a
// response's extras, per spec.md §4.1 "Mutation token extraction". It
// returns ok=false when the channel hasn't negotiated mutation tokens or
// the response carries no extras of the right size.
func ExtractMutationToken(mutationTokensEnabled bool, bucket string, extras []byte) (MutationToken, bool) {
	if !mutationTokensEnabled || len(extras) < 16 {
		return MutationToken{}, false
	}

	return MutationToken{
		Bucket:      bucket,
		VbucketUUID: binary.BigEndian.Uint64(extras[0:8]),
		SeqNo:       binary.BigEndian.Uint64(extras[8:16]),
	}, true
}
