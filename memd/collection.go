package memd

import "google.golang.org/protobuf/encoding/protowire"

// EncodeCollectionKey returns the wire key for userKey. When collections
// have been negotiated on the channel, the key is prefixed with the
// collection id as an unsigned LEB128 varint (spec.md §4.1
// "Collection-aware keys"); protobuf's base-128 varint encoding is
// bit-identical to unsigned LEB128, so protowire.AppendVarint does the job.
func EncodeCollectionKey(collectionsEnabled bool, collectionID uint32, userKey []byte) []byte {
	if !collectionsEnabled {
		out := make([]byte, len(userKey))
		copy(out, userKey)
		return out
	}

	out := protowire.AppendVarint(nil, uint64(collectionID))
	return append(out, userKey...)
}

// DecodeCollectionKey splits a wire key that may carry a leading
// collection-id varint back into (collectionID, userKey).
func DecodeCollectionKey(collectionsEnabled bool, wireKey []byte) (uint32, []byte, error) {
	if !collectionsEnabled {
		return 0, wireKey, nil
	}

	id, n := protowire.ConsumeVarint(wireKey)
	if n < 0 {
		return 0, nil, protowire.ParseError(n)
	}
	return uint32(id), wireKey[n:], nil
}
