package memd

import (
	"bytes"
	"io"
)

// Packet is the fully decoded, owned form of a frame. Per spec.md §3's
// ownership rules, a Packet that escapes Decode owns its own byte slices —
// there are no borrowed pointers back into a shared read buffer.
type Packet struct {
	Opcode   CmdCode
	Status   StatusCode
	DataType DataType
	Opaque   uint32
	CAS      uint64
	Vbucket  uint16
	Extras   []byte
	Key      []byte
	Value    []byte
}

// StatusClass normalizes Status per spec.md §4.1.
func (p Packet) StatusClass() StatusClass {
	return DecodeStatus(p.Status)
}

// EncodeRequest builds extras|key|value for a request and returns the frame
// header plus that body; the caller writes the header (WriteRequestHeader)
// and then the body.
func EncodeRequest(opcode CmdCode, vbucket uint16, opaque uint32, cas uint64, dt DataType, extras, key, value []byte) (RequestHeader, []byte) {
	body := make([]byte, 0, len(extras)+len(key)+len(value))
	body = append(body, extras...)
	body = append(body, key...)
	body = append(body, value...)

	rh := RequestHeader{
		Opcode:          opcode,
		KeyLength:       uint16(len(key)),
		ExtrasLength:    uint8(len(extras)),
		DataType:        dt,
		VbucketOrFlags:  vbucket,
		TotalBodyLength: uint32(len(body)),
		Opaque:          opaque,
		CAS:             cas,
	}
	return rh, body
}

// DecodeResponse reads one full response frame (header + body) from r and
// returns an owned Packet. It is the inverse of EncodeResponse, for the
// round-tripping required by spec.md §8.
func DecodeResponse(r io.Reader) (Packet, error) {
	rh, err := ReadResponseHeader(r)
	if err != nil {
		return Packet{}, err
	}

	body := make([]byte, rh.BodyLength())
	if _, err := io.ReadFull(r, body); err != nil {
		return Packet{}, err
	}

	extras := body[:rh.ExtrasLength]
	key := body[rh.ExtrasLength : int(rh.ExtrasLength)+int(rh.KeyLength)]
	value := body[int(rh.ExtrasLength)+int(rh.KeyLength):]

	return Packet{
		Opcode:   rh.Opcode,
		Status:   rh.Status,
		DataType: rh.DataType,
		Opaque:   rh.Opaque,
		CAS:      rh.CAS,
		Extras:   cloneBytes(extras),
		Key:      cloneBytes(key),
		Value:    cloneBytes(value),
	}, nil
}

// DecodeRequest is the server-role counterpart of DecodeResponse, used by
// test fakes that stand in for a cluster node.
func DecodeRequest(r io.Reader) (Packet, error) {
	rh, err := ReadRequestHeader(r)
	if err != nil {
		return Packet{}, err
	}

	body := make([]byte, rh.BodyLength())
	if _, err := io.ReadFull(r, body); err != nil {
		return Packet{}, err
	}

	extras := body[:rh.ExtrasLength]
	key := body[rh.ExtrasLength : int(rh.ExtrasLength)+int(rh.KeyLength)]
	value := body[int(rh.ExtrasLength)+int(rh.KeyLength):]

	return Packet{
		Opcode:  rh.Opcode,
		Opaque:  rh.Opaque,
		CAS:     rh.CAS,
		Vbucket: rh.VbucketOrFlags,
		Extras:  cloneBytes(extras),
		Key:     cloneBytes(key),
		Value:   cloneBytes(value),
	}, nil
}

// EncodeResponse serializes a Packet in the server role, used by test
// fakes that play the server side of the wire.
func EncodeResponse(p Packet) []byte {
	var buf bytes.Buffer
	rh := ResponseHeader{
		Opcode:          p.Opcode,
		KeyLength:       uint16(len(p.Key)),
		ExtrasLength:    uint8(len(p.Extras)),
		DataType:        p.DataType,
		Status:          p.Status,
		TotalBodyLength: uint32(len(p.Extras) + len(p.Key) + len(p.Value)),
		Opaque:          p.Opaque,
		CAS:             p.CAS,
	}
	_ = WriteResponseHeader(&buf, rh)
	buf.Write(p.Extras)
	buf.Write(p.Key)
	buf.Write(p.Value)
	return buf.Bytes()
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
