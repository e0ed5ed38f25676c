package memd

import (
	"encoding/binary"
	"io"

	"github.com/couchbase/cbcore/pool"
)

const (
	magicReq = uint8(0x80)
	magicRes = uint8(0x81)

	// HeaderLen is the fixed size of a KV frame header, per spec.md §4.1.
	HeaderLen = 24
)

// headerBufs backs the 24-byte scratch buffers used to encode/decode frame
// headers without an allocation per request. Sized generously; endpoints
// share the pool across goroutines.
var headerBufs = pool.NewFixedSizeBufferPool(HeaderLen, 12)

// RequestHeader is the fixed 24-byte prefix of a request frame.
type RequestHeader struct {
	Opcode          CmdCode
	KeyLength       uint16
	ExtrasLength    uint8
	DataType        DataType
	VbucketOrFlags  uint16 // vbucket id for data-service requests
	TotalBodyLength uint32
	Opaque          uint32
	CAS             uint64
}

// ResponseHeader is the fixed 24-byte prefix of a response frame.
type ResponseHeader struct {
	Opcode          CmdCode
	KeyLength       uint16
	ExtrasLength    uint8
	DataType        DataType
	Status          StatusCode
	TotalBodyLength uint32
	Opaque          uint32
	CAS             uint64
}

// BodyLength is the number of bytes following the header: extras + key + value.
func (h RequestHeader) BodyLength() int {
	return int(h.TotalBodyLength)
}

func (h ResponseHeader) BodyLength() int {
	return int(h.TotalBodyLength)
}

// WriteRequestHeader encodes rh into w.
func WriteRequestHeader(w io.Writer, rh RequestHeader) error {
	buf, token := headerBufs.Get()
	defer headerBufs.Put(token)

	buf[0] = magicReq
	buf[1] = uint8(rh.Opcode)
	binary.BigEndian.PutUint16(buf[2:4], rh.KeyLength)
	buf[4] = rh.ExtrasLength
	buf[5] = uint8(rh.DataType)
	binary.BigEndian.PutUint16(buf[6:8], rh.VbucketOrFlags)
	binary.BigEndian.PutUint32(buf[8:12], rh.TotalBodyLength)
	binary.BigEndian.PutUint32(buf[12:16], rh.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], rh.CAS)

	_, err := w.Write(buf)
	return err
}

// ReadResponseHeader decodes a ResponseHeader from r.
func ReadResponseHeader(r io.Reader) (ResponseHeader, error) {
	buf, token := headerBufs.Get()
	defer headerBufs.Put(token)

	if _, err := io.ReadFull(r, buf); err != nil {
		return ResponseHeader{}, err
	}

	if buf[0] != magicRes {
		return ResponseHeader{}, ErrBadMagic
	}

	return ResponseHeader{
		Opcode:          CmdCode(buf[1]),
		KeyLength:       binary.BigEndian.Uint16(buf[2:4]),
		ExtrasLength:    buf[4],
		DataType:        DataType(buf[5]),
		Status:          StatusCode(binary.BigEndian.Uint16(buf[6:8])),
		TotalBodyLength: binary.BigEndian.Uint32(buf[8:12]),
		Opaque:          binary.BigEndian.Uint32(buf[12:16]),
		CAS:             binary.BigEndian.Uint64(buf[16:24]),
	}, nil
}

// ReadRequestHeader decodes a RequestHeader from r (used by test fakes that
// play the role of a server).
func ReadRequestHeader(r io.Reader) (RequestHeader, error) {
	buf, token := headerBufs.Get()
	defer headerBufs.Put(token)

	if _, err := io.ReadFull(r, buf); err != nil {
		return RequestHeader{}, err
	}

	if buf[0] != magicReq {
		return RequestHeader{}, ErrBadMagic
	}

	return RequestHeader{
		Opcode:          CmdCode(buf[1]),
		KeyLength:       binary.BigEndian.Uint16(buf[2:4]),
		ExtrasLength:    buf[4],
		DataType:        DataType(buf[5]),
		VbucketOrFlags:  binary.BigEndian.Uint16(buf[6:8]),
		TotalBodyLength: binary.BigEndian.Uint32(buf[8:12]),
		Opaque:          binary.BigEndian.Uint32(buf[12:16]),
		CAS:             binary.BigEndian.Uint64(buf[16:24]),
	}, nil
}

// WriteResponseHeader encodes rh into w (used by test fakes).
func WriteResponseHeader(w io.Writer, rh ResponseHeader) error {
	buf, token := headerBufs.Get()
	defer headerBufs.Put(token)

	buf[0] = magicRes
	buf[1] = uint8(rh.Opcode)
	binary.BigEndian.PutUint16(buf[2:4], rh.KeyLength)
	buf[4] = rh.ExtrasLength
	buf[5] = uint8(rh.DataType)
	binary.BigEndian.PutUint16(buf[6:8], uint16(rh.Status))
	binary.BigEndian.PutUint32(buf[8:12], rh.TotalBodyLength)
	binary.BigEndian.PutUint32(buf[12:16], rh.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], rh.CAS)

	_, err := w.Write(buf)
	return err
}
