package wire

import (
	"encoding/binary"

	"github.com/couchgo/couchgo/errs"
)

// HeaderSize is the fixed 24-byte memcached binary protocol header size.
const HeaderSize = 24

// Frame is a single decoded (or to-be-encoded) memcached binary protocol
// message: header fields plus the three variable-length sections.
//
// VBucket and Status alias the same wire slot: on a request it carries
// the vbucket id, on a response the status code. Both fields are kept so
// callers never have to reinterpret raw bits.
type Frame struct {
	Magic        Magic
	Opcode       Opcode
	Datatype     uint8
	VBucket      uint16
	Status       Status
	Opaque       uint32
	CAS          uint64
	Extras       []byte
	Key          []byte
	Value        []byte
}

func (f *Frame) totalBodyLen() uint32 {
	return uint32(len(f.Extras) + len(f.Key) + len(f.Value))
}

// EncodeRequest serialises f as a request frame (magic 0x80) into a single
// contiguous buffer. The vbucket id is taken from f.VBucket.
func EncodeRequest(f *Frame) []byte {
	return encode(f, ReqMagic, f.VBucket)
}

// EncodeResponse serialises f as a response frame (magic 0x81) into a
// single contiguous buffer. The status code is taken from f.Status.
func EncodeResponse(f *Frame) []byte {
	return encode(f, ResMagic, uint16(f.Status))
}

func encode(f *Frame, magic Magic, statusOrVBucket uint16) []byte {
	bodyLen := f.totalBodyLen()
	buf := make([]byte, HeaderSize+int(bodyLen))

	buf[0] = byte(magic)
	buf[1] = byte(f.Opcode)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(f.Key)))
	buf[4] = byte(len(f.Extras))
	buf[5] = f.Datatype
	binary.BigEndian.PutUint16(buf[6:8], statusOrVBucket)
	binary.BigEndian.PutUint32(buf[8:12], bodyLen)
	binary.BigEndian.PutUint32(buf[12:16], f.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], f.CAS)

	pos := HeaderSize
	pos += copy(buf[pos:], f.Extras)
	pos += copy(buf[pos:], f.Key)
	copy(buf[pos:], f.Value)

	return buf
}

// header is the raw parsed form of the 24-byte header, before the caller
// decides whether to interpret slot 6:8 as a vbucket id or a status.
type header struct {
	magic        Magic
	opcode       Opcode
	keyLen       uint16
	extrasLen    uint8
	datatype     uint8
	vbucketOrErr uint16
	bodyLen      uint32
	opaque       uint32
	cas          uint64
}

func parseHeader(b []byte) (header, error) {
	if len(b) < HeaderSize {
		return header{}, errs.ErrProtocol
	}
	m := Magic(b[0])
	if m != ReqMagic && m != ResMagic {
		return header{}, errs.Wrap(errs.ErrProtocol, errBadMagic(m))
	}
	h := header{
		magic:        m,
		opcode:       Opcode(b[1]),
		keyLen:       binary.BigEndian.Uint16(b[2:4]),
		extrasLen:    b[4],
		datatype:     b[5],
		vbucketOrErr: binary.BigEndian.Uint16(b[6:8]),
		bodyLen:      binary.BigEndian.Uint32(b[8:12]),
		opaque:       binary.BigEndian.Uint32(b[12:16]),
		cas:          binary.BigEndian.Uint64(b[16:24]),
	}
	if uint32(h.keyLen)+uint32(h.extrasLen) > h.bodyLen {
		return header{}, errs.Wrap(errs.ErrProtocol, errBadLengths(h))
	}
	return h, nil
}

func (h header) toFrame(body []byte) *Frame {
	f := &Frame{
		Magic:    h.magic,
		Opcode:   h.opcode,
		Datatype: h.datatype,
		Opaque:   h.opaque,
		CAS:      h.cas,
	}
	if h.magic == ReqMagic {
		f.VBucket = h.vbucketOrErr
	} else {
		f.Status = Status(h.vbucketOrErr)
	}
	pos := 0
	f.Extras = body[pos : pos+int(h.extrasLen)]
	pos += int(h.extrasLen)
	f.Key = body[pos : pos+int(h.keyLen)]
	pos += int(h.keyLen)
	f.Value = body[pos:]
	return f
}
