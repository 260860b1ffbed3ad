package wire

import "encoding/binary"

// StoreExtras builds the 8-byte extras field used by Set/Add/Replace:
// a 4-byte flags value followed by a 4-byte expiry (relative seconds or
// absolute unix time, per protocol convention).
func StoreExtras(flags, expiry uint32) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], flags)
	binary.BigEndian.PutUint32(b[4:8], expiry)
	return b
}

// ParseStoreExtras is the inverse of StoreExtras.
func ParseStoreExtras(extras []byte) (flags, expiry uint32, ok bool) {
	if len(extras) < 8 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(extras[0:4]), binary.BigEndian.Uint32(extras[4:8]), true
}

// TouchExtras builds the 4-byte extras field for Touch/GAT: a single
// expiry value.
func TouchExtras(expiry uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, expiry)
	return b
}

// ArithmeticExtras builds the 20-byte extras field for Increment/Decrement:
// delta, initial value, expiry.
func ArithmeticExtras(delta, initial uint64, expiry uint32) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint64(b[0:8], delta)
	binary.BigEndian.PutUint64(b[8:16], initial)
	binary.BigEndian.PutUint32(b[16:20], expiry)
	return b
}

// ObserveKey is a single (vbucket, key) pair packed into an OBSERVE
// request body: 2-byte vbucket id, 2-byte key length, key bytes,
// repeated for every key in the request.
type ObserveKey struct {
	VBucket uint16
	Key     []byte
}

// EncodeObserveBody packs a set of keys into an OBSERVE request value.
func EncodeObserveBody(keys []ObserveKey) []byte {
	size := 0
	for _, k := range keys {
		size += 4 + len(k.Key)
	}
	buf := make([]byte, size)
	pos := 0
	for _, k := range keys {
		binary.BigEndian.PutUint16(buf[pos:pos+2], k.VBucket)
		binary.BigEndian.PutUint16(buf[pos+2:pos+4], uint16(len(k.Key)))
		pos += 4
		pos += copy(buf[pos:], k.Key)
	}
	return buf
}

// ObserveResult is one entry of an OBSERVE response body.
type ObserveResult struct {
	VBucket uint16
	Key     []byte
	State   ObserveKeyState
	CAS     uint64
}

// DecodeObserveBody unpacks an OBSERVE response value into its per-key
// results: repeated (vbucket uint16, keylen uint16, key, state byte,
// cas uint64).
func DecodeObserveBody(body []byte) []ObserveResult {
	var out []ObserveResult
	pos := 0
	for pos+5 <= len(body) {
		vb := binary.BigEndian.Uint16(body[pos : pos+2])
		klen := int(binary.BigEndian.Uint16(body[pos+2 : pos+4]))
		pos += 4
		if pos+klen+9 > len(body) {
			break
		}
		key := body[pos : pos+klen]
		pos += klen
		state := ObserveKeyState(body[pos])
		pos++
		cas := binary.BigEndian.Uint64(body[pos : pos+8])
		pos += 8
		out = append(out, ObserveResult{VBucket: vb, Key: key, State: state, CAS: cas})
	}
	return out
}
