package wire

import "encoding/binary"

// EncodeHelloFeatures packs a requested HELLO feature list into the
// two-byte-per-feature body the protocol expects on the request side.
func EncodeHelloFeatures(features []HelloFeature) []byte {
	buf := make([]byte, len(features)*2)
	for i, f := range features {
		binary.BigEndian.PutUint16(buf[i*2:], uint16(f))
	}
	return buf
}

// DecodeHelloFeatures unpacks a HELLO response body into the feature
// list the server actually agreed to support -- a subset of what was
// requested, per the protocol's negotiation semantics.
func DecodeHelloFeatures(body []byte) []HelloFeature {
	features := make([]HelloFeature, 0, len(body)/2)
	for i := 0; i+1 < len(body); i += 2 {
		features = append(features, HelloFeature(binary.BigEndian.Uint16(body[i:])))
	}
	return features
}

// HasFeature reports whether features contains want.
func HasFeature(features []HelloFeature, want HelloFeature) bool {
	for _, f := range features {
		if f == want {
			return true
		}
	}
	return false
}
