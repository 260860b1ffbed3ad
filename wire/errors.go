package wire

import "fmt"

func errBadMagic(m Magic) error {
	return fmt.Errorf("wire: unexpected magic byte 0x%02x", byte(m))
}

func errBadLengths(h header) error {
	return fmt.Errorf("wire: key+extras length %d exceeds body length %d",
		uint32(h.keyLen)+uint32(h.extrasLen), h.bodyLen)
}
