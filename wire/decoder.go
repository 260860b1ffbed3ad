package wire

// Decoder incrementally parses a stream of bytes into Frames. It never
// requires a full frame to arrive in one Feed call: a partial header or
// body is retained until the next call supplies the rest.
//
// A Decoder is not safe for concurrent use; each Server Connection owns
// exactly one, consistent with the single-threaded, cooperative
// scheduling model the connection runs under.
type Decoder struct {
	buf []byte // unconsumed bytes, header-then-body pending
	hdr *header
}

// NewDecoder returns a Decoder ready to consume bytes from a fresh
// connection.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly-read bytes and returns every Frame that became
// complete as a result. Frame.Extras/Key/Value alias into freshly
// allocated per-frame buffers (never the caller's slice), so callers may
// reuse their read buffer immediately after Feed returns.
//
// A malformed header surfaces as errs.ErrProtocol and is unrecoverable:
// callers must treat the connection as dead rather than call Feed again.
func (d *Decoder) Feed(data []byte) ([]*Frame, error) {
	d.buf = append(d.buf, data...)

	var out []*Frame
	for {
		if d.hdr == nil {
			if len(d.buf) < HeaderSize {
				return out, nil
			}
			h, err := parseHeader(d.buf[:HeaderSize])
			if err != nil {
				return out, err
			}
			d.hdr = &h
		}

		need := HeaderSize + int(d.hdr.bodyLen)
		if len(d.buf) < need {
			return out, nil
		}

		body := make([]byte, d.hdr.bodyLen)
		copy(body, d.buf[HeaderSize:need])
		out = append(out, d.hdr.toFrame(body))

		remaining := len(d.buf) - need
		if remaining > 0 {
			next := make([]byte, remaining)
			copy(next, d.buf[need:])
			d.buf = next
		} else {
			d.buf = d.buf[:0]
		}
		d.hdr = nil
	}
}

// Pending reports whether a header or partial body is currently buffered
// (used by tests asserting resumability).
func (d *Decoder) Pending() bool {
	return d.hdr != nil || len(d.buf) > 0
}
