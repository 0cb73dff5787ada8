// Package stream wraps a byte stream arriving from a transport and turns
// it into a sequence of decoded frames, either by simple concatenation
// (raw encoding) or by rzCOBS reframing, dispatching to the frame decoder
// once a complete frame's bytes are available.
package stream

import (
	"github.com/defmtd/defmt/internal/decodeframe"
	"github.com/defmtd/defmt/internal/rzcobs"
	"github.com/defmtd/defmt/internal/table"
)

// Decoder accumulates transport bytes and yields decoded frames.
type Decoder interface {
	// Received appends newly arrived transport bytes to the decoder's
	// internal buffer.
	Received(data []byte)
	// Decode attempts to decode the next frame from the buffer. It
	// returns decodeframe.ErrUnexpectedEOF if more bytes are needed, or
	// decodeframe.ErrMalformed if the next frame is corrupt. Rzcobs has
	// then already advanced past it and is ready for the following call;
	// Raw does not advance (see Raw).
	Decode() (*table.Frame, error)
}

// New returns the Decoder appropriate for t's encoding.
func New(t *table.Table) Decoder {
	if t.Encoding().CanRecover() {
		return NewRzcobs(t)
	}
	return NewRaw(t)
}

// Raw is the Decoder for unframed streams: bytes are simply concatenated
// and handed to the frame decoder. There is no delimiter to resynchronize
// on, so a malformed frame leaves the stream stuck; callers in raw mode
// are expected to treat Malformed as fatal for the connection.
type Raw struct {
	table *table.Table
	buf   []byte
}

// NewRaw returns a Decoder that treats its input as unframed.
func NewRaw(t *table.Table) *Raw {
	return &Raw{table: t}
}

func (d *Raw) Received(data []byte) {
	d.buf = append(d.buf, data...)
}

func (d *Raw) Decode() (*table.Frame, error) {
	frame, consumed, err := d.table.Decode(d.buf)
	if err != nil {
		return nil, err
	}
	d.buf = d.buf[consumed:]
	return frame, nil
}

// Rzcobs is the Decoder for rzCOBS-framed streams. Each call to Decode
// looks for the next 0x00 delimiter in the buffer; if found, the bytes
// before it are rzCOBS-decoded and handed to the frame decoder, and the
// buffer is advanced past the frame and every contiguous trailing zero
// byte so the following call starts on fresh content. A malformed frame
// (whether the rzCOBS layer or the frame decoder rejects it) is reported
// as Malformed without getting the stream stuck, since the delimiter
// already bounds exactly how far to skip.
type Rzcobs struct {
	table *table.Table
	raw   []byte
}

// NewRzcobs returns a Decoder that rzCOBS-reframes its input.
func NewRzcobs(t *table.Table) *Rzcobs {
	return &Rzcobs{table: t}
}

func (d *Rzcobs) Received(data []byte) {
	// Leading zeros before any content has been buffered are noise, not a
	// frame delimiter (there is nothing to delimit yet); skip them so an
	// idle line's keep-alive zeros don't produce spurious empty frames.
	if len(d.raw) == 0 {
		for len(data) > 0 && data[0] == 0 {
			data = data[1:]
		}
	}
	d.raw = append(d.raw, data...)
}

func (d *Rzcobs) Decode() (*table.Frame, error) {
	zero := indexOfZero(d.raw)
	if zero < 0 {
		return nil, decodeframe.ErrUnexpectedEOF
	}

	plain, decErr := rzcobs.Decode(d.raw[:zero])

	nonzero := -1
	for i := zero; i < len(d.raw); i++ {
		if d.raw[i] != 0 {
			nonzero = i
			break
		}
	}
	if nonzero >= 0 {
		d.raw = d.raw[nonzero:]
	} else {
		d.raw = d.raw[:0]
	}

	if decErr != nil {
		return nil, decodeframe.ErrMalformed
	}

	frame, _, err := d.table.Decode(plain)
	if err != nil {
		// The delimiter already bounds a complete frame, so even an
		// UnexpectedEof from the frame decoder (a frame too short for its
		// own format string) is real corruption at this layer, not a
		// signal to wait for more bytes.
		return nil, decodeframe.ErrMalformed
	}
	return frame, nil
}

func indexOfZero(b []byte) int {
	for i, v := range b {
		if v == 0 {
			return i
		}
	}
	return -1
}
