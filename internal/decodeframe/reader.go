package decodeframe

import (
	"errors"
	"math/big"
)

// ErrUnexpectedEOF signals that a frame's wire bytes ran out mid-argument.
// Unlike ErrMalformed, this is not necessarily corruption: a stream
// decoder sees it when it needs to wait for more bytes before it can
// finish decoding the current frame.
var ErrUnexpectedEOF = errors.New("decodeframe: unexpected end of frame")

// ErrMalformed signals a frame whose bytes cannot be interpreted under the
// format string they were decoded against (invalid bool byte, an enum
// discriminant out of range, invalid UTF-8, an interned-string index with
// no table entry, ...).
var ErrMalformed = errors.New("decodeframe: malformed frame")

// reader is a forward cursor over a frame's argument bytes.
type reader struct {
	data []byte
	pos  int
}

func newReader(data []byte) *reader {
	return &reader{data: data}
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *reader) readN(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, ErrUnexpectedEOF
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) readU8() (uint8, error) {
	b, err := r.readN(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) readUintLE(n int) (uint64, error) {
	b, err := r.readN(n)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

func (r *reader) readU16LE() (uint16, error) {
	v, err := r.readUintLE(2)
	return uint16(v), err
}

func (r *reader) readU32LE() (uint32, error) {
	v, err := r.readUintLE(4)
	return uint32(v), err
}

func (r *reader) readU64LE() (uint64, error) {
	return r.readUintLE(8)
}

// readBigLE reads n little-endian bytes (n may exceed 8) into a big.Int.
func (r *reader) readBigLE(n int) (*big.Int, error) {
	b, err := r.readN(n)
	if err != nil {
		return nil, err
	}
	be := make([]byte, n)
	for i, v := range b {
		be[n-1-i] = v
	}
	return new(big.Int).SetBytes(be), nil
}
