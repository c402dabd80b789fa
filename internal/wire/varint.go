// Package wire implements the Yjs-compatible binary framing used by the
// sync and awareness protocols: unsigned LEB128 varints and
// varint(len)|bytes byte-strings, read from and written to whole
// WebSocket messages.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned when a varint or byte-string runs past the
// end of the frame being decoded.
var ErrShortBuffer = errors.New("wire: buffer too short")

// Reader decodes varints and byte-strings from a single in-memory frame.
// It never panics: every read method returns an error on truncated input.
type Reader struct {
	buf []byte
	off int
}

// NewReader wraps buf for sequential decoding.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Len returns the number of unread bytes remaining.
func (r *Reader) Len() int {
	return len(r.buf) - r.off
}

// ReadUint8 reads a single raw byte.
func (r *Reader) ReadUint8() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, ErrShortBuffer
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

// ReadUvarint reads one LEB128 unsigned varint.
func (r *Reader) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, ErrShortBuffer
	}
	r.off += n
	return v, nil
}

// ReadBytes reads a varint(len) | bytes byte-string.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, ErrShortBuffer
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

// Rest returns every unread byte without consuming it.
func (r *Reader) Rest() []byte {
	return r.buf[r.off:]
}

// ReadN reads exactly n raw bytes, for fixed-width fields like the
// UpdateStore record timestamp.
func (r *Reader) ReadN(n int) ([]byte, error) {
	if n > r.Len() {
		return nil, ErrShortBuffer
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Writer accumulates varints and byte-strings into a single frame.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer, optionally sized for sizeHint bytes.
func NewWriter(sizeHint int) *Writer {
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

// WriteUint8 appends a single raw byte.
func (w *Writer) WriteUint8(b byte) {
	w.buf = append(w.buf, b)
}

// WriteUvarint appends v as an LEB128 unsigned varint.
func (w *Writer) WriteUvarint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	w.buf = append(w.buf, tmp[:n]...)
}

// WriteBytes appends b as a varint(len) | bytes byte-string.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteUvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// Bytes returns the accumulated frame.
func (w *Writer) Bytes() []byte {
	return w.buf
}
