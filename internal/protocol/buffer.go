package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortRead is returned when a payload ends before a field is complete
var ErrShortRead = errors.New("payload too short")

// Writer builds a legacy packet payload. The first failing write is kept and reported
// by Err; later writes are no-ops.
type Writer struct {
	buf  []byte
	text *TextCodec
	err  error
}

// NewWriter creates a payload writer that encodes strings with text
func NewWriter(text *TextCodec) *Writer {
	return &Writer{buf: make([]byte, 0, 64), text: text}
}

func (w *Writer) WriteUint8(v uint8) {
	if w.err == nil {
		w.buf = append(w.buf, v)
	}
}

func (w *Writer) WriteUint16(v uint16) {
	if w.err == nil {
		w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
	}
}

func (w *Writer) WriteUint32(v uint32) {
	if w.err == nil {
		w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	}
}

func (w *Writer) WriteUint64(v uint64) {
	if w.err == nil {
		w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	}
}

// WriteBytes appends a raw byte span
func (w *Writer) WriteBytes(b []byte) {
	if w.err == nil {
		w.buf = append(w.buf, b...)
	}
}

// WriteZeros appends n zero bytes
func (w *Writer) WriteZeros(n int) {
	if w.err == nil {
		w.buf = append(w.buf, make([]byte, n)...)
	}
}

// WriteTag appends a 4-character tag in wire order
func (w *Writer) WriteTag(tag string) {
	if w.err != nil {
		return
	}
	raw, err := EncodeTag(tag)
	if err != nil {
		w.err = err
		return
	}
	w.buf = append(w.buf, raw...)
}

// WriteString appends s in the writer's text encoding followed by a NUL
func (w *Writer) WriteString(s string) {
	if w.err != nil {
		return
	}
	b, err := w.text.Encode(s)
	if err != nil {
		w.err = err
		return
	}
	w.buf = append(w.buf, b...)
	w.buf = append(w.buf, 0)
}

// Bytes returns the payload built so far
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the payload length
func (w *Writer) Len() int { return len(w.buf) }

// Err returns the first error encountered while writing
func (w *Writer) Err() error { return w.err }

// Reader consumes a legacy packet payload. After the first short read every accessor
// returns a zero value and Err reports ErrShortRead.
type Reader struct {
	data []byte
	pos  int
	text *TextCodec
	err  error
}

// NewReader creates a payload reader that decodes strings with text
func NewReader(data []byte, text *TextCodec) *Reader {
	return &Reader{data: data, text: text}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.pos < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortRead, n, r.pos, len(r.data)-r.pos)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *Reader) ReadUint8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *Reader) ReadUint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *Reader) ReadUint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *Reader) ReadUint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// ReadBytes returns the next n raw bytes
func (r *Reader) ReadBytes(n int) []byte {
	return r.take(n)
}

// Skip discards n bytes
func (r *Reader) Skip(n int) {
	r.take(n)
}

// ReadTag reads a 4-byte tag and returns it in reading order
func (r *Reader) ReadTag() string {
	b := r.take(TagSize)
	if b == nil {
		return ""
	}
	tag, _ := DecodeTag(b)
	return tag
}

// ReadString reads a NUL-terminated string. A string without its terminator is a short read.
func (r *Reader) ReadString() string {
	if r.err != nil {
		return ""
	}
	end := bytes.IndexByte(r.data[r.pos:], 0)
	if end < 0 {
		r.err = fmt.Errorf("%w: unterminated string at offset %d", ErrShortRead, r.pos)
		return ""
	}
	raw := r.data[r.pos : r.pos+end]
	r.pos += end + 1

	s, err := r.text.Decode(raw)
	if err != nil {
		r.err = err
		return ""
	}
	return s
}

// Remaining returns the number of unread bytes
func (r *Reader) Remaining() int { return len(r.data) - r.pos }

// Err returns the first error encountered while reading
func (r *Reader) Err() error { return r.err }
