// Package binreader implements a bounded little-endian cursor over an
// in-memory byte slice.
//
// A Reader keeps the first error it encounters. Once an error is recorded
// every subsequent read returns the zero value, so a fixed-layout record can
// be decoded field by field and checked once with Err.
package binreader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/exp/constraints"
)

// ErrTruncated is reported when a read runs past the end of the data.
var ErrTruncated = errors.New("unexpected end of data")

// Reader is a sequential cursor over a byte slice.
type Reader struct {
	name string
	data []byte
	off  int
	err  error
}

// New returns a Reader positioned at the start of data. The name is used in
// error messages.
func New(name string, data []byte) *Reader {
	return &Reader{name: name, data: data}
}

// Name returns the name given to New or Sub.
func (r *Reader) Name() string { return r.name }

// Len returns the total length of the underlying data.
func (r *Reader) Len() int { return len(r.data) }

// Pos returns the current absolute position.
func (r *Reader) Pos() int { return r.off }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.off }

// Data returns the full underlying slice, independent of the position.
func (r *Reader) Data() []byte { return r.data }

// Err returns the first error encountered by the reader, if any.
func (r *Reader) Err() error { return r.err }

func (r *Reader) fail(n int, what string) {
	if r.err == nil {
		r.err = fmt.Errorf("%s: %w at offset %#x while reading %s (%d bytes, %d remaining)",
			r.name, ErrTruncated, r.off, what, n, r.Remaining())
	}
}

func (r *Reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.Remaining() {
		r.fail(n, what)
		return nil
	}
	b := r.data[r.off : r.off+n : r.off+n]
	r.off += n
	return b
}

// Seek moves the cursor to an absolute position.
func (r *Reader) Seek(off int) {
	if r.err != nil {
		return
	}
	if off < 0 || off > len(r.data) {
		r.err = fmt.Errorf("%s: %w: seek to %#x outside [0, %#x]", r.name, ErrTruncated, off, len(r.data))
		return
	}
	r.off = off
}

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n int) { r.take(n, "padding") }

// Align advances the cursor to the next multiple of a, relative to the start
// of this reader.
func (r *Reader) Align(a int) {
	r.Skip(AlignUp(r.off, a) - r.off)
}

// U8 reads a byte. It returns 0 once the reader has failed.
func (r *Reader) U8() uint8 {
	b := r.take(1, "uint8")
	if b == nil {
		return 0
	}
	return b[0]
}

// U16 reads a little-endian uint16.
func (r *Reader) U16() uint16 {
	b := r.take(2, "uint16")
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// U32 reads a little-endian uint32.
func (r *Reader) U32() uint32 {
	b := r.take(4, "uint32")
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// I32 reads a little-endian int32.
func (r *Reader) I32() int32 { return int32(r.U32()) }

// U64 reads a little-endian uint64.
func (r *Reader) U64() uint64 {
	b := r.take(8, "uint64")
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Bytes returns the next n bytes without copying.
func (r *Reader) Bytes(n int) []byte { return r.take(n, "byte array") }

// CString reads a NUL-terminated string. The terminator is consumed and
// not included in the result.
func (r *Reader) CString() string {
	if r.err != nil {
		return ""
	}
	i := bytes.IndexByte(r.data[r.off:], 0)
	if i < 0 {
		r.fail(r.Remaining()+1, "NUL-terminated string")
		return ""
	}
	s := string(r.data[r.off : r.off+i])
	r.off += i + 1
	return s
}

// U16Array reads n consecutive uint16 values.
func (r *Reader) U16Array(n int) []uint16 {
	b := r.take(n*2, "uint16 array")
	if b == nil {
		return nil
	}
	out := make([]uint16, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return out
}

// U32Array reads n consecutive uint32 values.
func (r *Reader) U32Array(n int) []uint32 {
	b := r.take(n*4, "uint32 array")
	if b == nil {
		return nil
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}

// Sub returns a new Reader over the next n bytes and advances past them.
// The returned reader shares memory with r. If r already failed, or fewer
// than n bytes remain, the returned reader carries the error as well.
func (r *Reader) Sub(name string, n int) *Reader {
	b := r.take(n, name)
	sub := New(name, b)
	sub.err = r.err
	return sub
}

// Rest returns a Reader over all unread bytes and moves r to the end.
func (r *Reader) Rest(name string) *Reader {
	if r.err != nil {
		return r.Sub(name, 0)
	}
	return r.Sub(name, r.Remaining())
}

// ReadArray decodes n records with decode. It stops early if the reader
// fails; the caller must check r.Err.
func ReadArray[T any](r *Reader, n int, decode func(*Reader) T) []T {
	out := make([]T, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, decode(r))
	}
	if r.err != nil {
		return nil
	}
	return out
}

// AlignUp rounds v up to the next multiple of a. a must be positive.
func AlignUp[V constraints.Integer](v, a V) V {
	if rem := v % a; rem != 0 {
		return v + a - rem
	}
	return v
}
