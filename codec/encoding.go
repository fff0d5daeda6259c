// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"hash/crc32"
	"io"
)

// CRC32 table for Castagnoli polynomial.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes CRC32-C checksum.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// PutUint32 writes a uint32 in little-endian format.
func PutUint32(buf []byte, v uint32) {
	binary.LittleEndian.PutUint32(buf, v)
}

// GetUint32 reads a uint32 in little-endian format.
func GetUint32(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

// BufferWriter provides buffered writing with position tracking.
type BufferWriter struct {
	buf []byte
	pos int
}

// NewBufferWriter creates a new buffer writer with given capacity.
func NewBufferWriter(capacity int) *BufferWriter {
	return &BufferWriter{buf: make([]byte, capacity)}
}

// Bytes returns the written bytes.
func (w *BufferWriter) Bytes() []byte {
	return w.buf[:w.pos]
}

// Len returns the number of bytes written.
func (w *BufferWriter) Len() int {
	return w.pos
}

// Grow ensures the buffer has at least n additional bytes of capacity.
func (w *BufferWriter) Grow(n int) {
	if w.pos+n > len(w.buf) {
		newBuf := make([]byte, 2*(w.pos+n))
		copy(newBuf, w.buf[:w.pos])
		w.buf = newBuf
	}
}

// WriteUint8 writes a single byte.
func (w *BufferWriter) WriteUint8(v uint8) {
	w.Grow(1)
	w.buf[w.pos] = v
	w.pos++
}

// WriteUint32 writes a uint32 in little-endian format.
func (w *BufferWriter) WriteUint32(v uint32) {
	w.Grow(4)
	PutUint32(w.buf[w.pos:], v)
	w.pos += 4
}

// WriteVarint writes a signed varint.
func (w *BufferWriter) WriteVarint(v int64) {
	w.Grow(binary.MaxVarintLen64)
	n := binary.PutVarint(w.buf[w.pos:], v)
	w.pos += n
}

// WriteUvarint writes an unsigned varint.
func (w *BufferWriter) WriteUvarint(v uint64) {
	w.Grow(binary.MaxVarintLen64)
	n := binary.PutUvarint(w.buf[w.pos:], v)
	w.pos += n
}

// WriteBytes writes a length-prefixed byte slice.
func (w *BufferWriter) WriteBytes(data []byte) {
	w.WriteUvarint(uint64(len(data)))
	w.Grow(len(data))
	copy(w.buf[w.pos:], data)
	w.pos += len(data)
}

// WriteString writes a length-prefixed string.
func (w *BufferWriter) WriteString(s string) {
	w.WriteUvarint(uint64(len(s)))
	w.Grow(len(s))
	copy(w.buf[w.pos:], s)
	w.pos += len(s)
}

// WriteRawBytes writes raw bytes without length prefix.
func (w *BufferWriter) WriteRawBytes(data []byte) {
	w.Grow(len(data))
	copy(w.buf[w.pos:], data)
	w.pos += len(data)
}

// BufferReader provides buffered reading with position tracking.
type BufferReader struct {
	buf []byte
	pos int
}

// NewBufferReader creates a new buffer reader.
func NewBufferReader(data []byte) *BufferReader {
	return &BufferReader{buf: data}
}

// Remaining returns the number of unread bytes.
func (r *BufferReader) Remaining() int {
	return len(r.buf) - r.pos
}

// ReadUint8 reads a single byte.
func (r *BufferReader) ReadUint8() (uint8, error) {
	if r.Remaining() < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// ReadUint32 reads a uint32 in little-endian format.
func (r *BufferReader) ReadUint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := GetUint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadVarint reads a signed varint.
func (r *BufferReader) ReadVarint() (int64, error) {
	v, n := binary.Varint(r.buf[r.pos:])
	if n <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	r.pos += n
	return v, nil
}

// ReadUvarint reads an unsigned varint.
func (r *BufferReader) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	r.pos += n
	return v, nil
}

// ReadBytes reads a length-prefixed byte slice.
func (r *BufferReader) ReadBytes() ([]byte, error) {
	length, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if uint64(r.Remaining()) < length {
		return nil, io.ErrUnexpectedEOF
	}
	data := make([]byte, length)
	copy(data, r.buf[r.pos:r.pos+int(length)])
	r.pos += int(length)
	return data, nil
}

// ReadString reads a length-prefixed string.
func (r *BufferReader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Skip skips n bytes.
func (r *BufferReader) Skip(n int) error {
	if r.Remaining() < n {
		return io.ErrUnexpectedEOF
	}
	r.pos += n
	return nil
}
