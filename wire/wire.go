// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wire defines the byte layout of active messages. A message
// region holds one or more segments; each segment is a header naming
// the final destination rank, followed by a body of concatenated
// invocations. Invocations bound for the same final destination are
// coalesced under a single header. Peers are assumed binary
// compatible; all integers are little-endian.
//
//	segment    ::= header body
//	header     ::= finalDest uint32 | bodyLen uint32
//	body       ::= invocation+
//	invocation ::= id uint16 | argLen uint32 | args
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
)

const (
	// HeaderSize is the encoded size of a segment header.
	HeaderSize = 8
	// InvocationOverhead is the fixed per-invocation framing cost.
	InvocationOverhead = 2 + 4
)

// InvocationSize returns the encoded size of an invocation carrying
// nargs bytes of serialized arguments.
func InvocationSize(nargs int) int { return InvocationOverhead + nargs }

// A Buffer accumulates segments bound for a single next hop. Appends
// coalesce consecutive invocations that share a final destination
// under one header. The backing array can be detached for
// transmission and a recycled one attached in its place.
type Buffer struct {
	b        []byte
	openDest int // final destination of the open segment
	openHdr  int // offset of the open segment's header, -1 if none
}

// NewBuffer returns a Buffer with the provided initial capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{b: make([]byte, 0, capacity), openHdr: -1}
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int { return len(b.b) }

// Bytes returns the buffered bytes. The slice is invalidated by the
// next append.
func (b *Buffer) Bytes() []byte { return b.b }

// Detach returns the buffered bytes and leaves the buffer without
// backing storage. Attach must be called before the next append.
func (b *Buffer) Detach() []byte {
	data := b.b
	b.b = nil
	b.openHdr = -1
	return data
}

// Attach gives the buffer recycled backing storage.
func (b *Buffer) Attach(backing []byte) {
	b.b = backing[:0]
	b.openHdr = -1
}

// Attached tells whether the buffer has backing storage.
func (b *Buffer) Attached() bool { return b.b != nil }

// AppendInvocation appends one invocation addressed to finalDest,
// starting a new segment unless the open segment has the same final
// destination.
func (b *Buffer) AppendInvocation(finalDest int, id uint16, args []byte) {
	if b.openHdr < 0 || b.openDest != finalDest {
		b.openHdr = len(b.b)
		b.openDest = finalDest
		var hdr [HeaderSize]byte
		binary.LittleEndian.PutUint32(hdr[0:], uint32(finalDest))
		b.b = append(b.b, hdr[:]...)
	}
	var pre [InvocationOverhead]byte
	binary.LittleEndian.PutUint16(pre[0:], id)
	binary.LittleEndian.PutUint32(pre[2:], uint32(len(args)))
	b.b = append(b.b, pre[:]...)
	b.b = append(b.b, args...)
	bodyLen := len(b.b) - b.openHdr - HeaderSize
	binary.LittleEndian.PutUint32(b.b[b.openHdr+4:], uint32(bodyLen))
}

// AppendSegment appends a complete pre-framed segment, as produced by
// Segment.Raw. Used when forwarding a message toward its final
// destination.
func (b *Buffer) AppendSegment(seg []byte) {
	b.b = append(b.b, seg...)
	// The appended header closes any coalescing run.
	b.openHdr = -1
}

// A Segment is one decoded header plus its body.
type Segment struct {
	// Dest is the final destination rank.
	Dest int

	body []byte
	raw  []byte
	off  int
}

// Raw returns the segment's full wire representation, header
// included.
func (s *Segment) Raw() []byte { return s.raw }

// More tells whether the segment holds further invocations.
func (s *Segment) More() bool { return s.off < len(s.body) }

// Next decodes the next invocation in the segment. The returned args
// slice aliases the underlying region.
func (s *Segment) Next() (id uint16, args []byte, err error) {
	if s.off+InvocationOverhead > len(s.body) {
		return 0, nil, corruptf("truncated invocation at offset %d of %d-byte body", s.off, len(s.body))
	}
	id = binary.LittleEndian.Uint16(s.body[s.off:])
	n := int(binary.LittleEndian.Uint32(s.body[s.off+2:]))
	s.off += InvocationOverhead
	if s.off+n > len(s.body) {
		return 0, nil, corruptf("invocation %#x: %d argument bytes exceed %d-byte body", id, n, len(s.body))
	}
	args = s.body[s.off : s.off+n]
	s.off += n
	return id, args, nil
}

// A Reader walks the segments of a received region.
type Reader struct {
	data []byte
	off  int
}

// NewReader returns a Reader over the provided region.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// More tells whether the region holds further segments.
func (r *Reader) More() bool { return r.off < len(r.data) }

// Next decodes the next segment.
func (r *Reader) Next() (Segment, error) {
	if r.off+HeaderSize > len(r.data) {
		return Segment{}, corruptf("truncated header at offset %d of %d-byte region", r.off, len(r.data))
	}
	dest := int(binary.LittleEndian.Uint32(r.data[r.off:]))
	n := int(binary.LittleEndian.Uint32(r.data[r.off+4:]))
	if n <= 0 || r.off+HeaderSize+n > len(r.data) {
		return Segment{}, corruptf("header claims %d body bytes at offset %d of %d-byte region", n, r.off, len(r.data))
	}
	seg := Segment{
		Dest: dest,
		body: r.data[r.off+HeaderSize : r.off+HeaderSize+n],
		raw:  r.data[r.off : r.off+HeaderSize+n],
	}
	r.off += HeaderSize + n
	return seg, nil
}

func corruptf(format string, args ...interface{}) error {
	return errors.E(errors.Integrity, fmt.Sprintf("wire: "+format, args...))
}
