// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package activemsg

import (
	"bytes"
	"encoding/gob"

	"github.com/grailbio/activemsg/transport"
	"github.com/grailbio/base/log"
)

// collScratch is the size cap on an encoded collective value.
const collScratch = 64 << 10

// A MergeFunc combines two collective values. It must be commutative
// and associative.
type MergeFunc func(a, b interface{}) interface{}

// AllReduce merges v with every peer's value and returns the result,
// identical on all peers. Values travel the collective channel,
// orthogonal to barrier state and user messages; they are gob
// encoded, so custom types must be registered with gob on every
// peer. Collectives must be entered by all peers in the same order.
// Like Async, entry opportunistically progresses arrived user
// messages before the reduction begins.
func (c *Comm) AllReduce(v interface{}, merge MergeFunc) interface{} {
	c.ensureLive("AllReduce")
	c.progress()
	acc := v
	scratch := make([]byte, collScratch)
	left, right := 2*c.rank+1, 2*c.rank+2
	for _, child := range [2]int{left, right} {
		if child >= c.size {
			continue
		}
		n, err := c.t.Recv(transport.Coll, child, scratch)
		if err != nil {
			log.Fatalf("activemsg: all-reduce from rank %d: %v", child, err)
		}
		acc = merge(acc, decodeCollective(scratch[:n]))
	}
	if c.rank != 0 {
		parent := (c.rank - 1) / 2
		if err := c.t.Send(transport.Coll, parent, encodeCollective(acc)); err != nil {
			log.Fatalf("activemsg: all-reduce to rank %d: %v", parent, err)
		}
		n, err := c.t.Recv(transport.Coll, parent, scratch)
		if err != nil {
			log.Fatalf("activemsg: all-reduce result from rank %d: %v", parent, err)
		}
		acc = decodeCollective(scratch[:n])
	}
	result := encodeCollective(acc)
	for _, child := range [2]int{left, right} {
		if child >= c.size {
			continue
		}
		if err := c.t.Send(transport.Coll, child, result); err != nil {
			log.Fatalf("activemsg: all-reduce result to rank %d: %v", child, err)
		}
	}
	return acc
}

// AllReduceSum returns the sum of v across peers. Supported types:
// int, int64, uint64, float64.
func (c *Comm) AllReduceSum(v interface{}) interface{} { return c.AllReduce(v, SumValues) }

// AllReduceMin returns the minimum of v across peers.
func (c *Comm) AllReduceMin(v interface{}) interface{} { return c.AllReduce(v, MinValues) }

// AllReduceMax returns the maximum of v across peers.
func (c *Comm) AllReduceMax(v interface{}) interface{} { return c.AllReduce(v, MaxValues) }

// SumValues adds two numeric collective values.
func SumValues(a, b interface{}) interface{} {
	switch x := a.(type) {
	case int:
		return x + b.(int)
	case int64:
		return x + b.(int64)
	case uint64:
		return x + b.(uint64)
	case float64:
		return x + b.(float64)
	}
	log.Panicf("activemsg: unsupported sum type %T", a)
	panic("unreachable")
}

// MinValues returns the lesser of two numeric collective values.
func MinValues(a, b interface{}) interface{} {
	switch x := a.(type) {
	case int:
		if y := b.(int); y < x {
			return y
		}
		return x
	case int64:
		if y := b.(int64); y < x {
			return y
		}
		return x
	case uint64:
		if y := b.(uint64); y < x {
			return y
		}
		return x
	case float64:
		if y := b.(float64); y < x {
			return y
		}
		return x
	}
	log.Panicf("activemsg: unsupported min type %T", a)
	panic("unreachable")
}

// MaxValues returns the greater of two numeric collective values.
func MaxValues(a, b interface{}) interface{} {
	switch x := a.(type) {
	case int:
		if y := b.(int); y > x {
			return y
		}
		return x
	case int64:
		if y := b.(int64); y > x {
			return y
		}
		return x
	case uint64:
		if y := b.(uint64); y > x {
			return y
		}
		return x
	case float64:
		if y := b.(float64); y > x {
			return y
		}
		return x
	}
	log.Panicf("activemsg: unsupported max type %T", a)
	panic("unreachable")
}

func encodeCollective(v interface{}) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		log.Fatalf("activemsg: encoding collective value of type %T: %v", v, err)
	}
	if buf.Len() > collScratch {
		log.Fatalf("activemsg: %d-byte collective value exceeds %d-byte cap", buf.Len(), collScratch)
	}
	return buf.Bytes()
}

func decodeCollective(data []byte) interface{} {
	var v interface{}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		log.Fatalf("activemsg: decoding collective value: %v", err)
	}
	return v
}
