// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package activemsg

import (
	"encoding/gob"
	"reflect"

	"github.com/grailbio/base/log"
	"github.com/spaolacci/murmur3"
)

func init() {
	gob.Register(handleStamp{})
}

// A Handle names an object that exists on every peer. It is a value
// type — (creating rank, logical index) — that packs as an Async
// argument and resolves at any destination to that peer's local copy
// of the same logical object. Handles replace any attempt to send
// raw pointers across peers.
type Handle struct {
	Owner int32
	Index int32
}

// handleStamp is what peers compare to validate creation order and
// type compatibility.
type handleStamp struct {
	Index uint64
	Type  uint64
}

// MakeHandle registers obj and returns its handle. The call is
// collective: every peer must call MakeHandle in the same order with
// a compatible type; creation validates both across the peer set and
// aborts on a mismatch.
func (c *Comm) MakeHandle(obj interface{}) Handle {
	c.ensureLive("MakeHandle")
	stamp := handleStamp{
		Index: uint64(len(c.handles)),
		Type:  murmur3.Sum64([]byte(reflect.TypeOf(obj).String())),
	}
	lo := c.AllReduce(stamp, minStamp).(handleStamp)
	hi := c.AllReduce(stamp, maxStamp).(handleStamp)
	if lo != stamp || hi != stamp {
		log.Fatalf("activemsg: MakeHandle mismatch at rank %d: local (index %d, type %T) disagrees with peer set",
			c.rank, stamp.Index, obj)
	}
	c.handles = append(c.handles, obj)
	return Handle{Owner: int32(c.rank), Index: int32(stamp.Index)}
}

// Resolve returns this peer's object for the handle.
func (h Handle) Resolve(c *Comm) interface{} {
	if int(h.Index) >= len(c.handles) {
		log.Panicf("activemsg: handle %d/%d resolved before creation", h.Owner, h.Index)
	}
	return c.handles[h.Index]
}

func minStamp(a, b interface{}) interface{} {
	x, y := a.(handleStamp), b.(handleStamp)
	if y.Index < x.Index || (y.Index == x.Index && y.Type < x.Type) {
		return y
	}
	return x
}

func maxStamp(a, b interface{}) interface{} {
	x, y := a.(handleStamp), b.(handleStamp)
	if y.Index > x.Index || (y.Index == x.Index && y.Type > x.Type) {
		return y
	}
	return x
}
