// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package activemsg

import (
	"encoding/binary"
	"runtime"
	"time"

	"github.com/grailbio/activemsg/wire"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
)

// Async serializes an invocation of fn with args and enqueues it
// toward dest. Delivery is fire-and-forget: there is no reply and no
// ordering guarantee relative to other Async calls. fn is a
// registered *FuncValue or a bare callable, registered on first use.
//
// The call never blocks on a specific message, but it opportunistically
// dispatches arrived messages, flushes its buffer past the capacity
// threshold, and past the send budget runs progress until the
// outstanding bytes drain. Async may be called from within a
// dispatched callable. Serialization failures in user argument types
// are returned; transport failures are fatal; an out-of-range or
// self destination panics.
func (c *Comm) Async(dest int, fn interface{}, args ...interface{}) error {
	c.ensureLive("Async")
	c.checkDest(dest)
	f := funcFor(fn)
	argBytes, err := f.encodeArgs(args)
	if err != nil {
		return err
	}
	c.progress()
	c.enqueueInvocation(dest, f.id, argBytes)
	c.checkBudget()
	return nil
}

// AsyncMcast enqueues one invocation of fn per destination, sharing
// a single serialization of args across them.
func (c *Comm) AsyncMcast(dests []int, fn interface{}, args ...interface{}) error {
	c.ensureLive("AsyncMcast")
	for _, dest := range dests {
		c.checkDest(dest)
	}
	f := funcFor(fn)
	argBytes, err := f.encodeArgs(args)
	if err != nil {
		return err
	}
	c.progress()
	for _, dest := range dests {
		c.enqueueInvocation(dest, f.id, argBytes)
	}
	c.checkBudget()
	return nil
}

var bcastFn *FuncValue

func init() {
	bcastFn = Func(bcastRelay)
}

// AsyncBcast invokes fn with args exactly once on every peer,
// including the caller. The invocation travels an n-ary tree rooted
// at the caller; every tree edge is a counted send, so the barrier
// remains a correct termination test.
func (c *Comm) AsyncBcast(fn interface{}, args ...interface{}) error {
	c.ensureLive("AsyncBcast")
	f := funcFor(fn)
	argBytes, err := f.encodeArgs(args)
	if err != nil {
		return err
	}
	payload := make([]byte, 2+len(argBytes))
	binary.LittleEndian.PutUint16(payload, f.id)
	copy(payload[2:], argBytes)
	c.progress()
	c.relayBcast(c.rank, payload)
	c.checkBudget()
	return nil
}

// bcastRelay re-enqueues a broadcast payload to this rank's tree
// children, then applies the carried invocation locally.
func bcastRelay(c *Comm, root int, payload []byte) {
	c.relayBcast(root, payload)
}

func (c *Comm) relayBcast(root int, payload []byte) {
	children := c.router.Children(root, c.rank)
	if len(children) > 0 {
		argBytes, err := bcastFn.encodeArgs([]interface{}{root, payload})
		must.Nil(err, "activemsg: broadcast relay serialization")
		for _, child := range children {
			c.enqueueInvocation(child, bcastFn.id, argBytes)
		}
	}
	if len(payload) < 2 {
		log.Fatalf("activemsg: truncated broadcast payload of %d bytes", len(payload))
	}
	id := binary.LittleEndian.Uint16(payload)
	f := funcByID(id)
	if f == nil {
		log.Fatalf("activemsg: broadcast names unregistered lambda id %#04x", id)
	}
	if err := f.invoke(c, payload[2:]); err != nil {
		log.Fatalf("activemsg: broadcast dispatch %s: %v", f.Name(), err)
	}
}

func (c *Comm) checkDest(dest int) {
	if dest < 0 || dest >= c.size {
		log.Panicf("activemsg: destination rank %d outside peer set of %d", dest, c.size)
	}
	if dest == c.rank {
		log.Panicf("activemsg: unicast to self (rank %d)", c.rank)
	}
}

// enqueueInvocation appends one invocation to the send buffer for
// dest's next hop, flushing as thresholds demand.
func (c *Comm) enqueueInvocation(dest int, id uint16, argBytes []byte) {
	need := wire.HeaderSize + wire.InvocationSize(len(argBytes))
	if need > c.cfg.IrecvSize {
		log.Fatalf("activemsg: %d-byte invocation exceeds %d-byte receive regions", need, c.cfg.IrecvSize)
	}
	hop := c.router.NextHop(dest)
	b := c.buffer(hop)
	if b.Len()+need > c.cfg.IrecvSize {
		c.flush(hop)
		b = c.buffer(hop)
	}
	b.AppendInvocation(dest, id, argBytes)
	c.markDirty(hop)
	c.sent++
	c.stats.SentInvocations.Add(1)
	if b.Len() >= c.cfg.BufferCapacity {
		c.flush(hop)
	}
}

// forwardSegment re-enqueues a received segment whose final
// destination is another rank. The segment's counters were settled
// at its origin; forwarding is counter-neutral.
func (c *Comm) forwardSegment(raw []byte, dest int) {
	hop := c.router.NextHop(dest)
	b := c.buffer(hop)
	if b.Len()+len(raw) > c.cfg.IrecvSize {
		c.flush(hop)
		b = c.buffer(hop)
	}
	b.AppendSegment(raw)
	c.markDirty(hop)
	c.stats.Forwarded.Add(1)
	if b.Len() >= c.cfg.BufferCapacity {
		c.flush(hop)
	}
}

// checkBudget runs progress until in-flight bytes drop to the
// low-water mark when the send budget is exceeded. This is the
// backpressure mechanism: production halts, consumption continues.
func (c *Comm) checkBudget() {
	if c.outstanding <= c.cfg.SendBudget || c.inProgress {
		return
	}
	low := c.cfg.SendBudget / 2
	var stall time.Time
	for c.outstanding > low {
		if c.progress() {
			stall = time.Time{}
			continue
		}
		if c.cfg.Watchdog > 0 {
			if stall.IsZero() {
				stall = time.Now()
			} else if time.Since(stall) > c.cfg.Watchdog {
				log.Fatalf("activemsg: no completion for %s with %d bytes outstanding (budget %d)",
					c.cfg.Watchdog, c.outstanding, c.cfg.SendBudget)
			}
		}
		runtime.Gosched()
	}
}
