// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package activemsg

import (
	"encoding/binary"
	"runtime"

	"github.com/grailbio/activemsg/transport"
	"github.com/grailbio/base/log"
)

// RegisterPreBarrierCallback schedules fn to run once, locally, on
// the next Barrier entry, before the quiescence loop begins.
// Callbacks are consumed in FIFO order and may call Async; doing so
// extends the barrier until the injected work drains.
func (c *Comm) RegisterPreBarrierCallback(fn func(*Comm)) {
	c.ensureLive("RegisterPreBarrierCallback")
	c.preBarrier = append(c.preBarrier, fn)
}

// Barrier returns once the job is globally quiescent: every
// invocation sent by any peer — including invocations spawned
// transitively by dispatched ones — has been dispatched. The loop
// flushes and progresses until locally idle, then compares the
// all-reduced sent and received totals over the dedicated barrier
// channel, repeating until they agree. A message that slips in
// between the local snapshot and the reduction merely forces another
// iteration; the totals cannot diverge forever because no new work
// enters once every peer's buffers are drained.
func (c *Comm) Barrier() {
	c.ensureLive("Barrier")
	for {
		for len(c.preBarrier) > 0 {
			fn := c.preBarrier[0]
			c.preBarrier = c.preBarrier[1:]
			fn(c)
		}
		c.drainLocal()
		sent, received := c.reduceCounts()
		c.stats.BarrierIters.Add(1)
		if sent == received {
			return
		}
	}
}

// drainLocal flushes every buffer and progresses until no local work
// remains: all send buffers empty, no in-flight send, nothing
// arrived on the last pass. Dispatching may enqueue more work, so
// the flush repeats until a fully idle pass.
func (c *Comm) drainLocal() {
	for {
		c.flushAll()
		worked := c.progress()
		if !worked && c.outstanding == 0 && !c.anyBuffered() {
			return
		}
		if !worked {
			runtime.Gosched()
		}
	}
}

// reduceCounts all-reduces (sent, received) over the barrier channel
// with a binary reduction tree rooted at rank 0.
func (c *Comm) reduceCounts() (sent, received uint64) {
	sent, received = c.sent, c.received
	var buf [16]byte
	left, right := 2*c.rank+1, 2*c.rank+2
	for _, child := range [2]int{left, right} {
		if child >= c.size {
			continue
		}
		n, err := c.t.Recv(transport.Barrier, child, buf[:])
		if err != nil || n != len(buf) {
			log.Fatalf("activemsg: barrier reduce from rank %d: n=%d err=%v", child, n, err)
		}
		sent += binary.LittleEndian.Uint64(buf[0:])
		received += binary.LittleEndian.Uint64(buf[8:])
	}
	if c.rank != 0 {
		parent := (c.rank - 1) / 2
		binary.LittleEndian.PutUint64(buf[0:], sent)
		binary.LittleEndian.PutUint64(buf[8:], received)
		if err := c.t.Send(transport.Barrier, parent, buf[:]); err != nil {
			log.Fatalf("activemsg: barrier reduce to rank %d: %v", parent, err)
		}
		n, err := c.t.Recv(transport.Barrier, parent, buf[:])
		if err != nil || n != len(buf) {
			log.Fatalf("activemsg: barrier result from rank %d: n=%d err=%v", parent, n, err)
		}
		sent = binary.LittleEndian.Uint64(buf[0:])
		received = binary.LittleEndian.Uint64(buf[8:])
	}
	binary.LittleEndian.PutUint64(buf[0:], sent)
	binary.LittleEndian.PutUint64(buf[8:], received)
	for _, child := range [2]int{left, right} {
		if child >= c.size {
			continue
		}
		if err := c.t.Send(transport.Barrier, child, buf[:]); err != nil {
			log.Fatalf("activemsg: barrier result to rank %d: %v", child, err)
		}
	}
	return sent, received
}

// CfBarrier synchronizes control flow only: it returns once every
// peer has entered it, without draining user messages or touching
// the sent/received counters. Implemented as a dissemination barrier
// on the collective channel.
func (c *Comm) CfBarrier() {
	c.ensureLive("CfBarrier")
	var token [1]byte
	for k := 1; k < c.size; k <<= 1 {
		to := (c.rank + k) % c.size
		from := (c.rank - k + c.size) % c.size
		if err := c.t.Send(transport.Coll, to, token[:]); err != nil {
			log.Fatalf("activemsg: cf barrier to rank %d: %v", to, err)
		}
		if _, err := c.t.Recv(transport.Coll, from, token[:]); err != nil {
			log.Fatalf("activemsg: cf barrier from rank %d: %v", from, err)
		}
	}
}
