// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package activemsg

import (
	"time"

	"github.com/grailbio/activemsg/wire"
	"github.com/grailbio/base/log"
)

// progress performs one nonblocking step of the engine: it drains
// completed receives (dispatching segments addressed here and
// re-enqueueing the rest), reposts their regions, and drains send
// completions back into the buffer pool. It reports whether any
// completion was handled.
//
// progress refuses re-entry: a callable dispatched from within
// progress that calls Async appends to send buffers but does not
// recurse, which keeps deeply nested dispatch chains off the stack.
func (c *Comm) progress() bool {
	if c.inProgress {
		return false
	}
	c.inProgress = true
	start := time.Now()
	worked := false
recv:
	for {
		select {
		case r := <-c.t.Received():
			if r.Err != nil {
				log.Fatalf("activemsg: substrate receive: %v", r.Err)
			}
			c.handleRegion(r.Buf, r.N, r.Source)
			worked = true
		default:
			break recv
		}
	}
sent:
	for {
		select {
		case s := <-c.t.Sent():
			if s.Err != nil {
				log.Fatalf("activemsg: substrate send: %v", s.Err)
			}
			c.outstanding -= len(s.Data)
			if len(c.free) < maxFreeBuffers {
				c.free = append(c.free, s.Data[:0])
			}
			worked = true
		default:
			break sent
		}
	}
	c.stats.ProgressNanos.Add(time.Since(start).Nanoseconds())
	c.inProgress = false
	return worked
}

// handleRegion walks the segments of a filled receive region,
// dispatches those addressed to this rank, forwards the rest, and
// reposts the region.
func (c *Comm) handleRegion(buf []byte, n, source int) {
	rd := wire.NewReader(buf[:n])
	for rd.More() {
		seg, err := rd.Next()
		if err != nil {
			log.Fatalf("activemsg: from rank %d: %v", source, err)
		}
		if seg.Dest != c.rank {
			c.forwardSegment(seg.Raw(), seg.Dest)
			continue
		}
		for seg.More() {
			id, args, err := seg.Next()
			if err != nil {
				log.Fatalf("activemsg: from rank %d: %v", source, err)
			}
			f := funcByID(id)
			if f == nil {
				log.Fatalf("activemsg: rank %d sent unregistered lambda id %#04x", source, id)
			}
			c.received++
			c.stats.RecvInvocations.Add(1)
			if err := f.invoke(c, args); err != nil {
				log.Fatalf("activemsg: dispatching %s from rank %d: %v", f.Name(), source, err)
			}
		}
	}
	if err := c.t.Irecv(buf[:cap(buf)]); err != nil {
		log.Fatalf("activemsg: reposting receive: %v", err)
	}
}
