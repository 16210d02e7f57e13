// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats accumulates communicator counters. All counters are
// preallocated at construction and updated atomically, so the
// progress path never allocates. Snapshots can be aggregated,
// printed, and optionally mirrored into a metrics sink.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/data"
	metrics "github.com/hashicorp/go-metrics"
)

// Values is a snapshot of the counters in a collection.
type Values map[string]int64

// Copy returns a copy of the values v.
func (v Values) Copy() Values {
	w := make(Values)
	for k, val := range v {
		w[k] = val
	}
	return w
}

// String returns an abbreviated string with the values in this
// snapshot sorted by key.
func (v Values) String() string {
	var keys []string
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// An Int is an integer counter. Ints can be atomically incremented
// and set. A nil Int discards updates.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Set sets the counter's value to val.
func (v *Int) Set(val int64) {
	if v == nil {
		return
	}
	atomic.StoreInt64(&v.val, val)
}

// Get returns the current value of a counter.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}

// Comm holds the counters maintained by one communicator.
type Comm struct {
	// SentInvocations counts invocations appended to send buffers,
	// including every edge of a broadcast tree.
	SentInvocations Int
	// RecvInvocations counts invocations dispatched locally.
	RecvInvocations Int
	// Forwarded counts segments re-enqueued toward another rank.
	Forwarded Int
	// Flushes counts send-buffer flushes.
	Flushes Int
	// BarrierIters counts quiescence-loop iterations across all
	// barriers since the last reset.
	BarrierIters Int
	// ProgressNanos accumulates wall time spent inside progress.
	ProgressNanos Int

	bytesByPeer []Int

	sink   metrics.MetricSink
	labels []metrics.Label
}

// NewComm returns counters for a job with npeers peers.
func NewComm(npeers int) *Comm {
	return &Comm{bytesByPeer: make([]Int, npeers)}
}

// AddPeerBytes records n bytes flushed toward the next-hop peer.
func (c *Comm) AddPeerBytes(peer int, n int64) {
	c.bytesByPeer[peer].Add(n)
}

// PeerBytes returns the bytes flushed toward peer since the last
// reset.
func (c *Comm) PeerBytes(peer int) int64 {
	return c.bytesByPeer[peer].Get()
}

// SetSink attaches a metrics sink. Gauges are emitted only from
// Emit, never from the progress path.
func (c *Comm) SetSink(sink metrics.MetricSink, labels ...metrics.Label) {
	c.sink = sink
	c.labels = labels
}

// Snapshot returns the current counter values.
func (c *Comm) Snapshot() Values {
	v := Values{
		"sent":          c.SentInvocations.Get(),
		"received":      c.RecvInvocations.Get(),
		"forwarded":     c.Forwarded.Get(),
		"flushes":       c.Flushes.Get(),
		"barrier_iters": c.BarrierIters.Get(),
		"progress_ns":   c.ProgressNanos.Get(),
	}
	var total int64
	for i := range c.bytesByPeer {
		total += c.bytesByPeer[i].Get()
	}
	v["bytes_sent"] = total
	return v
}

// Reset zeroes all counters.
func (c *Comm) Reset() {
	c.SentInvocations.Set(0)
	c.RecvInvocations.Set(0)
	c.Forwarded.Set(0)
	c.Flushes.Set(0)
	c.BarrierIters.Set(0)
	c.ProgressNanos.Set(0)
	for i := range c.bytesByPeer {
		c.bytesByPeer[i].Set(0)
	}
}

// Render formats a snapshot for human consumption, tagged with name
// and rank.
func (c *Comm) Render(name string, rank int) string {
	v := c.Snapshot()
	var b strings.Builder
	prefix := name
	if prefix != "" {
		prefix += " "
	}
	fmt.Fprintf(&b, "%sstats[%d]: sent:%d received:%d forwarded:%d flushes:%d barrier_iters:%d\n",
		prefix, rank, v["sent"], v["received"], v["forwarded"], v["flushes"], v["barrier_iters"])
	fmt.Fprintf(&b, "%sstats[%d]: bytes:%s progress:%s",
		prefix, rank, data.Size(v["bytes_sent"]), time.Duration(v["progress_ns"]))
	return b.String()
}

// Emit mirrors the snapshot into the attached metrics sink, if any.
func (c *Comm) Emit() {
	if c.sink == nil {
		return
	}
	for key, val := range c.Snapshot() {
		c.sink.SetGaugeWithLabels([]string{"activemsg", key}, float32(val), c.labels)
	}
}
