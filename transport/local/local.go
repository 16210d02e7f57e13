// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package local provides an in-process substrate: N ranks bridged by
// queues, one goroutine per rank marrying arriving messages to posted
// receive regions. It is the substrate used by tests and by
// single-machine jobs that run every rank as a goroutine.
package local

import (
	"fmt"
	"sync"

	"github.com/grailbio/activemsg/transport"
	"github.com/grailbio/base/errors"
	"golang.org/x/sync/errgroup"
)

const (
	// queueDepth bounds undelivered frames per rank. Senders block
	// (rather than fail) when a receiver falls this far behind.
	queueDepth = 1 << 15
	// postedDepth bounds simultaneously posted receive regions.
	postedDepth = 1 << 12
	// blockingDepth bounds queued barrier/collective messages per
	// (class, source) pair.
	blockingDepth = 64
)

type frame struct {
	source int
	data   []byte
}

// A Mesh connects n in-process ranks.
type Mesh struct {
	eps []*endpoint
}

// New returns a mesh of n ranks. Transport(i) hands rank i its
// endpoint.
func New(n int) *Mesh {
	m := &Mesh{eps: make([]*endpoint, n)}
	for i := range m.eps {
		e := &endpoint{
			mesh:     m,
			rank:     i,
			incoming: make(chan frame, queueDepth),
			posted:   make(chan []byte, postedDepth),
			sent:     make(chan transport.SendDone, queueDepth),
			received: make(chan transport.RecvDone, postedDepth),
			done:     make(chan struct{}),
		}
		for c := range e.blocking {
			e.blocking[c] = make([]chan []byte, n)
			for s := range e.blocking[c] {
				e.blocking[c][s] = make(chan []byte, blockingDepth)
			}
		}
		m.eps[i] = e
	}
	for _, e := range m.eps {
		go e.deliver()
	}
	return m
}

// Transport returns the endpoint for rank.
func (m *Mesh) Transport(rank int) transport.Transport {
	return m.eps[rank]
}

// Run drives a mesh of n ranks, calling body once per rank on its own
// goroutine, and returns the first error.
func Run(n int, body func(t transport.Transport) error) error {
	m := New(n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		t := m.Transport(i)
		g.Go(func() error { return body(t) })
	}
	return g.Wait()
}

type endpoint struct {
	mesh *Mesh
	rank int

	incoming chan frame
	posted   chan []byte
	sent     chan transport.SendDone
	received chan transport.RecvDone
	// blocking queues for the barrier and collective classes,
	// indexed by class-1, then source.
	blocking [2][]chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// deliver marries arriving user frames to posted receive regions, in
// arrival order.
func (e *endpoint) deliver() {
	for {
		select {
		case f := <-e.incoming:
			select {
			case buf := <-e.posted:
				done := transport.RecvDone{Source: f.source, Buf: buf}
				if len(f.data) > len(buf) {
					done.Err = errors.E(errors.Invalid, fmt.Sprintf(
						"local: %d-byte message from %d overflows %d-byte receive region",
						len(f.data), f.source, len(buf)))
				} else {
					done.N = copy(buf, f.data)
				}
				select {
				case e.received <- done:
				case <-e.done:
					return
				}
			case <-e.done:
				return
			}
		case <-e.done:
			return
		}
	}
}

func (e *endpoint) Rank() int { return e.rank }

func (e *endpoint) Size() int { return len(e.mesh.eps) }

func (e *endpoint) Isend(dest int, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	peer := e.mesh.eps[dest]
	select {
	case peer.incoming <- frame{source: e.rank, data: cp}:
	case <-e.done:
		return errClosed(e.rank)
	case <-peer.done:
		return errClosed(dest)
	}
	select {
	case e.sent <- transport.SendDone{Data: data}:
	case <-e.done:
		return errClosed(e.rank)
	}
	return nil
}

func (e *endpoint) Sent() <-chan transport.SendDone { return e.sent }

func (e *endpoint) Irecv(buf []byte) error {
	select {
	case e.posted <- buf:
		return nil
	case <-e.done:
		return errClosed(e.rank)
	}
}

func (e *endpoint) Received() <-chan transport.RecvDone { return e.received }

func (e *endpoint) Send(class transport.Class, dest int, data []byte) error {
	q, err := e.mesh.eps[dest].blockingQueue(class, e.rank)
	if err != nil {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case q <- cp:
		return nil
	case <-e.done:
		return errClosed(e.rank)
	}
}

func (e *endpoint) Recv(class transport.Class, source int, buf []byte) (int, error) {
	q, err := e.blockingQueue(class, source)
	if err != nil {
		return 0, err
	}
	select {
	case data := <-q:
		if len(data) > len(buf) {
			return 0, errors.E(errors.Invalid, fmt.Sprintf(
				"local: %d-byte %s message from %d overflows %d-byte buffer",
				len(data), class, source, len(buf)))
		}
		return copy(buf, data), nil
	case <-e.done:
		return 0, errClosed(e.rank)
	}
}

func (e *endpoint) blockingQueue(class transport.Class, source int) (chan []byte, error) {
	if class != transport.Barrier && class != transport.Coll {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("local: class %s is not a blocking class", class))
	}
	return e.blocking[class-1][source], nil
}

func (e *endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

func errClosed(rank int) error {
	return errors.E(errors.Unavailable, fmt.Sprintf("local: rank %d transport closed", rank))
}
