// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tcp provides a full-mesh TCP substrate. Every rank listens
// on its own address and dials every other rank, identifying itself
// with a rank handshake; frames are length-prefixed and tagged with
// their traffic class. Delivery within a connection is ordered;
// across connections there is no ordering, matching the substrate
// contract.
package tcp

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/grailbio/activemsg/transport"
	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

const (
	queueDepth    = 1 << 15
	postedDepth   = 1 << 12
	blockingDepth = 64

	// dialTimeout bounds how long a rank waits for its peers to
	// come up.
	dialTimeout = time.Minute
	// dialRetry is the pause between connection attempts while the
	// mesh assembles.
	dialRetry = 50 * time.Millisecond
)

type frame struct {
	source int
	data   []byte
}

type writeReq struct {
	class transport.Class
	data  []byte
	// owned reports whether the writer must hand data back on the
	// sent channel after transmission.
	owned bool
}

// A Transport is one rank's endpoint in a TCP mesh.
type Transport struct {
	rank  int
	addrs []string

	ln  net.Listener
	out []chan writeReq // per-dest write queues; nil at self

	incoming chan frame
	posted   chan []byte
	sent     chan transport.SendDone
	received chan transport.RecvDone
	blocking [2][]chan []byte

	mu    sync.Mutex
	conns []net.Conn

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

// Dial assembles the mesh endpoint for rank: it listens on
// addrs[rank], dials every peer, and blocks until an inbound
// connection has arrived from each. The same addrs slice must be
// given to every rank.
func Dial(rank int, addrs []string) (*Transport, error) {
	n := len(addrs)
	if rank < 0 || rank >= n {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("tcp: rank %d outside peer set of %d", rank, n))
	}
	ln, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, errors.E(errors.Net, fmt.Sprintf("tcp: rank %d listen %s", rank, addrs[rank]), err)
	}
	t := &Transport{
		rank:     rank,
		addrs:    addrs,
		ln:       ln,
		out:      make([]chan writeReq, n),
		incoming: make(chan frame, queueDepth),
		posted:   make(chan []byte, postedDepth),
		sent:     make(chan transport.SendDone, queueDepth),
		received: make(chan transport.RecvDone, postedDepth),
		done:     make(chan struct{}),
	}
	for c := range t.blocking {
		t.blocking[c] = make([]chan []byte, n)
		for s := range t.blocking[c] {
			t.blocking[c][s] = make(chan []byte, blockingDepth)
		}
	}

	// Collect one inbound connection per peer while dialing our
	// outbound side of the mesh.
	accepted := make(chan error, 1)
	go func() { accepted <- t.acceptPeers(n - 1) }()
	dialer := net.Dialer{Timeout: dialRetry}
	ctx := backgroundcontext.Get()
	for peer := 0; peer < n; peer++ {
		if peer == rank {
			continue
		}
		var conn net.Conn
		deadline := time.Now().Add(dialTimeout)
		for {
			conn, err = dialer.DialContext(ctx, "tcp", addrs[peer])
			if err == nil {
				break
			}
			if time.Now().After(deadline) {
				t.Close()
				return nil, errors.E(errors.Net, fmt.Sprintf("tcp: rank %d dial rank %d at %s", rank, peer, addrs[peer]), err)
			}
			time.Sleep(dialRetry)
		}
		var hello [4]byte
		binary.LittleEndian.PutUint32(hello[:], uint32(rank))
		if _, err = conn.Write(hello[:]); err != nil {
			t.Close()
			return nil, errors.E(errors.Net, fmt.Sprintf("tcp: rank %d handshake with rank %d", rank, peer), err)
		}
		q := make(chan writeReq, queueDepth)
		t.out[peer] = q
		t.track(conn)
		t.wg.Add(1)
		go t.writer(peer, conn, q)
	}
	if err = <-accepted; err != nil {
		t.Close()
		return nil, err
	}
	go t.deliver()
	return t, nil
}

// acceptPeers accepts want inbound connections, reading each peer's
// rank handshake and starting its reader.
func (t *Transport) acceptPeers(want int) error {
	seen := make(map[int]bool)
	for len(seen) < want {
		conn, err := t.ln.Accept()
		if err != nil {
			return errors.E(errors.Net, fmt.Sprintf("tcp: rank %d accept", t.rank), err)
		}
		var hello [4]byte
		if _, err = io.ReadFull(conn, hello[:]); err != nil {
			return errors.E(errors.Net, fmt.Sprintf("tcp: rank %d read handshake", t.rank), err)
		}
		source := int(binary.LittleEndian.Uint32(hello[:]))
		if source < 0 || source >= len(t.addrs) || source == t.rank || seen[source] {
			return errors.E(errors.Integrity, fmt.Sprintf("tcp: rank %d got bad handshake rank %d", t.rank, source))
		}
		seen[source] = true
		t.track(conn)
		t.wg.Add(1)
		go t.reader(source, conn)
	}
	return nil
}

// writer drains one peer's write queue onto its connection. Frames
// are class(1) | len(4) | payload.
func (t *Transport) writer(peer int, conn net.Conn, q chan writeReq) {
	defer t.wg.Done()
	defer conn.Close()
	var hdr [5]byte
	for {
		select {
		case req := <-q:
			hdr[0] = byte(req.class)
			binary.LittleEndian.PutUint32(hdr[1:], uint32(len(req.data)))
			_, err := conn.Write(hdr[:])
			if err == nil {
				_, err = conn.Write(req.data)
			}
			if req.owned {
				select {
				case t.sent <- transport.SendDone{Data: req.data, Err: err}:
				case <-t.done:
					return
				}
			} else if err != nil {
				t.fail(errors.E(errors.Net, fmt.Sprintf("tcp: rank %d write to rank %d", t.rank, peer), err))
				return
			}
			if err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}

// reader demuxes one peer's inbound frames: user frames join the
// delivery queue, blocking classes go to their per-source queues.
func (t *Transport) reader(source int, conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()
	var hdr [5]byte
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			if err != io.EOF && !t.closed() {
				t.fail(errors.E(errors.Net, fmt.Sprintf("tcp: rank %d read from rank %d", t.rank, source), err))
			}
			return
		}
		class := transport.Class(hdr[0])
		n := int(binary.LittleEndian.Uint32(hdr[1:]))
		data := make([]byte, n)
		if _, err := io.ReadFull(conn, data); err != nil {
			t.fail(errors.E(errors.Net, fmt.Sprintf("tcp: rank %d read from rank %d", t.rank, source), err))
			return
		}
		switch class {
		case transport.User:
			select {
			case t.incoming <- frame{source: source, data: data}:
			case <-t.done:
				return
			}
		case transport.Barrier, transport.Coll:
			select {
			case t.blocking[class-1][source] <- data:
			case <-t.done:
				return
			}
		default:
			t.fail(errors.E(errors.Integrity, fmt.Sprintf("tcp: rank %d got frame of unknown class %d from rank %d", t.rank, class, source)))
			return
		}
	}
}

// deliver marries user frames to posted receive regions.
func (t *Transport) deliver() {
	for {
		select {
		case f := <-t.incoming:
			select {
			case buf := <-t.posted:
				done := transport.RecvDone{Source: f.source, Buf: buf}
				if len(f.data) > len(buf) {
					done.Err = errors.E(errors.Invalid, fmt.Sprintf(
						"tcp: %d-byte message from %d overflows %d-byte receive region",
						len(f.data), f.source, len(buf)))
				} else {
					done.N = copy(buf, f.data)
				}
				select {
				case t.received <- done:
				case <-t.done:
					return
				}
			case <-t.done:
				return
			}
		case <-t.done:
			return
		}
	}
}

// fail surfaces a transport error on the receive completion stream,
// where the progress loop will see it.
func (t *Transport) fail(err error) {
	log.Error.Printf("%v", err)
	select {
	case t.received <- transport.RecvDone{Err: err}:
	case <-t.done:
	}
}

func (t *Transport) track(conn net.Conn) {
	t.mu.Lock()
	t.conns = append(t.conns, conn)
	t.mu.Unlock()
}

func (t *Transport) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Rank implements transport.Transport.
func (t *Transport) Rank() int { return t.rank }

// Size implements transport.Transport.
func (t *Transport) Size() int { return len(t.addrs) }

// Isend implements transport.Transport.
func (t *Transport) Isend(dest int, data []byte) error {
	return t.enqueue(transport.User, dest, data, true)
}

// Sent implements transport.Transport.
func (t *Transport) Sent() <-chan transport.SendDone { return t.sent }

// Irecv implements transport.Transport.
func (t *Transport) Irecv(buf []byte) error {
	select {
	case t.posted <- buf:
		return nil
	case <-t.done:
		return errors.E(errors.Unavailable, "tcp: transport closed")
	}
}

// Received implements transport.Transport.
func (t *Transport) Received() <-chan transport.RecvDone { return t.received }

// Send implements transport.Transport.
func (t *Transport) Send(class transport.Class, dest int, data []byte) error {
	if class != transport.Barrier && class != transport.Coll {
		return errors.E(errors.Invalid, fmt.Sprintf("tcp: class %s is not a blocking class", class))
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return t.enqueue(class, dest, cp, false)
}

// Recv implements transport.Transport.
func (t *Transport) Recv(class transport.Class, source int, buf []byte) (int, error) {
	if class != transport.Barrier && class != transport.Coll {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("tcp: class %s is not a blocking class", class))
	}
	select {
	case data := <-t.blocking[class-1][source]:
		if len(data) > len(buf) {
			return 0, errors.E(errors.Invalid, fmt.Sprintf(
				"tcp: %d-byte %s message from %d overflows %d-byte buffer",
				len(data), class, source, len(buf)))
		}
		return copy(buf, data), nil
	case <-t.done:
		return 0, errors.E(errors.Unavailable, "tcp: transport closed")
	}
}

func (t *Transport) enqueue(class transport.Class, dest int, data []byte, owned bool) error {
	if dest < 0 || dest >= len(t.addrs) || dest == t.rank {
		return errors.E(errors.Invalid, fmt.Sprintf("tcp: bad destination rank %d", dest))
	}
	select {
	case t.out[dest] <- writeReq{class: class, data: data, owned: owned}:
		return nil
	case <-t.done:
		return errors.E(errors.Unavailable, "tcp: transport closed")
	}
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.ln.Close()
		t.mu.Lock()
		for _, conn := range t.conns {
			conn.Close()
		}
		t.mu.Unlock()
	})
	t.wg.Wait()
	return nil
}
