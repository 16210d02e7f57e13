// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package activemsg

import (
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/activemsg/layout"
	"github.com/grailbio/activemsg/stats"
	"github.com/grailbio/activemsg/transport"
	"github.com/grailbio/activemsg/transport/tcp"
	"github.com/grailbio/activemsg/wire"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
)

const (
	stateOpen = iota
	stateDraining
	stateClosed
)

// maxFreeBuffers bounds the recycled send-buffer pool.
const maxFreeBuffers = 256

// A Comm is the per-process communicator: it owns the send buffers,
// in-flight sends, posted receives, the progress engine, and the
// quiescence barrier. One Comm is instantiated per process and
// shared by all client subsystems.
//
// A Comm is single-threaded cooperative: all calls must come from
// one goroutine, and dispatched callables run on that goroutine,
// only while it is inside a Comm call. Dispatched callables may
// themselves call Async.
type Comm struct {
	t      transport.Transport
	cfg    Config
	rank   int
	size   int
	layout layout.Layout
	router Router
	stats  *stats.Comm

	// Send state: one buffer per next hop, a recycled backing pool,
	// and the total of in-flight bytes.
	bufs        []*wire.Buffer
	dirty       []int
	isDirty     []bool
	free        [][]byte
	outstanding int

	sent     uint64
	received uint64

	preBarrier []func(*Comm)
	inProgress bool
	state      int32

	handles []interface{}
}

// New returns a communicator over an existing substrate, reading
// tunables from the process environment.
func New(t transport.Transport) (*Comm, error) {
	return NewWithConfig(t, configFromEnv(t.Rank()))
}

// NewWithConfig returns a communicator over an existing substrate
// with explicit tunables.
func NewWithConfig(t transport.Transport, cfg Config) (*Comm, error) {
	must.True(t != nil, "activemsg: nil transport")
	cfg = cfg.sanitize(t.Rank())
	size, rank := t.Size(), t.Rank()
	l := layout.New(size, rank, cfg.RanksPerNode)
	c := &Comm{
		t:       t,
		cfg:     cfg,
		rank:    rank,
		size:    size,
		layout:  l,
		router:  NewRouter(l, cfg.Routing),
		stats:   stats.NewComm(size),
		bufs:    make([]*wire.Buffer, size),
		isDirty: make([]bool, size),
	}
	for i := 0; i < cfg.IrecvCount; i++ {
		if err := t.Irecv(make([]byte, cfg.IrecvSize)); err != nil {
			return nil, errors.E("activemsg: posting receives", err)
		}
	}
	if cfg.Welcome {
		c.welcome()
	}
	return c, nil
}

// Init builds a communicator over the TCP substrate, reading the
// peer set from the environment: ACTIVEMSG_RANK is this peer's rank
// and ACTIVEMSG_PEERS the comma-separated host:port list, one entry
// per rank. It is the whole-job constructor; New adopts an already
// constructed peer group instead.
func Init() (*Comm, error) {
	rank, err := strconv.Atoi(os.Getenv("ACTIVEMSG_RANK"))
	if err != nil {
		return nil, errors.E(errors.Invalid, "activemsg: bad or missing ACTIVEMSG_RANK", err)
	}
	peers := strings.Split(os.Getenv("ACTIVEMSG_PEERS"), ",")
	if len(peers) < 2 {
		return nil, errors.E(errors.Invalid, "activemsg: ACTIVEMSG_PEERS must list at least two peers")
	}
	t, err := tcp.Dial(rank, peers)
	if err != nil {
		return nil, err
	}
	return New(t)
}

// Rank returns this peer's index in [0, Size).
func (c *Comm) Rank() int { return c.rank }

// Size returns the number of peers.
func (c *Comm) Size() int { return c.size }

// Rank0 tells whether this peer is rank 0.
func (c *Comm) Rank0() bool { return c.rank == 0 }

// Layout returns the peer set's locality map.
func (c *Comm) Layout() layout.Layout { return c.layout }

// Router returns the routing layer.
func (c *Comm) Router() Router { return c.router }

// Config returns the frozen tunables.
func (c *Comm) Config() Config { return c.cfg }

// Stats returns the communicator's counters.
func (c *Comm) Stats() *stats.Comm { return c.stats }

// StatsReset zeroes the counters.
func (c *Comm) StatsReset() { c.stats.Reset() }

// StatsPrint logs the counters, tagged with name, and mirrors them
// into the attached metrics sink, if any.
func (c *Comm) StatsPrint(name string) {
	log.Printf("%s", c.stats.Render(name, c.rank))
	c.stats.Emit()
}

// Sent returns the count of invocations this peer has appended.
func (c *Comm) Sent() uint64 { return c.sent }

// Received returns the count of invocations dispatched on this peer.
func (c *Comm) Received() uint64 { return c.received }

// Printf0 logs from rank 0 only.
func (c *Comm) Printf0(format string, args ...interface{}) {
	if c.rank == 0 {
		log.Printf(format, args...)
	}
}

// Errorf0 logs an error from rank 0 only.
func (c *Comm) Errorf0(format string, args ...interface{}) {
	if c.rank == 0 {
		log.Error.Printf(format, args...)
	}
}

// welcome emits the startup banner.
func (c *Comm) welcome() {
	if c.rank != 0 {
		return
	}
	l := c.layout
	log.Printf("activemsg: %d ranks across %d nodes (%d per node), routing %s",
		c.size, l.Nodes(), l.RanksPerNode(), c.cfg.Routing)
	log.Printf("activemsg: send buffers %s, budget %s, %d receives of %s posted",
		data.Size(c.cfg.BufferCapacity), data.Size(c.cfg.SendBudget),
		c.cfg.IrecvCount, data.Size(c.cfg.IrecvSize))
}

// ensureLive panics if the communicator has been closed.
func (c *Comm) ensureLive(op string) {
	if c.state == stateClosed {
		log.Panicf("activemsg: %s on closed communicator", op)
	}
}

// Close drains the communicator with one final barrier, releases its
// resources, and closes the substrate. No operation is valid
// afterward. Close is idempotent.
func (c *Comm) Close() error {
	if c.state != stateOpen {
		return nil
	}
	c.state = stateDraining
	c.Barrier()
	c.state = stateClosed
	c.handles = nil
	c.preBarrier = nil
	c.bufs = nil
	c.free = nil
	return c.t.Close()
}

// buffer returns the send buffer for a next hop, attaching recycled
// backing storage as needed.
func (c *Comm) buffer(hop int) *wire.Buffer {
	b := c.bufs[hop]
	if b == nil {
		b = wire.NewBuffer(c.cfg.BufferCapacity + wire.HeaderSize)
		c.bufs[hop] = b
	} else if !b.Attached() {
		b.Attach(c.takeBacking())
	}
	return b
}

func (c *Comm) takeBacking() []byte {
	if n := len(c.free); n > 0 {
		backing := c.free[n-1]
		c.free = c.free[:n-1]
		return backing
	}
	return make([]byte, 0, c.cfg.BufferCapacity+wire.HeaderSize)
}

func (c *Comm) markDirty(hop int) {
	if !c.isDirty[hop] {
		c.isDirty[hop] = true
		c.dirty = append(c.dirty, hop)
	}
}

// flush detaches hop's buffer into an in-flight send.
func (c *Comm) flush(hop int) {
	b := c.bufs[hop]
	if b == nil || !b.Attached() || b.Len() == 0 {
		return
	}
	data := b.Detach()
	if err := c.t.Isend(hop, data); err != nil {
		log.Fatalf("activemsg: substrate send to rank %d: %v", hop, err)
	}
	c.outstanding += len(data)
	c.isDirty[hop] = false
	c.stats.Flushes.Add(1)
	c.stats.AddPeerBytes(hop, int64(len(data)))
}

// flushAll flushes every nonempty send buffer.
func (c *Comm) flushAll() {
	for _, hop := range c.dirty {
		c.flush(hop)
	}
	c.dirty = c.dirty[:0]
}

// anyBuffered tells whether any send buffer holds bytes.
func (c *Comm) anyBuffered() bool {
	for _, hop := range c.dirty {
		if b := c.bufs[hop]; b != nil && b.Attached() && b.Len() > 0 {
			return true
		}
	}
	return false
}
