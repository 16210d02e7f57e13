// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package activemsg

import (
	"github.com/grailbio/activemsg/layout"
)

// A Router chooses the physical next hop for a logical destination,
// bounding how many distinct peers this process directly messages.
type Router struct {
	layout layout.Layout
	mode   Routing
}

// NewRouter returns a router over l in the given mode.
func NewRouter(l layout.Layout, mode Routing) Router {
	return Router{layout: l, mode: mode}
}

// Mode returns the routing mode.
func (r Router) Mode() Routing { return r.mode }

// NextHop returns the rank this process should send to so that a
// message reaches dest. In node-group mode, an off-node destination
// is staged through the on-node peer whose local rank matches the
// destination's; the receiving peer re-enqueues, so one extra hop
// suffices. NextHop returns the calling rank only when dest is the
// calling rank.
func (r Router) NextHop(dest int) int {
	if r.mode == RoutingDirect {
		return dest
	}
	self := r.layout.Rank()
	if r.layout.SameNode(self, dest) {
		return dest
	}
	hop := r.layout.RankOf(r.layout.Node(), r.layout.LocalOf(dest))
	if hop < 0 || hop == self {
		return dest
	}
	return hop
}

// DirectPeers returns the set of distinct ranks NextHop can produce:
// the peers this process may open a send buffer toward.
func (r Router) DirectPeers() []int {
	self := r.layout.Rank()
	seen := make(map[int]bool)
	var peers []int
	for dest := 0; dest < r.layout.Size(); dest++ {
		if dest == self {
			continue
		}
		if hop := r.NextHop(dest); !seen[hop] {
			seen[hop] = true
			peers = append(peers, hop)
		}
	}
	return peers
}

// BcastFanout returns the broadcast tree arity for the routing mode.
func (r Router) BcastFanout() int {
	if r.mode == RoutingNodeGroup {
		if k := r.layout.RanksPerNode(); k > 1 {
			return k
		}
	}
	return 2
}

// Children returns self's children in the broadcast tree rooted at
// root. The tree is the k-ary tree over ranks rotated so that root
// occupies position zero.
func (r Router) Children(root, self int) []int {
	n := r.layout.Size()
	k := r.BcastFanout()
	rel := ((self-root)%n + n) % n
	var children []int
	for i := 1; i <= k; i++ {
		c := k*rel + i
		if c >= n {
			break
		}
		children = append(children, (c+root)%n)
	}
	return children
}
