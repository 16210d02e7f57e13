// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package layout maps peer ranks onto (node, local-rank-within-node)
// coordinates. Ranks are assigned to nodes in blocks: ranks
// [0, ranksPerNode) live on node 0, the next block on node 1, and so
// on; the last node may be short.
package layout

import "github.com/grailbio/base/must"

// A Layout answers locality queries for a fixed peer set.
type Layout struct {
	size         int
	rank         int
	ranksPerNode int
}

// New returns the layout for a job of the given size, as seen from
// rank, with ranksPerNode ranks packed onto each node. A
// ranksPerNode of zero places every rank on a single node.
func New(size, rank, ranksPerNode int) Layout {
	must.True(size > 0, "layout: empty peer set")
	must.True(rank >= 0 && rank < size, "layout: rank out of range")
	if ranksPerNode <= 0 || ranksPerNode > size {
		ranksPerNode = size
	}
	return Layout{size: size, rank: rank, ranksPerNode: ranksPerNode}
}

// Size returns the number of peers.
func (l Layout) Size() int { return l.size }

// Rank returns the calling peer's rank.
func (l Layout) Rank() int { return l.rank }

// RanksPerNode returns the number of ranks packed onto each full
// node.
func (l Layout) RanksPerNode() int { return l.ranksPerNode }

// Nodes returns the number of nodes spanned by the peer set.
func (l Layout) Nodes() int {
	return (l.size + l.ranksPerNode - 1) / l.ranksPerNode
}

// NodeOf returns the node hosting rank.
func (l Layout) NodeOf(rank int) int { return rank / l.ranksPerNode }

// LocalOf returns rank's index within its node.
func (l Layout) LocalOf(rank int) int { return rank % l.ranksPerNode }

// Node returns the calling peer's node.
func (l Layout) Node() int { return l.NodeOf(l.rank) }

// Local returns the calling peer's index within its node.
func (l Layout) Local() int { return l.LocalOf(l.rank) }

// SameNode tells whether two ranks share a node.
func (l Layout) SameNode(a, b int) bool { return l.NodeOf(a) == l.NodeOf(b) }

// IsLocal tells whether rank shares this peer's node.
func (l Layout) IsLocal(rank int) bool { return l.SameNode(l.rank, rank) }

// RankOf returns the rank at (node, local), or -1 if that coordinate
// is off the end of the peer set.
func (l Layout) RankOf(node, local int) int {
	r := node*l.ranksPerNode + local
	if local >= l.ranksPerNode || r >= l.size {
		return -1
	}
	return r
}
