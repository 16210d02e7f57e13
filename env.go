// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package activemsg

import (
	"os"
	"strconv"
	"time"

	"github.com/grailbio/base/log"
)

// Routing selects how a final destination maps to a next hop.
type Routing string

const (
	// RoutingDirect sends every message straight to its final
	// destination.
	RoutingDirect Routing = "direct"
	// RoutingNodeGroup bounds fanout by staging off-node messages
	// through the on-node peer sharing the destination's local rank.
	RoutingNodeGroup Routing = "node-group"
)

// Config carries the communicator tunables. Values are frozen at
// construction; overrides arrive through ACTIVEMSG_-prefixed
// environment variables.
type Config struct {
	// BufferCapacity is the per-peer send-buffer flush threshold in
	// bytes (ACTIVEMSG_BUFFER_CAPACITY).
	BufferCapacity int
	// SendBudget is the high-water mark on outstanding send bytes
	// (ACTIVEMSG_SEND_BUDGET). Past it, callers run progress until
	// drained to half the budget.
	SendBudget int
	// IrecvCount is the number of receive regions kept posted
	// (ACTIVEMSG_IRECV_COUNT).
	IrecvCount int
	// IrecvSize is the size of each posted receive region in bytes
	// (ACTIVEMSG_IRECV_SIZE). No flushed buffer may exceed it.
	IrecvSize int
	// Routing is the routing mode (ACTIVEMSG_ROUTING).
	Routing Routing
	// RanksPerNode describes the job geometry for the layout
	// (ACTIVEMSG_RANKS_PER_NODE). Zero places all ranks on one node.
	RanksPerNode int
	// Welcome emits a startup banner on rank 0
	// (ACTIVEMSG_WELCOME).
	Welcome bool
	// Watchdog aborts the job if a budget drain sees no completion
	// for this long (ACTIVEMSG_WATCHDOG). Zero disables it.
	Watchdog time.Duration
}

// DefaultConfig returns the built-in tunable defaults.
func DefaultConfig() Config {
	return Config{
		BufferCapacity: 16 << 10,
		SendBudget:     16 << 20,
		IrecvCount:     8,
		IrecvSize:      1 << 20,
		Routing:        RoutingDirect,
		RanksPerNode:   0,
		Welcome:        false,
		Watchdog:       0,
	}
}

// configFromEnv reads overrides from the process environment.
// Unparseable values fall back to the default with a diagnostic on
// rank 0.
func configFromEnv(rank int) Config {
	cfg := DefaultConfig()
	cfg.BufferCapacity = envInt("ACTIVEMSG_BUFFER_CAPACITY", cfg.BufferCapacity, rank)
	cfg.SendBudget = envInt("ACTIVEMSG_SEND_BUDGET", cfg.SendBudget, rank)
	cfg.IrecvCount = envInt("ACTIVEMSG_IRECV_COUNT", cfg.IrecvCount, rank)
	cfg.IrecvSize = envInt("ACTIVEMSG_IRECV_SIZE", cfg.IrecvSize, rank)
	cfg.RanksPerNode = envInt("ACTIVEMSG_RANKS_PER_NODE", cfg.RanksPerNode, rank)
	cfg.Welcome = envBool("ACTIVEMSG_WELCOME", cfg.Welcome, rank)
	cfg.Watchdog = envDuration("ACTIVEMSG_WATCHDOG", cfg.Watchdog, rank)
	if v, ok := os.LookupEnv("ACTIVEMSG_ROUTING"); ok {
		switch Routing(v) {
		case RoutingDirect, RoutingNodeGroup:
			cfg.Routing = Routing(v)
		default:
			diag(rank, "ACTIVEMSG_ROUTING", v, string(cfg.Routing))
		}
	}
	return cfg
}

// sanitize clamps inconsistent tunables so the send path invariants
// hold: a flushed buffer always fits a posted receive region.
func (cfg Config) sanitize(rank int) Config {
	def := DefaultConfig()
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = def.BufferCapacity
	}
	if cfg.IrecvSize <= 0 {
		cfg.IrecvSize = def.IrecvSize
	}
	if cfg.BufferCapacity > cfg.IrecvSize {
		if rank == 0 {
			log.Error.Printf("activemsg: buffer capacity %d exceeds receive region size %d; clamping", cfg.BufferCapacity, cfg.IrecvSize)
		}
		cfg.BufferCapacity = cfg.IrecvSize
	}
	if cfg.SendBudget < cfg.BufferCapacity {
		cfg.SendBudget = cfg.BufferCapacity
	}
	if cfg.IrecvCount <= 0 {
		cfg.IrecvCount = def.IrecvCount
	}
	if cfg.Routing != RoutingDirect && cfg.Routing != RoutingNodeGroup {
		cfg.Routing = RoutingDirect
	}
	return cfg
}

func envInt(name string, def, rank int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		diag(rank, name, v, strconv.Itoa(def))
		return def
	}
	return n
}

func envBool(name string, def bool, rank int) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		diag(rank, name, v, strconv.FormatBool(def))
		return def
	}
	return b
}

func envDuration(name string, def time.Duration, rank int) time.Duration {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		diag(rank, name, v, def.String())
		return def
	}
	return d
}

func diag(rank int, name, got, using string) {
	if rank == 0 {
		log.Error.Printf("activemsg: bad value %q for %s; using %s", got, name, using)
	}
}
