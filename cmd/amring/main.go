// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Amring drives a counter ring over the in-process substrate: rank 0
// fires an invocation at rank 1; each receiving rank bumps a local
// counter and forwards to its successor until the hop budget runs
// out. It exists to exercise and demonstrate the communicator; a
// real job would use activemsg.Init and one process per rank.
package main

import (
	"flag"
	"sync/atomic"

	"github.com/grailbio/activemsg"
	"github.com/grailbio/activemsg/transport"
	"github.com/grailbio/activemsg/transport/local"
	"github.com/grailbio/base/must"
)

var hits int64

func bump(c *activemsg.Comm, hop int) {
	atomic.AddInt64(&hits, 1)
	if hop > 0 {
		next := (c.Rank() + 1) % c.Size()
		must.Nil(c.Async(next, bump, hop-1))
	}
}

func main() {
	ranks := flag.Int("ranks", 4, "number of in-process ranks")
	hops := flag.Int("hops", 64, "ring hops to take")
	flag.Parse()
	must.True(*ranks >= 2, "amring: need at least two ranks")

	err := local.Run(*ranks, func(t transport.Transport) error {
		c, err := activemsg.New(t)
		if err != nil {
			return err
		}
		if c.Rank0() {
			if err = c.Async(1, bump, *hops); err != nil {
				return err
			}
		}
		c.Barrier()
		total := c.AllReduceSum(int64(c.Received())).(int64)
		c.Printf0("amring: %d invocations dispatched across %d ranks", total, c.Size())
		c.StatsPrint("amring")
		return c.Close()
	})
	must.Nil(err)
}
