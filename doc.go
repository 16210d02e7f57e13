// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package activemsg implements the asynchronous active-message core
	of a distributed runtime for bulk-synchronous data-parallel
	programs over a fixed set of peer processes. Clients fire
	invocations at peers with Async; a registered callable plus its
	serialized arguments travels to the destination rank and runs
	there, and may itself fire further invocations. Barrier returns
	only at global quiescence: when every invocation — including those
	spawned transitively by dispatched ones — has been processed.

	Invocations bound for the same next hop accumulate in per-peer
	send buffers and are transmitted in batches; a routing layer
	optionally stages off-node messages through an on-node
	intermediary so that each process directly messages a bounded
	number of peers. Progress is cooperative: arrived messages are
	dispatched whenever the owning goroutine is inside a core call,
	and never in parallel with client code.

	Because Go cannot serialize code, remote-invocable callables must
	be addressable by an identity that is the same in every peer
	process:

	1. Callables are plain functions or capture-less stateless
	objects. Closures are accepted, but their captured state never
	travels; all per-invocation state must be explicit arguments.

	2. Every peer must run the same binary, so that the callable's
	symbol name, from which its wire identifier derives, agrees
	across the peer set.

	3. Callables must be registered with Func before messages can
	arrive: if Funcs are package-level variables, every peer's
	registry is complete before its first dispatch. Async registers
	bare callables on first use, which suffices only when all ranks
	share one process; receiving an unregistered identifier is fatal.

	A communicator adopts any substrate implementing
	transport.Transport; transport/local bridges ranks within one
	process and transport/tcp provides a full TCP mesh. A single peer
	failure aborts the job: there is no fault tolerance, no
	request/reply, and no ordering guarantee between distinct Async
	calls.
*/
package activemsg
