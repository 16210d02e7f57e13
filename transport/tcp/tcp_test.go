// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tcp

import (
	"bytes"
	"net"
	"testing"

	"github.com/grailbio/activemsg/transport"
	"golang.org/x/sync/errgroup"
)

// freeAddrs reserves n distinct loopback addresses. The listeners
// are closed before returning, so a raced port is possible but
// vanishingly unlikely within one test process.
func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	lns := make([]net.Listener, n)
	for i := range addrs {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		lns[i] = ln
		addrs[i] = ln.Addr().String()
	}
	for _, ln := range lns {
		ln.Close()
	}
	return addrs
}

func dialMesh(t *testing.T, addrs []string) []*Transport {
	t.Helper()
	ts := make([]*Transport, len(addrs))
	var g errgroup.Group
	for i := range addrs {
		i := i
		g.Go(func() error {
			var err error
			ts[i], err = Dial(i, addrs)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		for _, tr := range ts {
			tr.Close()
		}
	})
	return ts
}

func TestMesh(t *testing.T) {
	ts := dialMesh(t, freeAddrs(t, 3))

	if err := ts[2].Irecv(make([]byte, 64)); err != nil {
		t.Fatal(err)
	}
	msg := []byte("over the wire")
	if err := ts[0].Isend(2, msg); err != nil {
		t.Fatal(err)
	}
	done := <-ts[0].Sent()
	if done.Err != nil {
		t.Fatal(done.Err)
	}
	if &done.Data[0] != &msg[0] {
		t.Error("completion does not return the sent slice")
	}
	r := <-ts[2].Received()
	if r.Err != nil {
		t.Fatal(r.Err)
	}
	if r.Source != 0 || !bytes.Equal(r.Buf[:r.N], msg) {
		t.Errorf("got %q from rank %d", r.Buf[:r.N], r.Source)
	}
}

func TestBlockingClasses(t *testing.T) {
	ts := dialMesh(t, freeAddrs(t, 2))

	if err := ts[0].Send(transport.Barrier, 1, []byte{7}); err != nil {
		t.Fatal(err)
	}
	if err := ts[0].Send(transport.Coll, 1, []byte{8}); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	n, err := ts[1].Recv(transport.Coll, 0, buf)
	if err != nil || n != 1 || buf[0] != 8 {
		t.Fatalf("coll recv n=%d err=%v buf=%v", n, err, buf)
	}
	n, err = ts[1].Recv(transport.Barrier, 0, buf)
	if err != nil || n != 1 || buf[0] != 7 {
		t.Fatalf("barrier recv n=%d err=%v buf=%v", n, err, buf)
	}
}

func TestOrderWithinConnection(t *testing.T) {
	ts := dialMesh(t, freeAddrs(t, 2))
	const rounds = 100
	for i := 0; i < rounds; i++ {
		if err := ts[1].Irecv(make([]byte, 4)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < rounds; i++ {
		if err := ts[0].Isend(1, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < rounds; i++ {
		r := <-ts[1].Received()
		if r.Err != nil {
			t.Fatal(r.Err)
		}
		if r.N != 1 || int(r.Buf[0]) != i {
			t.Fatalf("round %d: got %v", i, r.Buf[:r.N])
		}
		<-ts[0].Sent()
	}
}

func TestBadDest(t *testing.T) {
	ts := dialMesh(t, freeAddrs(t, 2))
	if err := ts[0].Isend(0, []byte{1}); err == nil {
		t.Error("send to self did not error")
	}
	if err := ts[0].Isend(5, []byte{1}); err == nil {
		t.Error("send out of range did not error")
	}
}
