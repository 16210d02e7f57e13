// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package local

import (
	"bytes"
	"testing"

	"github.com/grailbio/activemsg/transport"
)

func TestIsendDelivery(t *testing.T) {
	m := New(2)
	t0, t1 := m.Transport(0), m.Transport(1)
	if t0.Rank() != 0 || t0.Size() != 2 {
		t.Fatalf("rank/size = %d/%d", t0.Rank(), t0.Size())
	}

	if err := t1.Irecv(make([]byte, 64)); err != nil {
		t.Fatal(err)
	}
	msg := []byte("payload")
	if err := t0.Isend(1, msg); err != nil {
		t.Fatal(err)
	}

	done := <-t0.Sent()
	if done.Err != nil {
		t.Fatal(done.Err)
	}
	if &done.Data[0] != &msg[0] {
		t.Error("completion does not return the sent slice")
	}

	r := <-t1.Received()
	if r.Err != nil {
		t.Fatal(r.Err)
	}
	if r.Source != 0 || !bytes.Equal(r.Buf[:r.N], msg) {
		t.Errorf("got %q from %d", r.Buf[:r.N], r.Source)
	}
}

func TestDeliveryWaitsForPostedRegion(t *testing.T) {
	m := New(2)
	t0, t1 := m.Transport(0), m.Transport(1)
	if err := t0.Isend(1, []byte("early")); err != nil {
		t.Fatal(err)
	}
	<-t0.Sent()
	select {
	case <-t1.Received():
		t.Fatal("delivery without a posted region")
	default:
	}
	if err := t1.Irecv(make([]byte, 16)); err != nil {
		t.Fatal(err)
	}
	r := <-t1.Received()
	if string(r.Buf[:r.N]) != "early" {
		t.Errorf("got %q", r.Buf[:r.N])
	}
}

func TestRegionOverflow(t *testing.T) {
	m := New(2)
	t0, t1 := m.Transport(0), m.Transport(1)
	if err := t1.Irecv(make([]byte, 2)); err != nil {
		t.Fatal(err)
	}
	if err := t0.Isend(1, []byte("too large")); err != nil {
		t.Fatal(err)
	}
	if r := <-t1.Received(); r.Err == nil {
		t.Error("overflowing message delivered without error")
	}
}

func TestBlockingClasses(t *testing.T) {
	m := New(3)
	t0, t2 := m.Transport(0), m.Transport(2)

	if err := t0.Send(transport.Barrier, 2, []byte{1, 2}); err != nil {
		t.Fatal(err)
	}
	if err := t0.Send(transport.Coll, 2, []byte{9}); err != nil {
		t.Fatal(err)
	}
	// Classes do not interleave.
	buf := make([]byte, 8)
	n, err := t2.Recv(transport.Coll, 0, buf)
	if err != nil || n != 1 || buf[0] != 9 {
		t.Fatalf("coll recv n=%d err=%v buf=%v", n, err, buf)
	}
	n, err = t2.Recv(transport.Barrier, 0, buf)
	if err != nil || n != 2 || buf[0] != 1 {
		t.Fatalf("barrier recv n=%d err=%v buf=%v", n, err, buf)
	}
	// The user class rejects blocking calls.
	if err = t0.Send(transport.User, 2, []byte{0}); err == nil {
		t.Error("blocking send on user class did not error")
	}
}

func TestRun(t *testing.T) {
	sum := make([]int, 4)
	err := Run(4, func(tr transport.Transport) error {
		if tr.Rank() != 0 {
			return tr.Send(transport.Coll, 0, []byte{byte(tr.Rank())})
		}
		buf := make([]byte, 1)
		for src := 1; src < tr.Size(); src++ {
			if _, err := tr.Recv(transport.Coll, src, buf); err != nil {
				return err
			}
			sum[buf[0]]++
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for src := 1; src < 4; src++ {
		if sum[src] != 1 {
			t.Errorf("rank %d token seen %d times", src, sum[src])
		}
	}
}

func TestCloseUnblocks(t *testing.T) {
	m := New(2)
	t0 := m.Transport(0)
	errc := make(chan error)
	go func() {
		_, err := t0.Recv(transport.Barrier, 1, make([]byte, 1))
		errc <- err
	}()
	if err := t0.Close(); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err == nil {
		t.Error("recv on closed transport returned nil error")
	}
}
