// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"testing"

	fuzz "github.com/google/gofuzz"
)

type inv struct {
	dest int
	id   uint16
	args []byte
}

func roundtrip(t *testing.T, invs []inv) {
	t.Helper()
	b := NewBuffer(64)
	for _, iv := range invs {
		b.AppendInvocation(iv.dest, iv.id, iv.args)
	}
	var got []inv
	r := NewReader(b.Bytes())
	for r.More() {
		seg, err := r.Next()
		if err != nil {
			t.Fatal(err)
		}
		for seg.More() {
			id, args, err := seg.Next()
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, inv{dest: seg.Dest, id: id, args: append([]byte{}, args...)})
		}
	}
	if len(got) != len(invs) {
		t.Fatalf("got %d invocations, want %d", len(got), len(invs))
	}
	for i := range invs {
		if got[i].dest != invs[i].dest || got[i].id != invs[i].id || !bytes.Equal(got[i].args, invs[i].args) {
			t.Errorf("invocation %d: got %+v, want %+v", i, got[i], invs[i])
		}
	}
}

func TestRoundtrip(t *testing.T) {
	roundtrip(t, []inv{
		{dest: 3, id: 0x1234, args: []byte("hello")},
		{dest: 3, id: 0x5678, args: nil},
		{dest: 1, id: 0x1234, args: []byte("x")},
		{dest: 3, id: 0x0001, args: bytes.Repeat([]byte{0xab}, 1000)},
	})
}

func TestCoalesce(t *testing.T) {
	b := NewBuffer(64)
	b.AppendInvocation(7, 1, []byte("aa"))
	b.AppendInvocation(7, 2, []byte("bb"))
	b.AppendInvocation(5, 3, []byte("cc"))
	b.AppendInvocation(7, 4, []byte("dd"))
	var headers int
	r := NewReader(b.Bytes())
	for r.More() {
		if _, err := r.Next(); err != nil {
			t.Fatal(err)
		}
		headers++
	}
	// Runs: 7,7 | 5 | 7.
	if headers != 3 {
		t.Errorf("got %d headers, want 3", headers)
	}
}

func TestFuzzRoundtrip(t *testing.T) {
	f := fuzz.New().NilChance(0.1).NumElements(0, 200)
	for i := 0; i < 100; i++ {
		var invs []inv
		n := i % 17
		for j := 0; j < n; j++ {
			var iv inv
			f.Fuzz(&iv.id)
			f.Fuzz(&iv.args)
			iv.dest = (i*j + j) % 5
			invs = append(invs, iv)
		}
		roundtrip(t, invs)
	}
}

func TestDetachAttach(t *testing.T) {
	b := NewBuffer(16)
	b.AppendInvocation(1, 9, []byte("zz"))
	data := b.Detach()
	if b.Attached() {
		t.Fatal("buffer still attached after detach")
	}
	b.Attach(make([]byte, 0, 16))
	if b.Len() != 0 {
		t.Fatalf("fresh buffer has %d bytes", b.Len())
	}
	// The detached bytes remain a valid region.
	b.AppendInvocation(1, 9, []byte("zz"))
	if !bytes.Equal(data, b.Bytes()) {
		t.Error("detached bytes differ from equivalent append")
	}
	// Appending after a raw segment never coalesces into it.
	b2 := NewBuffer(16)
	b2.AppendSegment(data)
	b2.AppendInvocation(1, 9, []byte("zz"))
	r := NewReader(b2.Bytes())
	var headers int
	for r.More() {
		if _, err := r.Next(); err != nil {
			t.Fatal(err)
		}
		headers++
	}
	if headers != 2 {
		t.Errorf("got %d headers, want 2", headers)
	}
}

func TestCorrupt(t *testing.T) {
	b := NewBuffer(16)
	b.AppendInvocation(2, 7, []byte("abcdef"))
	data := b.Bytes()

	// Truncated region.
	r := NewReader(data[:len(data)-2])
	if _, err := r.Next(); err == nil {
		t.Error("truncated region did not error")
	}
	// Header claiming a body beyond the region.
	bad := append([]byte{}, data...)
	bad[4] = 0xff
	r = NewReader(bad)
	if _, err := r.Next(); err == nil {
		t.Error("oversized body length did not error")
	}
	// Argument length beyond the body.
	bad = append([]byte{}, data...)
	bad[HeaderSize+2] = 0xff
	r = NewReader(bad)
	seg, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err = seg.Next(); err == nil {
		t.Error("oversized argument length did not error")
	}
}
