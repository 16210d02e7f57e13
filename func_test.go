// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package activemsg

import (
	"strings"
	"testing"
)

var (
	gotA int
	gotB string
)

func regTarget(a int, b string) {
	gotA, gotB = a, b
}

func regCommTarget(c *Comm, a int) {
	gotA = a + c.Rank()
}

type statelessAdd struct{}

func (statelessAdd) Call(a, b int) { gotA = a + b }

type statefulAdd struct{ bias int }

func (s statefulAdd) Call(a int) { gotA = a + s.bias }

func TestFuncIdentity(t *testing.T) {
	f1 := Func(regTarget)
	f2 := Func(regTarget)
	if f1 != f2 {
		t.Fatal("re-registration minted a new entry")
	}
	if f1.ID() != f2.ID() {
		t.Fatal("ids differ across registrations")
	}
	if !strings.HasSuffix(f1.Name(), "regTarget") {
		t.Errorf("unexpected symbol name %q", f1.Name())
	}
	if funcByID(f1.ID()) != f1 {
		t.Error("id lookup misses the entry")
	}
}

func TestFuncRoundtrip(t *testing.T) {
	f := Func(regTarget)
	args, err := f.encodeArgs([]interface{}{42, "hi"})
	if err != nil {
		t.Fatal(err)
	}
	gotA, gotB = 0, ""
	if err := f.invoke(nil, args); err != nil {
		t.Fatal(err)
	}
	if gotA != 42 || gotB != "hi" {
		t.Errorf("invoked with (%d, %q), want (42, %q)", gotA, gotB, "hi")
	}
}

func TestFuncCommInjection(t *testing.T) {
	f := Func(regCommTarget)
	if len(f.args) != 1 {
		t.Fatalf("comm parameter counted as argument: %d args", len(f.args))
	}
	args, err := f.encodeArgs([]interface{}{7})
	if err != nil {
		t.Fatal(err)
	}
	c := &Comm{rank: 3}
	gotA = 0
	if err := f.invoke(c, args); err != nil {
		t.Fatal(err)
	}
	if gotA != 10 {
		t.Errorf("got %d, want 10", gotA)
	}
}

func TestStatelessObject(t *testing.T) {
	f := Func(statelessAdd{})
	args, err := f.encodeArgs([]interface{}{2, 3})
	if err != nil {
		t.Fatal(err)
	}
	gotA = 0
	if err := f.invoke(nil, args); err != nil {
		t.Fatal(err)
	}
	if gotA != 5 {
		t.Errorf("got %d, want 5", gotA)
	}
}

func TestStatefulObjectRejected(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("stateful object registered without panic")
		}
	}()
	Func(statefulAdd{bias: 1})
}

func TestArityMismatchPanics(t *testing.T) {
	f := Func(regTarget)
	defer func() {
		if recover() == nil {
			t.Error("arity mismatch did not panic")
		}
	}()
	f.encodeArgs([]interface{}{1})
}

func TestTypeMismatchPanics(t *testing.T) {
	f := Func(regTarget)
	defer func() {
		if recover() == nil {
			t.Error("type mismatch did not panic")
		}
	}()
	f.encodeArgs([]interface{}{1, 2})
}
