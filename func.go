// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package activemsg

import (
	"bytes"
	"encoding/gob"
	"reflect"
	"runtime"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/spaolacci/murmur3"
)

func init() {
	// Concrete types commonly carried inside interface-typed
	// collective values.
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register(uint64(0))
	gob.Register(float64(0))
	gob.Register("")
	gob.Register(false)
	gob.Register([]byte(nil))
}

var typeOfComm = reflect.TypeOf((*Comm)(nil))

// The process-wide lambda registry. Identifiers are derived from the
// callable's symbol name, so a given callable registers under the
// same id on every peer running the same binary, independent of
// registration order.
var (
	registryMu  sync.Mutex
	funcsByID   = make(map[uint16]*FuncValue)
	funcsByName = make(map[string]*FuncValue)
)

// A FuncValue is a registered remote-invocable callable. Callables
// are plain functions or capture-less stateless objects; their entire
// input travels in the serialized argument stream. A function may
// declare a leading *Comm parameter, which is supplied at dispatch.
type FuncValue struct {
	id       uint16
	name     string
	fn       reflect.Value
	args     []reflect.Type
	passComm bool
}

// ID returns the callable's 16-bit wire identifier.
func (f *FuncValue) ID() uint16 { return f.id }

// Name returns the callable's symbol name.
func (f *FuncValue) Name() string { return f.name }

// Func registers fn for remote invocation and returns its registry
// entry. Registration is idempotent. fn must be a plain function, or
// a value of a zero-field type with a Call method; either form may
// take a leading *Comm parameter, must not return values, and its
// remaining parameter types must be concrete and gob-serializable.
// Closures are accepted but their captured state never travels;
// any per-invocation state must be passed as explicit arguments.
//
// Register callables as package-level variables (var fn = Func(...))
// so that every peer's registry is complete before its first
// dispatch; a peer that receives an identifier it has not registered
// aborts.
//
// Two distinct callables whose symbol names collide under the 16-bit
// id mapping abort the process with a diagnostic naming both.
func Func(fn interface{}) *FuncValue {
	v := reflect.ValueOf(fn)
	var name string
	switch {
	case v.Kind() == reflect.Func:
		name = runtime.FuncForPC(v.Pointer()).Name()
	default:
		// A stateless object. The zero-field requirement is what
		// makes its remote identity sound: there is no state to
		// reconstruct.
		m := v.MethodByName("Call")
		if !m.IsValid() {
			log.Panicf("activemsg.Func: %T is neither a func nor a type with a Call method", fn)
		}
		t := v.Type()
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		if t.Kind() != reflect.Struct || t.NumField() != 0 {
			log.Panicf("activemsg.Func: %T carries state; remote invocation cannot reconstruct it", fn)
		}
		name = t.PkgPath() + "." + t.Name() + ".Call"
		v = m
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if f, ok := funcsByName[name]; ok {
		return f
	}
	f := &FuncValue{
		id:   uint16(murmur3.Sum32([]byte(name))),
		name: name,
		fn:   v,
	}
	if prev, ok := funcsByID[f.id]; ok {
		log.Fatalf("activemsg.Func: id %#04x assigned to both %s and %s; rename one", f.id, prev.name, name)
	}

	ft := v.Type()
	if ft.NumOut() != 0 {
		log.Panicf("activemsg.Func: %s returns values; remote invocations are fire-and-forget", name)
	}
	if ft.IsVariadic() {
		log.Panicf("activemsg.Func: %s is variadic; pass a slice instead", name)
	}
	i := 0
	if ft.NumIn() > 0 && ft.In(0) == typeOfComm {
		f.passComm = true
		i = 1
	}
	for ; i < ft.NumIn(); i++ {
		t := ft.In(i)
		switch t.Kind() {
		case reflect.Interface, reflect.Chan, reflect.Func, reflect.UnsafePointer:
			log.Panicf("activemsg.Func: %s: parameter %d has non-serializable type %s", name, i, t)
		}
		f.args = append(f.args, t)
		gob.Register(reflect.Zero(t).Interface())
	}

	funcsByID[f.id] = f
	funcsByName[name] = f
	return f
}

// funcFor resolves fn to its registry entry, registering bare
// callables on first use.
func funcFor(fn interface{}) *FuncValue {
	if f, ok := fn.(*FuncValue); ok {
		return f
	}
	return Func(fn)
}

// funcByID returns the registry entry for a wire identifier, or nil.
func funcByID(id uint16) *FuncValue {
	registryMu.Lock()
	f := funcsByID[id]
	registryMu.Unlock()
	return f
}

// encodeArgs serializes args against f's parameter types. Arity or
// type mismatches are programmer errors and panic; serialization
// failures in user types are returned to the caller.
func (f *FuncValue) encodeArgs(args []interface{}) ([]byte, error) {
	if len(args) != len(f.args) {
		log.Panicf("activemsg: %s takes %d arguments, got %d", f.name, len(f.args), len(args))
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	for i, arg := range args {
		v := reflect.ValueOf(arg)
		if !v.IsValid() || v.Type() != f.args[i] {
			log.Panicf("activemsg: %s: wrong type for argument %d: expected %s, got %T", f.name, i, f.args[i], arg)
		}
		if err := enc.EncodeValue(v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// invoke deserializes argBytes and calls the function, supplying c
// when the callable declares a leading *Comm.
func (f *FuncValue) invoke(c *Comm, argBytes []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(argBytes))
	in := make([]reflect.Value, 0, len(f.args)+1)
	if f.passComm {
		in = append(in, reflect.ValueOf(c))
	}
	for _, t := range f.args {
		pv := reflect.New(t)
		if err := dec.DecodeValue(pv); err != nil {
			return err
		}
		in = append(in, pv.Elem())
	}
	f.fn.Call(in)
	return nil
}
