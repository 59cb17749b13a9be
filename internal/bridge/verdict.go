// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"bytes"

	"github.com/Thermoquad/optobridge/pkg/vs2"
)

type verdictKind uint8

const (
	verdictForward verdictKind = iota
	verdictWithhold
	verdictEmitThenWithhold
)

// Verdict tells the bridge what to do with an intercepted chunk
type Verdict struct {
	kind verdictKind
	data []byte
}

// Forward writes data (the original chunk or a substitute) to the
// destination port
func Forward(data []byte) Verdict {
	return Verdict{kind: verdictForward, data: data}
}

// Withhold drops the chunk. The loop carries on with the next chunk.
func Withhold() Verdict {
	return Verdict{kind: verdictWithhold}
}

// EmitThenWithhold writes data to the destination port and then holds the
// chunk. The direction stalls until Resumer.Resume releases it.
func EmitThenWithhold(data []byte) Verdict {
	return Verdict{kind: verdictEmitThenWithhold, data: data}
}

// Resumer releases a chunk held by EmitThenWithhold
type Resumer interface {
	// Resume forwards chunk on dir and lets that direction continue. A nil
	// chunk releases the direction without writing anything.
	Resume(dir vs2.Direction, chunk []byte)
}

// Interceptor inspects every chunk before it is forwarded.
//
// Returning an error (or panicking) forwards the original chunk unchanged.
type Interceptor interface {
	Intercept(chunk []byte, dir vs2.Direction, r Resumer) (Verdict, error)
}

// InterceptorFunc adapts a function to Interceptor
type InterceptorFunc func(chunk []byte, dir vs2.Direction, r Resumer) (Verdict, error)

func (f InterceptorFunc) Intercept(chunk []byte, dir vs2.Direction, r Resumer) (Verdict, error) {
	return f(chunk, dir, r)
}

// InterceptError is reported to the error handler when the interceptor
// fails. The chunk was forwarded unchanged.
type InterceptError struct {
	Err error
}

func (e *InterceptError) Error() string {
	return "intercept: " + e.Err.Error()
}

func (e *InterceptError) Unwrap() error {
	return e.Err
}

// Subscriber is told about every chunk written to a port, in write order
type Subscriber interface {
	OnChunk(chunk []byte, dir vs2.Direction)
}

// SubscriberFunc adapts a function to Subscriber
type SubscriberFunc func(chunk []byte, dir vs2.Direction)

func (f SubscriberFunc) OnChunk(chunk []byte, dir vs2.Direction) {
	f(chunk, dir)
}

// Equal reports whether both verdicts do the same thing with the same bytes
func (v Verdict) Equal(o Verdict) bool {
	return v.kind == o.kind && bytes.Equal(v.data, o.data)
}
