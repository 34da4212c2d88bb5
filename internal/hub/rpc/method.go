/*
 * Copyright 2026 The Dodeca Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package rpc

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/sha3"
)

// MethodID derives the stable id a method travels under: a hash over the
// service name, method name, and both payload shapes. Changing any of the
// four is a new method; a responder built against different shapes simply
// does not know the id and answers ERROR(Unknown).
func MethodID(service, method, inShape, outShape string) uint32 {
	sum := sha3.Sum256([]byte(service + "." + method + "(" + inShape + ")->(" + outShape + ")"))
	id := binary.LittleEndian.Uint32(sum[:4])
	if id == 0 {
		id = 1 // 0 marks "no method" on control frames
	}
	return id
}

// MethodSpec names one callable method. Both sides construct the same spec;
// the id is derived, never assigned.
type MethodSpec struct {
	Service string
	Method  string
	In      string
	Out     string
	ID      uint32
}

// NewMethod builds a spec and its id.
func NewMethod(service, method, in, out string) MethodSpec {
	return MethodSpec{
		Service: service,
		Method:  method,
		In:      in,
		Out:     out,
		ID:      MethodID(service, method, in, out),
	}
}

func (m MethodSpec) String() string {
	return fmt.Sprintf("%s.%s", m.Service, m.Method)
}

// Handler serves one unary method: raw request payload in, raw response
// payload out. Typed handlers wrap this via HandleUnary.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// StreamHandler serves one streaming method: it writes DATA frames through
// the stream and returns when done; the session appends EOS.
type StreamHandler func(ctx context.Context, payload []byte, st *ServerStream) error

type methodRecord struct {
	spec   MethodSpec
	unary  Handler
	stream StreamHandler
}

// Dispatcher routes inbound REQUEST frames to handlers. It is a builder:
// the process registers its methods at startup, then the session consults
// it; there is no global registry.
type Dispatcher struct {
	mu      sync.RWMutex
	methods map[uint32]*methodRecord
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{methods: make(map[uint32]*methodRecord)}
}

// Register installs a unary handler. Registering the same id twice panics:
// that is always a build mistake, not a runtime condition.
func (d *Dispatcher) Register(spec MethodSpec, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.methods[spec.ID]; dup {
		panic(fmt.Sprintf("rpc: duplicate method %s (id %#x)", spec, spec.ID))
	}
	d.methods[spec.ID] = &methodRecord{spec: spec, unary: h}
}

// RegisterStream installs a streaming handler.
func (d *Dispatcher) RegisterStream(spec MethodSpec, h StreamHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.methods[spec.ID]; dup {
		panic(fmt.Sprintf("rpc: duplicate method %s (id %#x)", spec, spec.ID))
	}
	d.methods[spec.ID] = &methodRecord{spec: spec, stream: h}
}

func (d *Dispatcher) lookup(id uint32) (*methodRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.methods[id]
	return rec, ok
}

// HandleUnary adapts a typed function to a raw Handler using a codec.
func HandleUnary[Req any, Resp any](codec Codec, fn func(ctx context.Context, req Req) (Resp, error)) Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req Req
		if err := codec.Unmarshal(payload, &req); err != nil {
			return nil, Errorf(KindDeserialize, "request: %v", err)
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		out, err := codec.Marshal(resp)
		if err != nil {
			return nil, Errorf(KindSerialize, "response: %v", err)
		}
		return out, nil
	}
}
