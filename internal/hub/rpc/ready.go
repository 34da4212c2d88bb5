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
	"sync"
	"time"
)

// MethodReady is the first call every cell makes after its session is up.
var MethodReady = NewMethod("CellLifecycle", "ready", "ReadyMsg", "ReadyAck")

// ReadyMsg announces a cell's identity to the host.
type ReadyMsg struct {
	CellName string `json:"cell_name"`
	PeerID   uint32 `json:"peer_id"`
}

// ReadyAck is the host's answer, carrying its wall clock for skew checks.
type ReadyAck struct {
	Ok             bool   `json:"ok"`
	HostTimeUnixMs uint64 `json:"host_time_unix_ms"`
}

// ReadyRegistry tracks which cells have reported ready and which have
// failed, by cell name.
type ReadyRegistry struct {
	mu      sync.Mutex
	ready   map[string]ReadyMsg
	failed  map[string]string
	waiters map[string][]chan struct{}
}

// NewReadyRegistry returns an empty registry.
func NewReadyRegistry() *ReadyRegistry {
	return &ReadyRegistry{
		ready:   make(map[string]ReadyMsg),
		failed:  make(map[string]string),
		waiters: make(map[string][]chan struct{}),
	}
}

// Attach registers the CellLifecycle.ready handler on a dispatcher.
func (r *ReadyRegistry) Attach(d *Dispatcher, codec Codec) {
	d.Register(MethodReady, HandleUnary(codec, func(_ context.Context, msg ReadyMsg) (ReadyAck, error) {
		r.MarkReady(msg)
		return ReadyAck{
			Ok:             true,
			HostTimeUnixMs: uint64(time.Now().UnixMilli()),
		}, nil
	}))
}

// MarkReady records a cell's ready message and wakes waiters.
func (r *ReadyRegistry) MarkReady(msg ReadyMsg) {
	r.mu.Lock()
	r.ready[msg.CellName] = msg
	ws := r.waiters[msg.CellName]
	delete(r.waiters, msg.CellName)
	r.mu.Unlock()
	for _, w := range ws {
		close(w)
	}
}

// IsReady reports whether a cell has reported in.
func (r *ReadyRegistry) IsReady(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ready[name]
	return ok
}

// MarkFailed records a crash reason for a cell (called from the reaper).
func (r *ReadyRegistry) MarkFailed(name, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[name] = reason
}

// FailureReason returns the recorded crash reason, if any.
func (r *ReadyRegistry) FailureReason(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason, ok := r.failed[name]
	return reason, ok
}

// WaitReady blocks until a cell reports ready or ctx ends.
func (r *ReadyRegistry) WaitReady(ctx context.Context, name string) error {
	r.mu.Lock()
	if _, ok := r.ready[name]; ok {
		r.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	r.waiters[name] = append(r.waiters[name], w)
	r.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
