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

package shm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

func loadUint32(addr *uint32) uint32 { return atomic.LoadUint32(addr) }
func bumpUint32(addr *uint32) uint32 { return atomic.AddUint32(addr, 1) }

// fullWaitSlice bounds each futex wait so a blocked producer notices
// context cancellation.
const fullWaitSlice = 50 * time.Millisecond

// DescRing is a single-producer/single-consumer ring of 64-byte descriptors.
// Across processes the SPSC property is structural: the host produces into a
// peer's recv ring and consumes its send ring, and vice versa. In-process,
// a mutex serializes tasks racing to enqueue; the consumer side needs none.
type DescRing struct {
	hub         *Hub
	off         uint64 // ring header offset in the hub file
	fullWordOff uint64 // offset of the peer-entry futex word for the full path
	capMask     uint64
	capacity    uint64

	mu sync.Mutex // producer-local; preserves SPSC inside one process
}

// NewDescRing binds a ring at off, blocking producers on the peer-entry
// futex word at fullWordOff when the ring is full.
func NewDescRing(hub *Hub, off, fullWordOff uint64) *DescRing {
	hdr := (*DescRingHeader)(hub.ptr(off))
	capacity := uint64(hdr.Capacity())
	return &DescRing{
		hub:         hub,
		off:         off,
		fullWordOff: fullWordOff,
		capMask:     capacity - 1,
		capacity:    capacity,
	}
}

func (r *DescRing) header() *DescRingHeader {
	return (*DescRingHeader)(r.hub.ptr(r.off))
}

func (r *DescRing) fullWord() *uint32 {
	return (*uint32)(r.hub.ptr(r.fullWordOff))
}

func (r *DescRing) descAt(seq uint64) *[DescSize]byte {
	off := r.off + RingHeaderSize + (seq&r.capMask)*DescSize
	return (*[DescSize]byte)(unsafe.Pointer(r.hub.ptr(off)))
}

// Capacity returns the ring capacity in descriptors.
func (r *DescRing) Capacity() uint64 { return r.capacity }

// Len returns the number of published, unconsumed descriptors.
func (r *DescRing) Len() uint64 { return r.header().Len() }

// Enqueue publishes one descriptor, blocking while the ring is full. Only
// the ring's producer may call it; the internal mutex covers in-process
// races between tasks on the producing side. The caller signals the
// doorbell after Enqueue returns.
func (r *DescRing) Enqueue(ctx context.Context, d *MsgDesc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	hdr := r.header()
	word := r.fullWord()
	for {
		tail := hdr.Tail()
		head := hdr.VisibleHead()
		if head-tail < r.capacity {
			EncodeDesc(d, r.descAt(head))
			// The descriptor bytes are fully written before this store;
			// the consumer's Acquire load pairs with it.
			hdr.SetVisibleHead(head + 1)
			return nil
		}

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: ring full", ErrBackpressure)
		}
		seq := loadUint32(word)
		if hdr.VisibleHead()-hdr.Tail() < r.capacity {
			continue // consumer advanced between the check and the snapshot
		}
		wait := fullWaitSlice
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return fmt.Errorf("%w: ring full past deadline", ErrBackpressure)
			}
			if remaining < wait {
				wait = remaining
			}
		}
		if err := futexWaitTimeout(word, seq, wait.Nanoseconds()); err != nil && err != ErrFutexTimeout {
			return err
		}
	}
}

// TryEnqueue publishes one descriptor without blocking. Returns false when
// the ring is full.
func (r *DescRing) TryEnqueue(d *MsgDesc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	hdr := r.header()
	tail := hdr.Tail()
	head := hdr.VisibleHead()
	if head-tail == r.capacity {
		return false
	}
	EncodeDesc(d, r.descAt(head))
	hdr.SetVisibleHead(head + 1)
	return true
}

// Dequeue consumes one descriptor if any is published. Only the ring's
// consumer may call it. Consumers loop until the ring is empty before
// re-awaiting the doorbell.
func (r *DescRing) Dequeue() (MsgDesc, bool) {
	hdr := r.header()
	head := hdr.VisibleHead()
	tail := hdr.Tail()
	if tail == head {
		return MsgDesc{}, false
	}
	d := DecodeDesc(r.descAt(tail))
	wasFull := head-tail == r.capacity
	hdr.SetTail(tail + 1)
	if wasFull {
		// A producer may be parked on the full word; bump and wake.
		bumpUint32(r.fullWord())
		futexWake(r.fullWord(), 1)
	}
	return d, true
}

// Drain consumes and discards everything currently published, returning the
// descriptors so the caller can release referenced slots. Used by the host
// reaper on a dead peer's ring.
func (r *DescRing) Drain() []MsgDesc {
	var out []MsgDesc
	for {
		d, ok := r.Dequeue()
		if !ok {
			return out
		}
		out = append(out, d)
	}
}

// RingState is a point-in-time snapshot for diagnostics, taken with atomic
// loads only.
type RingState struct {
	Capacity    uint64
	VisibleHead uint64
	Tail        uint64
	Len         uint64
}

// State snapshots the ring.
func (r *DescRing) State() RingState {
	hdr := r.header()
	head := hdr.VisibleHead()
	tail := hdr.Tail()
	return RingState{
		Capacity:    r.capacity,
		VisibleHead: head,
		Tail:        tail,
		Len:         head - tail,
	}
}

func (s RingState) String() string {
	return fmt.Sprintf("head=%d tail=%d len=%d/%d", s.VisibleHead, s.Tail, s.Len, s.Capacity)
}
