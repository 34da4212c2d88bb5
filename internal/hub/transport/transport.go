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

// Package transport turns the hub's descriptor rings and payload slots into
// a bidirectional stream of opaque frames between the host and one cell.
//
// A frame is one descriptor plus the slot payload it references. Sending
// allocates a slot sized to the payload, copies in, publishes a descriptor,
// and rings the doorbell; receiving drains the ring before every doorbell
// wait and copies payloads out before freeing their slots. Descriptors whose
// captured slot generation no longer matches are dropped silently — that is
// the crash-recovery path, not an error.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/bearcove/dodeca/internal/hub/shm"
	"github.com/bearcove/dodeca/internal/hublog"
)

// HostOwner is the allocation owner id the host records in slots it fills.
// It is outside the peer id space, so crash reclamation never touches host
// allocations.
const HostOwner = ^uint32(0)

// Frame is the logical unit above the ring descriptor and below the RPC
// session.
type Frame struct {
	ChannelID     uint32
	Flags         uint32
	MethodID      uint32
	CorrelationID uint64
	Payload       []byte
}

// HasFlag reports whether every bit of f is set on the frame.
func (f *Frame) HasFlag(flag uint32) bool { return f.Flags&flag == flag }

// Options tune one transport endpoint.
type Options struct {
	// Escalate lets allocations fall through to larger size classes when
	// the fitting class is dry.
	Escalate bool
	// AllocWait bounds how long a send blocks for a free slot before
	// surfacing backpressure.
	AllocWait time.Duration
}

// DefaultOptions matches the hub's shipped configuration.
func DefaultOptions() Options {
	return Options{Escalate: true, AllocWait: 5 * time.Second}
}

// Transport is one side of a peer's frame pipe. Each process constructs its
// own: the host produces into the peer's recv ring and consumes its send
// ring; the cell does the opposite. SendFrame is safe for concurrent use;
// RecvFrame must stay on a single consumer goroutine.
type Transport struct {
	hub   *shm.Hub
	owner uint32 // recorded on slot allocations
	peer  uint32
	tx    *shm.DescRing
	rx    *shm.DescRing
	bell  *shm.Doorbell
	opts  Options
	log   *hublog.Logger

	isCell bool
}

// NewHostTransport binds the host side of peer's rings.
func NewHostTransport(hub *shm.Hub, peer uint32, bell *shm.Doorbell, opts Options) (*Transport, error) {
	tx, err := hub.RecvRing(peer)
	if err != nil {
		return nil, err
	}
	rx, err := hub.SendRing(peer)
	if err != nil {
		return nil, err
	}
	return &Transport{
		hub:   hub,
		owner: HostOwner,
		peer:  peer,
		tx:    tx,
		rx:    rx,
		bell:  bell,
		opts:  opts,
		log:   hublog.New("transport").With("peer", peer),
	}, nil
}

// NewCellTransport binds the cell side of an attached cell's rings.
func NewCellTransport(cell *shm.Cell, opts Options) (*Transport, error) {
	tx, err := cell.Hub.SendRing(cell.PeerID)
	if err != nil {
		return nil, err
	}
	rx, err := cell.Hub.RecvRing(cell.PeerID)
	if err != nil {
		return nil, err
	}
	return &Transport{
		hub:    cell.Hub,
		owner:  cell.PeerID,
		peer:   cell.PeerID,
		tx:     tx,
		rx:     rx,
		bell:   cell.Bell,
		opts:   opts,
		isCell: true,
		log:    hublog.New("transport").With("peer", cell.PeerID),
	}, nil
}

// Hub returns the transport's hub.
func (t *Transport) Hub() *shm.Hub { return t.hub }

// Peer returns the peer id this transport is bound to.
func (t *Transport) Peer() uint32 { return t.peer }

// Tx and Rx expose the rings for diagnostics.
func (t *Transport) Tx() *shm.DescRing { return t.tx }
func (t *Transport) Rx() *shm.DescRing { return t.rx }

// Bell exposes the doorbell for diagnostics.
func (t *Transport) Bell() *shm.Doorbell { return t.bell }

// MaxPayload returns the largest payload one frame can carry.
func (t *Transport) MaxPayload() int {
	return int(t.hub.Layout().MaxPayload())
}

// SendFrame allocates a slot for the payload, publishes a descriptor, and
// rings the doorbell. Publish happens before signal; that ordering is what
// guarantees the waiter on the other side wakes.
func (t *Transport) SendFrame(ctx context.Context, f *Frame) error {
	if len(f.Payload) > t.MaxPayload() {
		return fmt.Errorf("%w: frame payload %d", shm.ErrPayloadTooLarge, len(f.Payload))
	}
	if !t.hub.PeerAlive(t.peer) {
		return shm.ErrPeerDead
	}

	ref, err := t.hub.Alloc(len(f.Payload), shm.AllocOptions{
		Owner:    t.owner,
		Escalate: t.opts.Escalate,
		Wait:     t.allocWait(ctx),
	})
	if err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		buf, err := t.hub.SlotPayload(ref)
		if err != nil {
			t.hub.FreeSlot(ref)
			return err
		}
		copy(buf, f.Payload)
	}
	gen, err := t.hub.SlotGeneration(ref)
	if err != nil {
		t.hub.FreeSlot(ref)
		return err
	}
	t.hub.MarkInFlight(ref)

	d := shm.MsgDesc{
		ChannelID:      f.ChannelID,
		Flags:          f.Flags,
		PayloadSlotRef: ref,
		PayloadLen:     uint32(len(f.Payload)),
		CorrelationID:  f.CorrelationID,
		SlotGeneration: gen,
		MethodID:       f.MethodID,
	}
	if err := t.tx.Enqueue(ctx, &d); err != nil {
		t.hub.FreeSlot(ref)
		return err
	}
	if t.isCell {
		t.hub.TouchPeer(t.peer)
	}
	return t.bell.Signal()
}

func (t *Transport) allocWait(ctx context.Context) time.Duration {
	wait := t.opts.AllocWait
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
	}
	return wait
}

// RecvFrame returns the next frame, blocking on the doorbell when the ring
// is empty. The ring is always re-checked before a wait and drained after a
// wake, which closes the signalled-before-registered race.
func (t *Transport) RecvFrame(ctx context.Context) (*Frame, error) {
	for {
		for {
			d, ok := t.rx.Dequeue()
			if !ok {
				break
			}
			if f, ok := t.frameFromDesc(&d); ok {
				if t.isCell {
					t.hub.TouchPeer(t.peer)
				}
				return f, nil
			}
		}
		if err := t.bell.Wait(ctx); err != nil {
			return nil, err
		}
		t.bell.Drain()
	}
}

// frameFromDesc copies a descriptor's payload out of shared memory and frees
// the slot. Stale generations mean the owner died and the slot was
// reclaimed; such descriptors are dropped.
func (t *Transport) frameFromDesc(d *shm.MsgDesc) (*Frame, bool) {
	gen, err := t.hub.SlotGeneration(d.PayloadSlotRef)
	if err != nil || gen != d.SlotGeneration {
		t.log.Debugf("dropping stale descriptor on channel %d (%v)", d.ChannelID, err)
		return nil, false
	}
	var payload []byte
	if d.PayloadLen > 0 {
		buf, err := t.hub.SlotPayload(d.PayloadSlotRef)
		if err != nil || int(d.PayloadLen) > len(buf) {
			t.log.Debugf("dropping descriptor with bad payload bounds on channel %d", d.ChannelID)
			return nil, false
		}
		payload = make([]byte, d.PayloadLen)
		copy(payload, buf[:d.PayloadLen])
	}
	if err := t.hub.FreeSlot(d.PayloadSlotRef); err != nil {
		// The slot was reclaimed between the generation check and here;
		// whatever we copied belongs to a dead peer. Drop it.
		t.log.Debugf("dropping descriptor raced by reclamation on channel %d", d.ChannelID)
		return nil, false
	}
	return &Frame{
		ChannelID:     d.ChannelID,
		Flags:         d.Flags,
		MethodID:      d.MethodID,
		CorrelationID: d.CorrelationID,
		Payload:       payload,
	}, true
}
