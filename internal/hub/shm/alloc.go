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
	"fmt"
	"time"
)

// The allocator has no lock; each class's free stack is a Treiber stack whose
// head carries a tag that increments on every push and pop, so a pop that
// lost a race to a free/re-free of the same index cannot complete (ABA).

// AllocOptions shapes one allocation.
type AllocOptions struct {
	// Owner is recorded in the slot for crash reclamation.
	Owner uint32
	// Escalate allows falling through to larger classes when the fitting
	// class is dry.
	Escalate bool
	// Wait bounds how long to block on the class futex when everything
	// eligible is dry. Zero fails immediately with ErrBackpressure.
	Wait time.Duration
}

// Alloc returns a slot whose class is the smallest with slot_size >= size.
// size 0 is valid and served from the smallest class.
func (h *Hub) Alloc(size int, opt AllocOptions) (SlotRef, error) {
	if size < 0 {
		return 0, fmt.Errorf("negative alloc size %d", size)
	}
	if uint64(size) > uint64(h.layout.MaxPayload()) {
		return 0, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, h.layout.MaxPayload())
	}
	class := -1
	for i := range h.layout.Classes {
		if uint64(h.layout.Classes[i].SlotSize) >= uint64(size) {
			class = i
			break
		}
	}
	if class < 0 {
		return 0, fmt.Errorf("%w: %d", ErrPayloadTooLarge, size)
	}
	if h.layout.Classes[class].SlotCount == 0 && !opt.Escalate {
		return 0, fmt.Errorf("%w: class %d", ErrMisconfigured, class)
	}

	if ref, ok := h.tryAlloc(class, size, opt); ok {
		return ref, nil
	}
	if opt.Wait <= 0 {
		return 0, fmt.Errorf("%w: class %d dry", ErrBackpressure, class)
	}

	// Block on the fitting class's availability word. Frees bump the word
	// and wake, so a snapshot taken before the retry cannot miss a push.
	ch := h.classHeader(uint8(class))
	deadline := time.Now().Add(opt.Wait)
	for {
		seq := ch.Available()
		if ref, ok := h.tryAlloc(class, size, opt); ok {
			return ref, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, fmt.Errorf("%w: class %d dry past deadline", ErrBackpressure, class)
		}
		ch.AddWaiter()
		err := futexWaitTimeout(ch.AvailableWord(), seq, remaining.Nanoseconds())
		ch.RemoveWaiter()
		if err == ErrFutexTimeout {
			return 0, fmt.Errorf("%w: class %d dry past deadline", ErrBackpressure, class)
		}
		if err != nil {
			return 0, err
		}
	}
}

// tryAlloc attempts a pop from the fitting class, escalating upward when
// allowed.
func (h *Hub) tryAlloc(class, size int, opt AllocOptions) (SlotRef, bool) {
	last := class
	if opt.Escalate {
		last = len(h.layout.Classes) - 1
	}
	for c := class; c <= last; c++ {
		if h.layout.Classes[c].SlotCount == 0 {
			continue
		}
		idx, ok := h.popFree(uint8(c))
		if !ok {
			continue
		}
		m := h.slotMeta(uint8(c), idx)
		m.SetOwnerPeer(opt.Owner)
		m.SetPayloadLen(uint32(size))
		m.SetState(SlotAllocated)
		return MakeSlotRef(uint8(c), idx), true
	}
	return 0, false
}

// popFree CAS-pops one index off a class's free stack.
func (h *Hub) popFree(class uint8) (uint32, bool) {
	ch := h.classHeader(class)
	for {
		old := ch.FreeHead()
		idx := uint32(old)
		if idx == nilIndex {
			return 0, false
		}
		tag := old >> 32
		next := h.slotMeta(class, idx).NextFree()
		if ch.CasFreeHead(old, (tag+1)<<32|uint64(next)) {
			return idx, true
		}
	}
}

// pushFree CAS-pushes an index onto a class's free stack and wakes one
// alloc waiter if any are parked.
func (h *Hub) pushFree(class uint8, idx uint32) {
	ch := h.classHeader(class)
	m := h.slotMeta(class, idx)
	for {
		old := ch.FreeHead()
		m.SetNextFree(uint32(old))
		tag := old >> 32
		if ch.CasFreeHead(old, (tag+1)<<32|uint64(idx)) {
			break
		}
	}
	ch.BumpAvailable()
	if ch.Waiters() > 0 {
		futexWake(ch.AvailableWord(), 1)
	}
}

// checkRef bounds-checks a ref against the class extents.
func (h *Hub) checkRef(ref SlotRef) (uint8, uint32, error) {
	class, index := ref.Class(), ref.Index()
	if int(class) >= len(h.layout.Classes) {
		return 0, 0, fmt.Errorf("%w: class %d", ErrStaleSlot, class)
	}
	if index >= h.layout.Classes[class].SlotCount {
		return 0, 0, fmt.Errorf("%w: index %d past extent", ErrStaleSlot, index)
	}
	return class, index, nil
}

// FreeSlot releases a slot back to its class. The generation bump happens
// before the push, so any descriptor still carrying the old generation is
// invalid by the time the slot can be re-issued.
func (h *Hub) FreeSlot(ref SlotRef) error {
	class, index, err := h.checkRef(ref)
	if err != nil {
		return err
	}
	m := h.slotMeta(class, index)
	for {
		s := m.State()
		if s != SlotAllocated && s != SlotInFlight {
			return fmt.Errorf("%w: state %d", ErrStaleSlot, s)
		}
		if m.CasState(s, SlotFree) {
			break
		}
	}
	m.BumpGeneration()
	h.pushFree(class, index)
	return nil
}

// SlotGeneration reads the current generation of a ref's slot.
func (h *Hub) SlotGeneration(ref SlotRef) (uint32, error) {
	class, index, err := h.checkRef(ref)
	if err != nil {
		return 0, err
	}
	return h.slotMeta(class, index).Generation(), nil
}

// MarkInFlight transitions a slot to InFlight while its descriptor sits on a
// ring. Purely advisory; reclamation accepts both states.
func (h *Hub) MarkInFlight(ref SlotRef) {
	if class, index, err := h.checkRef(ref); err == nil {
		h.slotMeta(class, index).CasState(SlotAllocated, SlotInFlight)
	}
}

// ReclaimPeerSlots force-frees every slot owned by a dead peer. It is
// idempotent: a second pass finds nothing in Allocated/InFlight. Returns the
// number of slots reclaimed.
func (h *Hub) ReclaimPeerSlots(peer uint32) int {
	reclaimed := 0
	for ci := range h.layout.Classes {
		for idx := uint32(0); idx < h.layout.Classes[ci].SlotCount; idx++ {
			m := h.slotMeta(uint8(ci), idx)
			if m.OwnerPeer() != peer {
				continue
			}
			s := m.State()
			if s != SlotAllocated && s != SlotInFlight {
				continue
			}
			if !m.CasState(s, SlotFree) {
				continue // lost to a concurrent free; that free pushed it
			}
			m.BumpGeneration()
			h.pushFree(uint8(ci), idx)
			reclaimed++
		}
	}
	if reclaimed > 0 {
		h.log.Debugf("reclaimed %d slots from peer %d", reclaimed, peer)
	}
	return reclaimed
}

// ClassStats is a point-in-time census of one size class.
type ClassStats struct {
	SlotSize  uint32
	SlotCount uint32
	Free      uint32
	Allocated uint32
	InFlight  uint32
}

// AllocatorStats walks every slot with atomic loads only; safe from signal
// context.
func (h *Hub) AllocatorStats() []ClassStats {
	stats := make([]ClassStats, len(h.layout.Classes))
	for ci := range h.layout.Classes {
		st := &stats[ci]
		st.SlotSize = h.layout.Classes[ci].SlotSize
		st.SlotCount = h.layout.Classes[ci].SlotCount
		for idx := uint32(0); idx < st.SlotCount; idx++ {
			switch h.slotMeta(uint8(ci), idx).State() {
			case SlotFree:
				st.Free++
			case SlotAllocated:
				st.Allocated++
			case SlotInFlight:
				st.InFlight++
			}
		}
	}
	return stats
}
