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
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAllocClassSelection(t *testing.T) {
	hub := createTestHub(t, CreateConfig{}) // 1 KiB, 16 KiB, 256 KiB

	cases := []struct {
		size      int
		wantClass uint8
	}{
		{0, 0},
		{1, 0},
		{1024, 0},           // exactly the class size uses that class
		{1025, 1},
		{4 * 1024, 1},       // 4 KiB rides the 16 KiB class
		{16 * 1024, 1},
		{16*1024 + 1, 2},    // 16385 rides the 256 KiB class
		{256 * 1024, 2},
	}
	for _, c := range cases {
		ref, err := hub.Alloc(c.size, AllocOptions{})
		if err != nil {
			t.Fatalf("Alloc(%d) failed: %v", c.size, err)
		}
		if ref.Class() != c.wantClass {
			t.Errorf("Alloc(%d) used class %d, want %d", c.size, ref.Class(), c.wantClass)
		}
		if err := hub.FreeSlot(ref); err != nil {
			t.Fatalf("FreeSlot failed: %v", err)
		}
	}
}

func TestAllocTooLarge(t *testing.T) {
	hub := createTestHub(t, CreateConfig{})
	if _, err := hub.Alloc(256*1024+1, AllocOptions{}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("oversized alloc gave %v, want ErrPayloadTooLarge", err)
	}
}

func TestAllocZeroSize(t *testing.T) {
	hub := createTestHub(t, CreateConfig{})
	ref, err := hub.Alloc(0, AllocOptions{Owner: 3})
	if err != nil {
		t.Fatalf("zero-size alloc failed: %v", err)
	}
	if ref.Class() != 0 {
		t.Errorf("zero-size alloc used class %d", ref.Class())
	}
	m := hub.slotMeta(ref.Class(), ref.Index())
	if m.PayloadLen() != 0 {
		t.Errorf("payload_len = %d", m.PayloadLen())
	}
	if err := hub.FreeSlot(ref); err != nil {
		t.Fatalf("FreeSlot failed: %v", err)
	}
}

func TestAllocExhaustionAndEscalation(t *testing.T) {
	hub := createTestHub(t, CreateConfig{Classes: []ClassConfig{
		{SlotSize: 1024, SlotCount: 2},
		{SlotSize: 16 * 1024, SlotCount: 2},
	}})

	var refs []SlotRef
	for i := 0; i < 2; i++ {
		ref, err := hub.Alloc(100, AllocOptions{})
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}
		refs = append(refs, ref)
	}

	// Class 0 is dry; without escalation it is backpressure.
	if _, err := hub.Alloc(100, AllocOptions{}); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("dry class gave %v, want ErrBackpressure", err)
	}
	// With escalation the 16 KiB class serves it.
	ref, err := hub.Alloc(100, AllocOptions{Escalate: true})
	if err != nil {
		t.Fatalf("escalating alloc failed: %v", err)
	}
	if ref.Class() != 1 {
		t.Fatalf("escalated into class %d, want 1", ref.Class())
	}

	for _, r := range append(refs, ref) {
		if err := hub.FreeSlot(r); err != nil {
			t.Fatalf("FreeSlot failed: %v", err)
		}
	}
}

func TestAllocBlocksUntilFree(t *testing.T) {
	hub := createTestHub(t, CreateConfig{Classes: []ClassConfig{{SlotSize: 1024, SlotCount: 1}}})

	ref, err := hub.Alloc(10, AllocOptions{})
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	got := make(chan SlotRef, 1)
	errs := make(chan error, 1)
	go func() {
		r, err := hub.Alloc(10, AllocOptions{Wait: 5 * time.Second})
		if err != nil {
			errs <- err
			return
		}
		got <- r
	}()

	time.Sleep(50 * time.Millisecond)
	if err := hub.FreeSlot(ref); err != nil {
		t.Fatalf("FreeSlot failed: %v", err)
	}

	select {
	case r := <-got:
		hub.FreeSlot(r)
	case err := <-errs:
		t.Fatalf("blocked alloc failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked alloc never woke after free")
	}
}

func TestAllocWaitTimesOut(t *testing.T) {
	hub := createTestHub(t, CreateConfig{Classes: []ClassConfig{{SlotSize: 1024, SlotCount: 1}}})
	ref, err := hub.Alloc(10, AllocOptions{})
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	defer hub.FreeSlot(ref)

	start := time.Now()
	_, err = hub.Alloc(10, AllocOptions{Wait: 100 * time.Millisecond})
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("timed-out alloc gave %v, want ErrBackpressure", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("alloc gave up after %v without waiting", elapsed)
	}
}

func TestFreeSlotRejectsDoubleFree(t *testing.T) {
	hub := createTestHub(t, CreateConfig{})
	ref, err := hub.Alloc(10, AllocOptions{})
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if err := hub.FreeSlot(ref); err != nil {
		t.Fatalf("first free failed: %v", err)
	}
	if err := hub.FreeSlot(ref); !errors.Is(err, ErrStaleSlot) {
		t.Fatalf("double free gave %v, want ErrStaleSlot", err)
	}
}

func TestGenerationBumpsOnFree(t *testing.T) {
	hub := createTestHub(t, CreateConfig{})
	ref, err := hub.Alloc(10, AllocOptions{})
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	before, _ := hub.SlotGeneration(ref)
	if err := hub.FreeSlot(ref); err != nil {
		t.Fatalf("FreeSlot failed: %v", err)
	}
	after, _ := hub.SlotGeneration(ref)
	if after <= before {
		t.Fatalf("generation went %d -> %d", before, after)
	}
}

// TestFreeStackABAGuard replays the classic ABA interleaving directly
// against the tagged head: a stale pop CAS taken before an intervening
// pop/pop/push of the same index must fail even though the index matches.
func TestFreeStackABAGuard(t *testing.T) {
	hub := createTestHub(t, CreateConfig{})
	ch := hub.classHeader(0)

	// Thread A snapshots the head (tag T, index 0) and stalls.
	stale := ch.FreeHead()
	staleIdx := uint32(stale)
	staleNext := hub.slotMeta(0, staleIdx).NextFree()

	// Meanwhile index 0 is popped, index 1 popped, index 0 pushed back:
	// the head holds index 0 again, but with a different tag.
	a, _ := hub.popFree(0)
	b, _ := hub.popFree(0)
	if a != 0 || b != 1 {
		t.Fatalf("setup popped %d,%d", a, b)
	}
	hub.pushFree(0, a)

	// A's CAS with the stale snapshot must fail, or it would hand out
	// index 0's old next pointer and double-issue a slot.
	if ch.CasFreeHead(stale, (stale>>32+1)<<32|uint64(staleNext)) {
		t.Fatal("stale CAS succeeded: ABA guard broken")
	}
}

func TestAllocConcurrentSoundness(t *testing.T) {
	hub := createTestHub(t, CreateConfig{Classes: []ClassConfig{{SlotSize: 1024, SlotCount: 64}}})

	const workers = 8
	const rounds = 500

	seen := make([]map[uint32]int, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		seen[w] = make(map[uint32]int)
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			held := make([]SlotRef, 0, 4)
			for i := 0; i < rounds; i++ {
				ref, err := hub.Alloc(64, AllocOptions{Owner: uint32(w), Wait: 5 * time.Second})
				if err != nil {
					t.Errorf("worker %d alloc: %v", w, err)
					return
				}
				seen[w][ref.Index()]++
				held = append(held, ref)
				if len(held) == 4 {
					for _, r := range held {
						if err := hub.FreeSlot(r); err != nil {
							t.Errorf("worker %d free: %v", w, err)
							return
						}
					}
					held = held[:0]
				}
			}
			for _, r := range held {
				hub.FreeSlot(r)
			}
		}(w)
	}
	wg.Wait()

	// Every slot must be back, and every index within bounds.
	st := hub.AllocatorStats()[0]
	if st.Free != st.SlotCount {
		t.Fatalf("%d of %d slots free after quiescence", st.Free, st.SlotCount)
	}
	for w := range seen {
		for idx := range seen[w] {
			if idx >= 64 {
				t.Fatalf("worker %d observed out-of-range index %d", w, idx)
			}
		}
	}
}

func TestReclaimPeerSlots(t *testing.T) {
	hub := createTestHub(t, CreateConfig{})

	var mine, theirs []SlotRef
	for i := 0; i < 4; i++ {
		r1, err := hub.Alloc(100, AllocOptions{Owner: 7})
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}
		mine = append(mine, r1)
		r2, err := hub.Alloc(100, AllocOptions{Owner: 9})
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}
		theirs = append(theirs, r2)
	}
	hub.MarkInFlight(mine[0]) // reclamation must cover InFlight too

	gens := make([]uint32, len(mine))
	for i, r := range mine {
		gens[i], _ = hub.SlotGeneration(r)
	}

	if n := hub.ReclaimPeerSlots(7); n != len(mine) {
		t.Fatalf("reclaimed %d slots, want %d", n, len(mine))
	}
	for i, r := range mine {
		m := hub.slotMeta(r.Class(), r.Index())
		if m.State() != SlotFree {
			t.Errorf("slot %v state %d after reclaim", r, m.State())
		}
		if g, _ := hub.SlotGeneration(r); g <= gens[i] {
			t.Errorf("slot %v generation did not bump (%d -> %d)", r, gens[i], g)
		}
	}

	// Idempotent: a second pass finds nothing.
	if n := hub.ReclaimPeerSlots(7); n != 0 {
		t.Fatalf("second reclaim freed %d slots", n)
	}

	// Other owners untouched.
	for _, r := range theirs {
		if hub.slotMeta(r.Class(), r.Index()).State() != SlotAllocated {
			t.Errorf("reclaim touched foreign slot %v", r)
		}
		hub.FreeSlot(r)
	}
}

func TestReclaimCyclesDoNotLeak(t *testing.T) {
	hub := createTestHub(t, CreateConfig{Classes: []ClassConfig{{SlotSize: 1024, SlotCount: 8}}})
	for cycle := 0; cycle < 100; cycle++ {
		for i := 0; i < 8; i++ {
			if _, err := hub.Alloc(10, AllocOptions{Owner: 5}); err != nil {
				t.Fatalf("cycle %d alloc %d: %v", cycle, i, err)
			}
		}
		hub.ReclaimPeerSlots(5)
	}
	st := hub.AllocatorStats()[0]
	if st.Free != 8 {
		t.Fatalf("%d free after cycles, want 8", st.Free)
	}
}

func TestZeroCapacityClass(t *testing.T) {
	hub := createTestHub(t, CreateConfig{Classes: []ClassConfig{
		{SlotSize: 1024, SlotCount: 0},
		{SlotSize: 16 * 1024, SlotCount: 2},
	}})
	if _, err := hub.Alloc(10, AllocOptions{}); !errors.Is(err, ErrMisconfigured) {
		t.Fatalf("zero-capacity class gave %v, want ErrMisconfigured", err)
	}
	// Escalation skips the empty class.
	ref, err := hub.Alloc(10, AllocOptions{Escalate: true})
	if err != nil {
		t.Fatalf("escalating past empty class failed: %v", err)
	}
	if ref.Class() != 1 {
		t.Fatalf("escalated to class %d", ref.Class())
	}
}
