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

package transport

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bearcove/dodeca/internal/hub/shm"
)

// testPair wires the host and cell side of one peer's transport, with the
// cell running on its own mapping of the hub file, exactly as two processes
// would see it.
type testPair struct {
	hostHub *shm.Hub
	cellHub *shm.Hub
	host    *Transport
	cell    *Transport
	peerID  uint32
}

func newTestPair(t *testing.T, cfg shm.CreateConfig) *testPair {
	t.Helper()
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = 2
	}
	if cfg.RingCapacity == 0 {
		cfg.RingCapacity = 16
	}
	if cfg.Classes == nil {
		cfg.Classes = []shm.ClassConfig{
			{SlotSize: 1024, SlotCount: 64},
			{SlotSize: 16 * 1024, SlotCount: 16},
			{SlotSize: 256 * 1024, SlotCount: 4},
		}
	}
	path := filepath.Join(t.TempDir(), "test.hub")
	hostHub, err := shm.CreateHub(path, cfg)
	if err != nil {
		t.Fatalf("CreateHub failed: %v", err)
	}
	t.Cleanup(func() { hostHub.Close() })

	id, err := hostHub.ClaimPeer()
	if err != nil {
		t.Fatalf("ClaimPeer failed: %v", err)
	}
	hostBell, cellBell, err := shm.NewLoopbackDoorbells()
	if err != nil {
		t.Fatalf("NewLoopbackDoorbells failed: %v", err)
	}
	t.Cleanup(func() {
		hostBell.Close()
		cellBell.Close()
	})

	cellHub, err := shm.OpenHub(path)
	if err != nil {
		t.Fatalf("OpenHub failed: %v", err)
	}
	t.Cleanup(func() { cellHub.Close() })
	if err := cellHub.RegisterPeer(id); err != nil {
		t.Fatalf("RegisterPeer failed: %v", err)
	}

	opts := Options{Escalate: true, AllocWait: 2 * time.Second}
	host, err := NewHostTransport(hostHub, id, hostBell, opts)
	if err != nil {
		t.Fatalf("NewHostTransport failed: %v", err)
	}
	cellAttach := shm.NewInProcessCell(cellHub, id, cellBell)
	cell, err := NewCellTransport(cellAttach, opts)
	if err != nil {
		t.Fatalf("NewCellTransport failed: %v", err)
	}
	return &testPair{hostHub: hostHub, cellHub: cellHub, host: host, cell: cell, peerID: id}
}

func (p *testPair) freeSlots(t *testing.T) uint32 {
	t.Helper()
	total := uint32(0)
	for _, st := range p.hostHub.AllocatorStats() {
		total += st.Free
	}
	return total
}

func TestTransportRoundTrip(t *testing.T) {
	p := newTestPair(t, shm.CreateConfig{})
	ctx := context.Background()

	sizes := []int{0, 1, 100, 1024, 1025, 16 * 1024, 256 * 1024}
	for _, size := range sizes {
		payload := bytes.Repeat([]byte{0xA5}, size)
		out := &Frame{
			ChannelID:     7,
			Flags:         shm.FlagData,
			CorrelationID: 99,
			Payload:       payload,
		}
		if err := p.host.SendFrame(ctx, out); err != nil {
			t.Fatalf("SendFrame(%d bytes) failed: %v", size, err)
		}
		in, err := p.cell.RecvFrame(ctx)
		if err != nil {
			t.Fatalf("RecvFrame(%d bytes) failed: %v", size, err)
		}
		if in.ChannelID != 7 || in.CorrelationID != 99 {
			t.Fatalf("frame metadata mangled: %+v", in)
		}
		if len(in.Payload) != size || !bytes.Equal(in.Payload, payload) {
			t.Fatalf("payload mangled at size %d (got %d bytes)", size, len(in.Payload))
		}
	}

	// Every slot must be back after the exchange.
	want := uint32(0)
	for _, st := range p.hostHub.AllocatorStats() {
		want += st.SlotCount
	}
	if got := p.freeSlots(t); got != want {
		t.Fatalf("%d of %d slots free after round trips", got, want)
	}
}

func TestTransportBothDirections(t *testing.T) {
	p := newTestPair(t, shm.CreateConfig{})
	ctx := context.Background()

	if err := p.cell.SendFrame(ctx, &Frame{ChannelID: 2, Payload: []byte("from cell")}); err != nil {
		t.Fatalf("cell SendFrame failed: %v", err)
	}
	f, err := p.host.RecvFrame(ctx)
	if err != nil {
		t.Fatalf("host RecvFrame failed: %v", err)
	}
	if string(f.Payload) != "from cell" {
		t.Fatalf("host received %q", f.Payload)
	}
}

func TestTransportPayloadTooLarge(t *testing.T) {
	p := newTestPair(t, shm.CreateConfig{})
	err := p.host.SendFrame(context.Background(), &Frame{
		Payload: make([]byte, 256*1024+1),
	})
	if !errors.Is(err, shm.ErrPayloadTooLarge) {
		t.Fatalf("oversized frame gave %v", err)
	}
}

func TestTransportStaleDescriptorDropped(t *testing.T) {
	p := newTestPair(t, shm.CreateConfig{})
	ctx := context.Background()

	// The cell posts a frame, then dies before the host reads it.
	if err := p.cell.SendFrame(ctx, &Frame{ChannelID: 5, Payload: []byte("doomed")}); err != nil {
		t.Fatalf("SendFrame failed: %v", err)
	}
	p.hostHub.ReclaimPeerSlots(p.peerID)

	// The descriptor is still on the ring but its generation is stale;
	// recv must drop it and keep waiting, not crash or return garbage.
	rctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if _, err := p.host.RecvFrame(rctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("RecvFrame gave %v, want deadline (stale descriptor dropped)", err)
	}

	// And the slot is genuinely back in the pool.
	want := uint32(0)
	for _, st := range p.hostHub.AllocatorStats() {
		want += st.SlotCount
	}
	if got := p.freeSlots(t); got != want {
		t.Fatalf("%d of %d slots free after reclaim", got, want)
	}
}

func TestTransportSendToDeadPeer(t *testing.T) {
	p := newTestPair(t, shm.CreateConfig{})
	p.hostHub.MarkPeerDead(p.peerID)
	err := p.host.SendFrame(context.Background(), &Frame{Payload: []byte("x")})
	if !errors.Is(err, shm.ErrPeerDead) {
		t.Fatalf("send to dead peer gave %v", err)
	}
}

func TestTransportRingBackpressure(t *testing.T) {
	p := newTestPair(t, shm.CreateConfig{RingCapacity: 4})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := p.host.SendFrame(ctx, &Frame{ChannelID: uint32(i)}); err != nil {
			t.Fatalf("SendFrame %d failed: %v", i, err)
		}
	}
	tctx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	if err := p.host.SendFrame(tctx, &Frame{ChannelID: 4}); !errors.Is(err, shm.ErrBackpressure) {
		t.Fatalf("full ring send gave %v, want ErrBackpressure", err)
	}

	// After the cell drains one, the send goes through.
	if _, err := p.cell.RecvFrame(ctx); err != nil {
		t.Fatalf("RecvFrame failed: %v", err)
	}
	if err := p.host.SendFrame(ctx, &Frame{ChannelID: 4}); err != nil {
		t.Fatalf("send after drain failed: %v", err)
	}
}

func TestTransportManyFramesInterleaved(t *testing.T) {
	p := newTestPair(t, shm.CreateConfig{RingCapacity: 8})
	const total = 500

	errs := make(chan error, 1)
	go func() {
		ctx := context.Background()
		for i := 0; i < total; i++ {
			payload := bytes.Repeat([]byte{byte(i)}, (i%700)+1)
			if err := p.host.SendFrame(ctx, &Frame{ChannelID: uint32(i), Payload: payload}); err != nil {
				errs <- err
				return
			}
		}
		errs <- nil
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i := 0; i < total; i++ {
		f, err := p.cell.RecvFrame(ctx)
		if err != nil {
			t.Fatalf("RecvFrame %d failed: %v", i, err)
		}
		if f.ChannelID != uint32(i) {
			t.Fatalf("frame %d arrived as channel %d: ordering broken", i, f.ChannelID)
		}
		if len(f.Payload) != (i%700)+1 {
			t.Fatalf("frame %d payload %d bytes", i, len(f.Payload))
		}
	}
	if err := <-errs; err != nil {
		t.Fatalf("sender failed: %v", err)
	}
}
