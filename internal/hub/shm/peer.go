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
	"unsafe"
)

// ClaimPeer hands out the next peer table entry. Entries are never reused:
// the id counter only moves forward, so a dead peer's slot stays DEAD until
// the hub file is recreated.
func (h *Hub) ClaimPeer() (uint32, error) {
	hdr := h.Header()
	for {
		id := hdr.NextPeerID()
		if id >= h.layout.MaxPeers {
			return 0, ErrPeerTableFull
		}
		e := h.peerEntry(id)
		if !e.CasFlags(PeerStateEmpty, PeerStatePending) {
			continue // slot was somehow taken; counter keeps us moving
		}
		e.BumpEpoch()
		e.SetPeerID(id)
		e.SetLastSeen(uint64(time.Now().UnixNano()))
		return id, nil
	}
}

// RegisterPeer is the cell's self-transition at startup.
func (h *Hub) RegisterPeer(id uint32) error {
	e, err := h.Peer(id)
	if err != nil {
		return err
	}
	if !e.CasFlags(PeerStatePending, PeerStateRegistered) {
		return fmt.Errorf("%w: peer %d is in state %d, not pending", ErrPeerDead, id, e.Flags())
	}
	e.SetLastSeen(uint64(time.Now().UnixNano()))
	return nil
}

// MarkPeerDead transitions an entry to DEAD from whatever live state it was
// in. Host-driven; idempotent.
func (h *Hub) MarkPeerDead(id uint32) {
	if id >= h.layout.MaxPeers {
		return
	}
	e := h.peerEntry(id)
	for {
		f := e.Flags()
		if f == PeerStateDead || f == PeerStateEmpty {
			return
		}
		if e.CasFlags(f, PeerStateDead) {
			return
		}
	}
}

// PeerAlive reports whether an entry is in a live state (pending counts:
// the cell has been claimed but has not registered yet).
func (h *Hub) PeerAlive(id uint32) bool {
	if id >= h.layout.MaxPeers {
		return false
	}
	f := h.peerEntry(id).Flags()
	return f == PeerStatePending || f == PeerStateRegistered
}

// SendRing binds peer id's send ring (produced by the cell, consumed by the
// host). Its full-path futex word is the entry's send word.
func (h *Hub) SendRing(id uint32) (*DescRing, error) {
	e, err := h.Peer(id)
	if err != nil {
		return nil, err
	}
	wordOff := h.layout.PeerTableOff + uint64(id)*PeerEntrySize +
		uint64(unsafe.Offsetof(PeerEntry{}.sendFullFutex))
	return NewDescRing(h, e.SendRingOff(), wordOff), nil
}

// RecvRing binds peer id's recv ring (produced by the host, consumed by the
// cell).
func (h *Hub) RecvRing(id uint32) (*DescRing, error) {
	e, err := h.Peer(id)
	if err != nil {
		return nil, err
	}
	wordOff := h.layout.PeerTableOff + uint64(id)*PeerEntrySize +
		uint64(unsafe.Offsetof(PeerEntry{}.recvFullFutex))
	return NewDescRing(h, e.RecvRingOff(), wordOff), nil
}
