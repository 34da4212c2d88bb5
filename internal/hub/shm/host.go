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
	"os"
	"os/exec"
	"sync"

	"github.com/bearcove/dodeca/internal/hublog"
)

// PeerInfo is the host's in-memory record of one claimed peer. The cell-side
// doorbell file is only alive between AddPeer and SpawnCell.
type PeerInfo struct {
	PeerID       uint32
	Doorbell     *Doorbell // host side
	CellDoorbell *os.File  // inherited by the spawned cell, then closed here
}

// CellHandle tracks one spawned cell process.
type CellHandle struct {
	PeerID uint32
	Name   string
	Cmd    *exec.Cmd

	done chan struct{}
	err  error
}

// Wait blocks until the cell process has exited and the reaper has run.
func (c *CellHandle) Wait() error {
	<-c.done
	return c.err
}

// Host owns the hub file and the fleet of cells attached to it.
type Host struct {
	hub *Hub
	log *hublog.Logger

	mu    sync.Mutex
	peers map[uint32]*PeerInfo
	cells map[uint32]*CellHandle

	// OnPeerDead, when set, runs after the reaper has reclaimed a dead
	// peer's slots and drained its ring.
	OnPeerDead func(peerID uint32, name string, err error)
}

// NewHost wraps a hub the caller created.
func NewHost(hub *Hub) *Host {
	return &Host{
		hub:   hub,
		log:   hublog.New("host"),
		peers: make(map[uint32]*PeerInfo),
		cells: make(map[uint32]*CellHandle),
	}
}

// Hub returns the underlying hub.
func (h *Host) Hub() *Hub { return h.hub }

// AddPeer claims a peer table entry and creates its doorbell pair.
func (h *Host) AddPeer() (*PeerInfo, error) {
	id, err := h.hub.ClaimPeer()
	if err != nil {
		return nil, err
	}
	bell, cellFile, err := NewDoorbellPair()
	if err != nil {
		h.hub.MarkPeerDead(id)
		return nil, err
	}
	info := &PeerInfo{PeerID: id, Doorbell: bell, CellDoorbell: cellFile}
	h.mu.Lock()
	h.peers[id] = info
	h.mu.Unlock()
	h.log.Debugf("claimed peer %d", id)
	return info, nil
}

// SpawnCell launches a cell binary bound to a claimed peer. Exactly the
// doorbell fd is inherited (as fd 3); the hub file is reopened by path in
// the child. The host's copy of the cell-side fd is closed once the child
// holds it.
func (h *Host) SpawnCell(info *PeerInfo, binary, name string, extraArgs ...string) (*CellHandle, error) {
	args := []string{
		"--hub-path=" + h.hub.Path(),
		fmt.Sprintf("--peer-id=%d", info.PeerID),
		"--doorbell-fd=3",
	}
	args = append(args, extraArgs...)

	cmd := exec.Command(binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{info.CellDoorbell}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn cell %s: %w", name, err)
	}
	info.CellDoorbell.Close()
	info.CellDoorbell = nil

	handle := &CellHandle{
		PeerID: info.PeerID,
		Name:   name,
		Cmd:    cmd,
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.cells[info.PeerID] = handle
	h.mu.Unlock()

	h.log.Infof("spawned cell %s (peer %d, pid %d)", name, info.PeerID, cmd.Process.Pid)
	go h.reap(handle, info)
	return handle, nil
}

// reap waits for a cell process and recovers its shared-memory resources.
// Stale descriptors the dead peer left on rings carry generations that the
// reclaim pass bumps, so the consumer side drops them even without this
// drain; draining here just returns the ring to empty promptly.
func (h *Host) reap(handle *CellHandle, info *PeerInfo) {
	err := handle.Cmd.Wait()
	if err != nil {
		h.log.Warnf("cell %s (peer %d) exited: %v", handle.Name, handle.PeerID, err)
	} else {
		h.log.Infof("cell %s (peer %d) exited cleanly", handle.Name, handle.PeerID)
	}

	h.ReapPeer(handle.PeerID)

	if h.OnPeerDead != nil {
		h.OnPeerDead(handle.PeerID, handle.Name, err)
	}
	handle.err = err
	close(handle.done)
}

// ReapPeer recovers everything a dead peer held: its slots, its pending
// descriptors on the host-consumed ring, its doorbell, its table entry.
// Idempotent.
func (h *Host) ReapPeer(id uint32) {
	reclaimed := h.hub.ReclaimPeerSlots(id)

	// The reclaim pass already bumped the generations these descriptors
	// captured, so their slots must not be touched here; dropping the
	// descriptors returns the ring to empty.
	if ring, err := h.hub.SendRing(id); err == nil {
		if dropped := ring.Drain(); len(dropped) > 0 {
			h.log.Debugf("dropped %d stale descriptors from peer %d", len(dropped), id)
		}
	}

	h.hub.MarkPeerDead(id)

	h.mu.Lock()
	info := h.peers[id]
	delete(h.peers, id)
	delete(h.cells, id)
	h.mu.Unlock()
	if info != nil && info.Doorbell != nil {
		info.Doorbell.Close()
	}
	if reclaimed > 0 {
		h.log.Infof("peer %d dead: reclaimed %d slots", id, reclaimed)
	}
}

// Close reaps every live peer and closes the hub (unlinking the file).
func (h *Host) Close() error {
	h.mu.Lock()
	ids := make([]uint32, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.ReapPeer(id)
	}
	return h.hub.Close()
}
