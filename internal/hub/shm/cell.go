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
	"os"
	"time"

	"github.com/bearcove/dodeca/internal/hublog"
)

// Cell is a worker process's attachment to the hub: the mapped file, the
// inherited doorbell, and this peer's identity.
type Cell struct {
	Hub    *Hub
	PeerID uint32
	Bell   *Doorbell

	log *hublog.Logger
}

// AttachCell opens the hub at path, validates it, wraps the inherited
// doorbell fd, and registers the peer entry. A format mismatch surfaces
// ErrHubFormat so the caller can exit with the right code.
func AttachCell(path string, peerID uint32, doorbellFD int) (*Cell, error) {
	hub, err := OpenHub(path)
	if err != nil {
		return nil, err
	}
	bell, err := DoorbellFromFD(doorbellFD)
	if err != nil {
		hub.Close()
		return nil, err
	}
	if err := hub.RegisterPeer(peerID); err != nil {
		bell.Close()
		hub.Close()
		return nil, err
	}
	return &Cell{
		Hub:    hub,
		PeerID: peerID,
		Bell:   bell,
		log:    hublog.New("cell").With("peer", peerID),
	}, nil
}

// NewInProcessCell binds a cell endpoint without a separate process: the
// caller already holds a mapping and a doorbell end. Used by tests and
// single-process mode; the peer entry must already be registered.
func NewInProcessCell(hub *Hub, peerID uint32, bell *Doorbell) *Cell {
	return &Cell{
		Hub:    hub,
		PeerID: peerID,
		Bell:   bell,
		log:    hublog.New("cell").With("peer", peerID),
	}
}

// Heartbeat stamps last_seen every interval until ctx ends.
func (c *Cell) Heartbeat(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Hub.TouchPeer(c.PeerID)
		}
	}
}

// WatchHost exits the process when the hub file disappears, which is how a
// dead or restarted host announces itself (the file is unlinked at shutdown
// and recreated under a new path on start). Runs until ctx ends.
func (c *Cell) WatchHost(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := os.Stat(c.Hub.Path()); os.IsNotExist(err) {
				c.log.Warnf("hub file gone, assuming host death; exiting")
				os.Exit(0)
			}
		}
	}
}

// Close releases the doorbell and the mapping. The host-side reaper owns
// the peer entry transition to DEAD.
func (c *Cell) Close() error {
	var firstErr error
	if c.Bell != nil {
		if err := c.Bell.Close(); err != nil {
			firstErr = err
		}
	}
	if err := c.Hub.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// String identifies the cell in logs.
func (c *Cell) String() string {
	return fmt.Sprintf("cell(peer=%d hub=%s)", c.PeerID, c.Hub.Path())
}
