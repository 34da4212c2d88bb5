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
	"path/filepath"
	"testing"
)

// testClasses is a small configuration that keeps test hubs tiny.
var testClasses = []ClassConfig{
	{SlotSize: 1024, SlotCount: 64},
	{SlotSize: 16 * 1024, SlotCount: 16},
	{SlotSize: 256 * 1024, SlotCount: 4},
}

// createTestHub creates a hub in a per-test temp dir and registers cleanup.
func createTestHub(t *testing.T, cfg CreateConfig) *Hub {
	t.Helper()
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = 4
	}
	if cfg.RingCapacity == 0 {
		cfg.RingCapacity = 16
	}
	if cfg.Classes == nil {
		cfg.Classes = testClasses
	}
	path := filepath.Join(t.TempDir(), "test.hub")
	hub, err := CreateHub(path, cfg)
	if err != nil {
		t.Fatalf("CreateHub failed: %v", err)
	}
	t.Cleanup(func() { hub.Close() })
	return hub
}

// openTestHub opens a second, independent mapping of an existing hub, the
// way a cell process would, and registers cleanup.
func openTestHub(t *testing.T, path string) *Hub {
	t.Helper()
	hub, err := OpenHub(path)
	if err != nil {
		t.Fatalf("OpenHub failed: %v", err)
	}
	t.Cleanup(func() { hub.Close() })
	return hub
}

// testDoorbellPair returns both ends of a doorbell wired together, with
// cleanup for each.
func testDoorbellPair(t *testing.T) (*Doorbell, *Doorbell) {
	t.Helper()
	a, b, err := NewLoopbackDoorbells()
	if err != nil {
		t.Fatalf("NewLoopbackDoorbells failed: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}
