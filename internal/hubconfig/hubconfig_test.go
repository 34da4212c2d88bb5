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

package hubconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	// The shipped classes sum to the documented ~109 MiB pool.
	total := uint64(0)
	for _, sc := range Default().SizeClasses {
		total += uint64(sc.SlotSize) * uint64(sc.SlotCount)
	}
	if total != 109*1024*1024 {
		t.Fatalf("default pool is %d bytes, want 109 MiB", total)
	}
}

func TestLoadJWCC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.jsonc")
	content := `{
    // comments are legal here
    "max_peers": 8,
    "ring_capacity": 64,
    "size_classes": [
        {"slot_size": 1024, "slot_count": 16},
        {"slot_size": 16384, "slot_count": 4}, // trailing comma next
    ],
    "alloc_escalate": false,
    "alloc_wait_ms": 250,
    "max_pending_calls": 100,
}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := Config{
		MaxPeers:     8,
		RingCapacity: 64,
		SizeClasses: []SizeClass{
			{SlotSize: 1024, SlotCount: 16},
			{SlotSize: 16384, SlotCount: 4},
		},
		AllocEscalate:   false,
		AllocWaitMs:     250,
		MaxPendingCalls: 100,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
	if cfg.AllocWait() != 250*time.Millisecond {
		t.Fatalf("AllocWait = %v", cfg.AllocWait())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.jsonc")
	// Ring capacity 7 is not a power of two.
	content := `{"max_peers": 2, "ring_capacity": 7}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("invalid config accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.jsonc")); err == nil {
		t.Fatal("missing config accepted")
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.jsonc")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load of written default failed: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("written default drifted from Default() (-want +got):\n%s", diff)
	}
}

func TestCreateConfigConversion(t *testing.T) {
	cc := Default().CreateConfig()
	if cc.MaxPeers != 32 || cc.RingCapacity != 256 || len(cc.Classes) != 5 {
		t.Fatalf("conversion mangled config: %+v", cc)
	}
}
