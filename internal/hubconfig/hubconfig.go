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

// Package hubconfig loads hub configuration from a JWCC file (JSON with
// comments and trailing commas). The configuration only matters to the host
// at creation time: peers read everything back out of the mapped headers,
// never from this package.
package hubconfig

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/natefinch/atomic"
	"github.com/sugawarayuuta/sonnet"
	"github.com/tailscale/hujson"

	"github.com/bearcove/dodeca/internal/hub/shm"
)

// SizeClass configures one slab class.
type SizeClass struct {
	SlotSize  uint32 `json:"slot_size"`
	SlotCount uint32 `json:"slot_count"`
}

// Config is the host-side hub configuration.
type Config struct {
	MaxPeers     uint16      `json:"max_peers"`
	RingCapacity uint32      `json:"ring_capacity"`
	SizeClasses  []SizeClass `json:"size_classes"`

	// AllocEscalate lets allocations fall through to the next larger class
	// when the fitting one is dry; off, they block up to AllocWait instead.
	AllocEscalate bool `json:"alloc_escalate"`
	// AllocWaitMs bounds the blocking path before Backpressure surfaces.
	AllocWaitMs uint32 `json:"alloc_wait_ms"`
	// MaxPendingCalls bounds in-flight outbound RPC calls per peer.
	MaxPendingCalls int `json:"max_pending_calls"`
}

// Default returns the shipped configuration: five classes totalling ~109 MiB.
func Default() Config {
	return Config{
		MaxPeers:     32,
		RingCapacity: 256,
		SizeClasses: []SizeClass{
			{SlotSize: 1 << 10, SlotCount: 1024}, // small RPC args
			{SlotSize: 16 << 10, SlotCount: 256}, // typical payloads
			{SlotSize: 256 << 10, SlotCount: 32}, // images, stylesheets
			{SlotSize: 4 << 20, SlotCount: 8},    // large blobs
			{SlotSize: 16 << 20, SlotCount: 4},   // outliers
		},
		AllocEscalate:   true,
		AllocWaitMs:     5000,
		MaxPendingCalls: 8192,
	}
}

// AllocWait returns the blocking-alloc bound as a duration.
func (c Config) AllocWait() time.Duration {
	return time.Duration(c.AllocWaitMs) * time.Millisecond
}

// CreateConfig converts to the shm creation shape.
func (c Config) CreateConfig() shm.CreateConfig {
	out := shm.CreateConfig{
		MaxPeers:     c.MaxPeers,
		RingCapacity: c.RingCapacity,
	}
	for _, sc := range c.SizeClasses {
		out.Classes = append(out.Classes, shm.ClassConfig{
			SlotSize:  sc.SlotSize,
			SlotCount: sc.SlotCount,
		})
	}
	return out
}

// Validate rejects configurations the layout cannot express.
func (c Config) Validate() error {
	_, err := shm.ComputeLayout(c.CreateConfig())
	return err
}

// Load reads a JWCC config file. Fields left out keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := sonnet.Unmarshal(std, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// defaultTemplate is the commented config WriteDefault ships. It must stay
// in sync with Default().
const defaultTemplate = `{
    // Hub configuration. The host reads this at startup; cells read the
    // resulting values back out of the mapped hub file, never this file.

    // Upper bound on simultaneously attached cells. The peer table is
    // sized at creation and never grows.
    "max_peers": 32,

    // Descriptors per ring; must be a power of two.
    "ring_capacity": 256,

    // Slab classes, ascending. An allocation uses the smallest class whose
    // slot_size fits; anything over the last class fails.
    "size_classes": [
        {"slot_size": 1024, "slot_count": 1024},
        {"slot_size": 16384, "slot_count": 256},
        {"slot_size": 262144, "slot_count": 32},
        {"slot_size": 4194304, "slot_count": 8},
        {"slot_size": 16777216, "slot_count": 4},
    ],

    // When a class is dry: escalate to the next larger class (true), or
    // block up to alloc_wait_ms and then surface backpressure (false).
    "alloc_escalate": true,
    "alloc_wait_ms": 5000,

    // In-flight outbound RPC calls allowed per peer before callers get
    // backpressure instead of an unbounded queue.
    "max_pending_calls": 8192,
}
`

// WriteDefault writes the commented default config, atomically so a reader
// never observes a torn file.
func WriteDefault(path string) error {
	return atomic.WriteFile(path, bytes.NewReader([]byte(defaultTemplate)))
}
