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

// hub-diag prints the resolved layout for a hub configuration, or inspects
// a live hub file.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/pflag"

	"github.com/bearcove/dodeca/internal/hub/shm"
	"github.com/bearcove/dodeca/internal/hubconfig"
)

func main() {
	flags := pflag.NewFlagSet("hub-diag", pflag.ExitOnError)
	configPath := flags.String("config", "", "hub config file (JWCC); default config when omitted")
	hubPath := flags.String("hub", "", "open an existing hub file and dump its state")
	flags.Parse(os.Args[1:])

	if *hubPath != "" {
		inspect(*hubPath)
		return
	}

	cfg := hubconfig.Default()
	if *configPath != "" {
		var err error
		if cfg, err = hubconfig.Load(*configPath); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}

	layout, err := shm.ComputeLayout(cfg.CreateConfig())
	if err != nil {
		log.Fatalf("layout: %v", err)
	}

	fmt.Printf("=== Hub Layout ===\n")
	fmt.Printf("max_peers: %d, ring_capacity: %d descriptors\n", layout.MaxPeers, layout.RingCapacity)
	fmt.Printf("header:      %10d .. %10d\n", 0, shm.HubHeaderSize)
	fmt.Printf("peer table:  %10d .. %10d\n", layout.PeerTableOff, layout.RingBase)
	fmt.Printf("rings:       %10d .. %10d (%d bytes per ring, 2 per peer)\n",
		layout.RingBase, layout.ClassBase, layout.RingBytes)
	for i, cl := range layout.Classes {
		poolBytes := uint64(cl.SlotSize) * uint64(cl.SlotCount)
		fmt.Printf("class %d:     %10d ..            %8d B x %4d = %d bytes\n",
			i, cl.ExtentOff, cl.SlotSize, cl.SlotCount, poolBytes)
	}
	fmt.Printf("total:       %10d bytes (%.1f MiB)\n",
		layout.TotalSize, float64(layout.TotalSize)/(1<<20))
}

func inspect(path string) {
	hub, err := shm.OpenHub(path)
	if err != nil {
		log.Fatalf("open hub: %v", err)
	}
	defer hub.Close()

	hdr := hub.Header()
	fmt.Printf("=== Hub %s ===\n", path)
	fmt.Printf("version=%d max_peers=%d current_size=%d extents=%d\n",
		hdr.Version(), hdr.MaxPeers(), hdr.CurrentSize(), hdr.ExtentCount())

	fmt.Printf("allocator:\n")
	for i, st := range hub.AllocatorStats() {
		fmt.Printf("  class %d (%d B x %d): free=%d allocated=%d inflight=%d\n",
			i, st.SlotSize, st.SlotCount, st.Free, st.Allocated, st.InFlight)
	}

	fmt.Printf("peers:\n")
	for id := uint32(0); id < hub.Layout().MaxPeers; id++ {
		e, _ := hub.Peer(id)
		if e.Flags() == shm.PeerStateEmpty {
			continue
		}
		send, _ := hub.SendRing(id)
		recv, _ := hub.RecvRing(id)
		fmt.Printf("  peer %d: flags=%d epoch=%d send[%s] recv[%s]\n",
			id, e.Flags(), e.Epoch(), send.State(), recv.State())
	}
}
