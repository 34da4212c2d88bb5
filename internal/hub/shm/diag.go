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
	"io"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"sync"
	"syscall"
)

// Diag collects the observable surfaces of one process's hub state for
// post-mortem dumps. Everything it reads is an atomic load or an ioctl; it
// takes no lock that the dumped subsystems could hold.
type Diag struct {
	hub *Hub

	mu    sync.Mutex
	rings map[string]*DescRing
	bells map[string]*Doorbell

	installOnce sync.Once
}

// NewDiag wraps a hub for diagnostics.
func NewDiag(hub *Hub) *Diag {
	return &Diag{
		hub:   hub,
		rings: make(map[string]*DescRing),
		bells: make(map[string]*Doorbell),
	}
}

// TrackRing registers a ring under a name for dumps.
func (d *Diag) TrackRing(name string, r *DescRing) {
	d.mu.Lock()
	d.rings[name] = r
	d.mu.Unlock()
}

// TrackDoorbell registers a doorbell under a name for dumps.
func (d *Diag) TrackDoorbell(name string, b *Doorbell) {
	d.mu.Lock()
	d.bells[name] = b
	d.mu.Unlock()
}

// Install arms a signal handler (SIGUSR2 unless overridden) that dumps state
// to stderr. Repeated signals dump repeatedly; repeated Installs arm once.
func (d *Diag) Install(sig os.Signal) {
	if sig == nil {
		sig = syscall.SIGUSR2
	}
	d.installOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, sig)
		go func() {
			for range ch {
				d.Dump(os.Stderr)
			}
		}()
	})
}

// Dump writes allocator, ring, and doorbell state plus goroutine stacks.
func (d *Diag) Dump(w io.Writer) {
	fmt.Fprintf(w, "=== hub state dump (pid %d) ===\n", os.Getpid())
	fmt.Fprintf(w, "hub: %s mapped=%d current=%d\n",
		d.hub.Path(), d.hub.MappedSize(), d.hub.Header().CurrentSize())

	fmt.Fprintln(w, "allocator:")
	for i, st := range d.hub.AllocatorStats() {
		fmt.Fprintf(w, "  class %d (%d B x %d): free=%d allocated=%d inflight=%d\n",
			i, st.SlotSize, st.SlotCount, st.Free, st.Allocated, st.InFlight)
	}

	d.mu.Lock()
	ringNames := make([]string, 0, len(d.rings))
	for name := range d.rings {
		ringNames = append(ringNames, name)
	}
	sort.Strings(ringNames)
	bellNames := make([]string, 0, len(d.bells))
	for name := range d.bells {
		bellNames = append(bellNames, name)
	}
	sort.Strings(bellNames)
	rings := d.rings
	bells := d.bells
	d.mu.Unlock()

	fmt.Fprintln(w, "rings:")
	for _, name := range ringNames {
		fmt.Fprintf(w, "  %s: %s\n", name, rings[name].State())
	}
	fmt.Fprintln(w, "doorbells:")
	for _, name := range bellNames {
		fmt.Fprintf(w, "  %s: pending=%d\n", name, bells[name].PendingBytes())
	}

	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	fmt.Fprintf(w, "goroutines:\n%s\n", buf[:n])
}
