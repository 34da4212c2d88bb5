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
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"

	"github.com/bearcove/dodeca/internal/hublog"
)

// mapping is one mmap of the hub file. Remapping after growth installs a new
// mapping but keeps the old ones alive until Close, so pointers handed out
// earlier stay valid.
type mapping struct {
	mem []byte
}

// Hub is one process's view of the hub file. The host creates it; cells open
// it by path. All methods are safe for concurrent use.
type Hub struct {
	file   *os.File
	path   string
	owner  bool // the creator unlinks the file at Close
	layout *Layout
	log    *hublog.Logger

	m     atomic.Pointer[mapping]
	mu    sync.Mutex // guards remap, stale, and Close
	stale []*mapping
}

// DefaultHubPath returns a fresh host-local path for a hub file,
// preferring /dev/shm.
func DefaultHubPath() string {
	name := "dodeca-hub-" + uuid.NewString() + ".hub"
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", name)
	}
	return filepath.Join(os.TempDir(), name)
}

// CreateHub creates, sizes, maps, and initializes a hub file. The caller is
// the host; current_size is published last so a peer that can open the file
// always observes a fully initialized layout.
func CreateHub(path string, cfg CreateConfig) (*Hub, error) {
	layout, err := ComputeLayout(cfg)
	if err != nil {
		return nil, fmt.Errorf("hub layout: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("create hub file %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(layout.TotalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("size hub file: %w", err)
	}
	mem, err := mmapFile(file, int(layout.TotalSize))
	if err != nil {
		cleanup()
		return nil, err
	}

	h := &Hub{
		file:   file,
		path:   path,
		owner:  true,
		layout: layout,
		log:    hublog.New("hub"),
	}
	h.m.Store(&mapping{mem: mem})
	h.initialize(cfg)
	return h, nil
}

// initialize writes every header and links every free stack. The file is
// zero-filled by truncate, so only non-zero fields need stores.
func (h *Hub) initialize(cfg CreateConfig) {
	hdr := h.Header()
	var magic [8]byte
	copy(magic[:], HubMagic)
	hdr.SetMagic(magic)
	hdr.SetVersion(HubVersion)
	hdr.SetMaxPeers(uint32(cfg.MaxPeers))
	hdr.SetNumClasses(uint32(len(cfg.Classes)))
	hdr.SetRingCapacity(cfg.RingCapacity)

	for i := uint32(0); i < h.layout.MaxPeers; i++ {
		e := h.peerEntry(i)
		e.SetPeerID(i)
		e.SetSendRingOff(h.layout.SendRingOff(i))
		e.SetRecvRingOff(h.layout.RecvRingOff(i))
		for _, off := range []uint64{e.SendRingOff(), e.RecvRingOff()} {
			rh := (*DescRingHeader)(h.ptr(off))
			rh.SetCapacity(cfg.RingCapacity)
		}
	}

	for ci := range h.layout.Classes {
		cl := &h.layout.Classes[ci]
		ch := h.classHeader(uint8(ci))
		ch.SetSlotSize(cl.SlotSize)
		ch.SetSlotCount(cl.SlotCount)
		ch.SetExtentOff(cl.ExtentOff)
		ch.SetFirstGlobalIndex(0)

		eh := (*ExtentHeader)(h.ptr(cl.ExtentOff))
		eh.SetClassID(uint32(ci))
		eh.SetSlotCount(cl.SlotCount)
		eh.SetFirstGlobalIndex(0)
		eh.SetSlotSize(cl.SlotSize)

		// Link the free stack in reverse so the first alloc pops index 0.
		if cl.SlotCount == 0 {
			ch.SetFreeHead(uint64(nilIndex))
			continue
		}
		for i := uint32(0); i < cl.SlotCount; i++ {
			m := h.slotMeta(uint8(ci), i)
			if i+1 < cl.SlotCount {
				m.SetNextFree(i + 1)
			} else {
				m.SetNextFree(nilIndex)
			}
		}
		ch.SetFreeHead(0) // tag 0, index 0
	}

	hdr.SetExtentCount(uint32(len(h.layout.Classes)))
	// Publishing current_size last is what makes a concurrent open safe.
	hdr.SetCurrentSize(h.layout.TotalSize)
}

// OpenHub opens and maps an existing hub file, validating magic and version.
// A mismatch returns ErrHubFormat, which is fatal for the caller.
func OpenHub(path string) (*Hub, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open hub file %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat hub file: %w", err)
	}
	if info.Size() < HubHeaderSize {
		file.Close()
		return nil, fmt.Errorf("%w: file is %d bytes", ErrHubFormat, info.Size())
	}

	// Map just the header first; current_size tells us how much to map for
	// real. The header page never moves, so a short throwaway mapping is fine.
	probe, err := mmapFile(file, HubHeaderSize)
	if err != nil {
		file.Close()
		return nil, err
	}
	hdr := (*HubHeader)(unsafe.Pointer(&probe[0]))
	magic := hdr.Magic()
	version := hdr.Version()
	size := hdr.CurrentSize()
	munmapFile(probe)

	if string(magic[:]) != HubMagic {
		file.Close()
		return nil, fmt.Errorf("%w: bad magic %q", ErrHubFormat, magic)
	}
	if version != HubVersion {
		file.Close()
		return nil, fmt.Errorf("%w: version %d, want %d", ErrHubFormat, version, HubVersion)
	}
	if size < HubHeaderSize || size > uint64(info.Size()) {
		file.Close()
		return nil, fmt.Errorf("%w: current_size %d out of range", ErrHubFormat, size)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, err
	}
	layout, err := layoutFromHeaders(unsafe.Pointer(&mem[0]))
	if err != nil {
		munmapFile(mem)
		file.Close()
		return nil, fmt.Errorf("%w: %v", ErrHubFormat, err)
	}

	h := &Hub{
		file:   file,
		path:   path,
		layout: layout,
		log:    hublog.New("hub"),
	}
	h.m.Store(&mapping{mem: mem})
	return h, nil
}

// Path returns the hub file path.
func (h *Hub) Path() string { return h.path }

// Layout returns the resolved layout of the mapped file.
func (h *Hub) Layout() *Layout { return h.layout }

// MappedSize returns this process's current mapping length.
func (h *Hub) MappedSize() uint64 { return uint64(len(h.m.Load().mem)) }

func (h *Hub) base() unsafe.Pointer {
	return unsafe.Pointer(&h.m.Load().mem[0])
}

func (h *Hub) ptr(off uint64) unsafe.Pointer {
	return unsafe.Add(h.base(), off)
}

func (h *Hub) bytes(off, n uint64) []byte {
	return unsafe.Slice((*byte)(h.ptr(off)), n)
}

// Header returns the typed view of the hub header.
func (h *Hub) Header() *HubHeader { return (*HubHeader)(h.base()) }

func (h *Hub) peerEntry(i uint32) *PeerEntry {
	return (*PeerEntry)(h.ptr(h.layout.PeerTableOff + uint64(i)*PeerEntrySize))
}

// Peer returns the table entry for a peer id.
func (h *Hub) Peer(id uint32) (*PeerEntry, error) {
	if id >= h.layout.MaxPeers {
		return nil, fmt.Errorf("%w: peer %d out of range", ErrPeerDead, id)
	}
	return h.peerEntry(id), nil
}

func (h *Hub) classHeader(class uint8) *SizeClassHeader {
	return (*SizeClassHeader)(h.ptr(h.layout.Classes[class].HeaderOff))
}

func (h *Hub) slotMeta(class uint8, index uint32) *SlotMeta {
	cl := &h.layout.Classes[class]
	off := cl.ExtentOff + ExtentHeaderSize + uint64(index)*h.layout.SlotStride(class)
	return (*SlotMeta)(h.ptr(off))
}

// SlotPayload returns the full payload area of a slot (slot_size bytes).
func (h *Hub) SlotPayload(ref SlotRef) ([]byte, error) {
	class, index := ref.Class(), ref.Index()
	if int(class) >= len(h.layout.Classes) {
		return nil, fmt.Errorf("%w: class %d", ErrStaleSlot, class)
	}
	cl := &h.layout.Classes[class]
	if index >= cl.SlotCount {
		return nil, fmt.Errorf("%w: index %d past extent", ErrStaleSlot, index)
	}
	off := cl.ExtentOff + ExtentHeaderSize + uint64(index)*h.layout.SlotStride(class) + SlotMetaSize
	return h.bytes(off, uint64(cl.SlotSize)), nil
}

// CheckRemap re-reads current_size and grows this process's mapping if the
// file has been extended. Pointers into the old mapping stay valid; the old
// mapping is released at Close.
func (h *Hub) CheckRemap() error {
	cur := h.Header().CurrentSize()
	if cur <= h.MappedSize() {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.m.Load()
	if cur <= uint64(len(old.mem)) {
		return nil // raced with another remap
	}
	mem, err := mmapFile(h.file, int(cur))
	if err != nil {
		return fmt.Errorf("remap to %d bytes: %w", cur, err)
	}
	h.stale = append(h.stale, old)
	h.m.Store(&mapping{mem: mem})
	h.log.Debugf("remapped hub to %d bytes", cur)
	return nil
}

// TouchPeer stamps a peer entry's last_seen with the current wall-clock time
// in Unix nanoseconds; it is not a monotonic clock reading.
func (h *Hub) TouchPeer(id uint32) {
	if id < h.layout.MaxPeers {
		h.peerEntry(id).SetLastSeen(uint64(time.Now().UnixNano()))
	}
}

// Unlink removes the hub file, best-effort.
func (h *Hub) Unlink() error {
	err := os.Remove(h.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close unmaps every mapping and closes the file. The creating host also
// unlinks the file.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	if m := h.m.Swap(nil); m != nil {
		if err := munmapFile(m.mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, m := range h.stale {
		if err := munmapFile(m.mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	h.stale = nil
	if h.file != nil {
		if err := h.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		h.file = nil
	}
	if h.owner {
		if err := h.Unlink(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
