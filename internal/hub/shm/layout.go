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
	"sync/atomic"
	"unsafe"
)

// Memory layout constants. Every size here is frozen for a given HubVersion;
// offsets inside the mapped file derive from these and from the creation-time
// configuration stored in the headers.
const (
	// Magic bytes identifying a hub file
	HubMagic = "DDCAHUB\x00"

	// Current layout version
	HubVersion = uint32(1)

	// Hub header size (padded to 256 bytes)
	HubHeaderSize = 256

	// Per-peer table entry size
	PeerEntrySize = 64

	// Descriptor ring header size (3 cache lines)
	RingHeaderSize = 192

	// On-wire descriptor size
	DescSize = 64

	// Size-class header size
	SizeClassHeaderSize = 128

	// Extent header size
	ExtentHeaderSize = 64

	// Per-slot metadata size, immediately before each slot's payload bytes
	SlotMetaSize = 32

	// Slot-ref encoding: top 3 bits class, low 29 bits index
	slotIndexBits = 29
	slotIndexMask = (1 << slotIndexBits) - 1

	// MaxSizeClasses is the most classes the slot-ref encoding can address.
	MaxSizeClasses = 8

	// nilIndex terminates a class free stack.
	nilIndex = ^uint32(0)
)

// Peer entry states (PeerEntry.flags).
const (
	PeerStateEmpty      = uint32(0)
	PeerStatePending    = uint32(1) // claimed by the host, cell not yet attached
	PeerStateRegistered = uint32(2)
	PeerStateDead       = uint32(3)
)

// Slot states (SlotMeta.state).
const (
	SlotFree      = uint32(0)
	SlotAllocated = uint32(1)
	SlotInFlight  = uint32(2) // referenced by a descriptor sitting on a ring
)

// SlotRef packs a size class and a slot index into 32 bits so it fits in a
// descriptor. The class occupies the top 3 bits.
type SlotRef uint32

// MakeSlotRef encodes a (class, index) pair.
func MakeSlotRef(class uint8, index uint32) SlotRef {
	return SlotRef(uint32(class)<<slotIndexBits | index&slotIndexMask)
}

// Class returns the size class of the ref.
func (r SlotRef) Class() uint8 { return uint8(r >> slotIndexBits) }

// Index returns the slot index within the class.
func (r SlotRef) Index() uint32 { return uint32(r) & slotIndexMask }

func (r SlotRef) String() string {
	return fmt.Sprintf("slot(c%d:%d)", r.Class(), r.Index())
}

// HubHeader is the fixed header at offset 0 of the hub file.
// Field offsets are frozen; reserved bytes pad it to 256.
type HubHeader struct {
	magic         [8]byte // 0x00
	version       uint32  // 0x08
	maxPeers      uint32  // 0x0C
	peerIDCounter uint32  // 0x10: next peer slot to hand out (host only)
	numClasses    uint32  // 0x14
	currentSize   uint64  // 0x18: authoritative mapped size, Release-published
	extentCount   uint32  // 0x20
	ringCapacity  uint32  // 0x24
	reserved      [216]byte
}

func (h *HubHeader) Magic() [8]byte        { return h.magic }
func (h *HubHeader) SetMagic(m [8]byte)    { h.magic = m }
func (h *HubHeader) Version() uint32       { return atomic.LoadUint32(&h.version) }
func (h *HubHeader) SetVersion(v uint32)   { atomic.StoreUint32(&h.version, v) }
func (h *HubHeader) MaxPeers() uint32      { return atomic.LoadUint32(&h.maxPeers) }
func (h *HubHeader) SetMaxPeers(n uint32)  { atomic.StoreUint32(&h.maxPeers, n) }
func (h *HubHeader) NumClasses() uint32    { return atomic.LoadUint32(&h.numClasses) }
func (h *HubHeader) SetNumClasses(n uint32) {
	atomic.StoreUint32(&h.numClasses, n)
}
func (h *HubHeader) RingCapacity() uint32 { return atomic.LoadUint32(&h.ringCapacity) }
func (h *HubHeader) SetRingCapacity(n uint32) {
	atomic.StoreUint32(&h.ringCapacity, n)
}

// CurrentSize is the authoritative mapped size. The creator publishes it last
// with a Release store; peers Acquire-load it before mapping and re-check it
// before dereferencing offsets past their mapped size.
func (h *HubHeader) CurrentSize() uint64     { return atomic.LoadUint64(&h.currentSize) }
func (h *HubHeader) SetCurrentSize(n uint64) { atomic.StoreUint64(&h.currentSize, n) }

func (h *HubHeader) ExtentCount() uint32     { return atomic.LoadUint32(&h.extentCount) }
func (h *HubHeader) SetExtentCount(n uint32) { atomic.StoreUint32(&h.extentCount, n) }

// NextPeerID hands out the next peer table index.
func (h *HubHeader) NextPeerID() uint32 {
	return atomic.AddUint32(&h.peerIDCounter, 1) - 1
}

// PeerEntry is one slot of the peer table. peer_id equals the entry's index;
// the host never reuses a live entry.
type PeerEntry struct {
	peerID        uint32 // 0x00
	flags         uint32 // 0x04
	epoch         uint32 // 0x08: bumped every time the slot is re-issued
	pad           uint32 // 0x0C
	lastSeen      uint64 // 0x10: wall-clock Unix nanos (not a monotonic clock), updated by the peer
	sendFullFutex uint32 // 0x18: producer blocks here when the send ring is full
	recvFullFutex uint32 // 0x1C: same for the recv ring
	sendRingOff   uint64 // 0x20
	recvRingOff   uint64 // 0x28
	reserved      [16]byte
}

func (e *PeerEntry) PeerID() uint32       { return atomic.LoadUint32(&e.peerID) }
func (e *PeerEntry) SetPeerID(id uint32)  { atomic.StoreUint32(&e.peerID, id) }
func (e *PeerEntry) Flags() uint32        { return atomic.LoadUint32(&e.flags) }
func (e *PeerEntry) SetFlags(f uint32)    { atomic.StoreUint32(&e.flags, f) }
func (e *PeerEntry) CasFlags(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(&e.flags, old, new)
}
func (e *PeerEntry) Epoch() uint32     { return atomic.LoadUint32(&e.epoch) }
func (e *PeerEntry) BumpEpoch() uint32 { return atomic.AddUint32(&e.epoch, 1) }
func (e *PeerEntry) LastSeen() uint64  { return atomic.LoadUint64(&e.lastSeen) }
func (e *PeerEntry) SetLastSeen(ns uint64) {
	atomic.StoreUint64(&e.lastSeen, ns)
}
func (e *PeerEntry) SendRingOff() uint64       { return atomic.LoadUint64(&e.sendRingOff) }
func (e *PeerEntry) SetSendRingOff(off uint64) { atomic.StoreUint64(&e.sendRingOff, off) }
func (e *PeerEntry) RecvRingOff() uint64       { return atomic.LoadUint64(&e.recvRingOff) }
func (e *PeerEntry) SetRecvRingOff(off uint64) { atomic.StoreUint64(&e.recvRingOff, off) }

// SendFullWord returns the futex word producers block on when the peer's
// send ring is full. RecvFullWord is its twin for the recv ring.
func (e *PeerEntry) SendFullWord() *uint32 { return &e.sendFullFutex }
func (e *PeerEntry) RecvFullWord() *uint32 { return &e.recvFullFutex }

// DescRingHeader heads each descriptor ring. The producer publishes by a
// Release store on visibleHead after writing the descriptor bytes; the
// consumer Acquire-loads visibleHead before reading them. A descriptor at
// tail%capacity is ready iff tail < visibleHead.
type DescRingHeader struct {
	capacity    uint32 // 0x00: power of two
	pad         uint32 // 0x04
	visibleHead uint64 // 0x08
	tail        uint64 // 0x10
	reserved    [168]byte
}

func (r *DescRingHeader) Capacity() uint32     { return atomic.LoadUint32(&r.capacity) }
func (r *DescRingHeader) SetCapacity(n uint32) { atomic.StoreUint32(&r.capacity, n) }
func (r *DescRingHeader) VisibleHead() uint64  { return atomic.LoadUint64(&r.visibleHead) }
func (r *DescRingHeader) SetVisibleHead(v uint64) {
	atomic.StoreUint64(&r.visibleHead, v)
}
func (r *DescRingHeader) Tail() uint64     { return atomic.LoadUint64(&r.tail) }
func (r *DescRingHeader) SetTail(v uint64) { atomic.StoreUint64(&r.tail, v) }

// Len returns the number of published, unconsumed descriptors.
func (r *DescRingHeader) Len() uint64 { return r.VisibleHead() - r.Tail() }

// SizeClassHeader heads one size class of the slab allocator. freeHead is a
// tagged index (tag<<32 | index); the tag increments on every push and pop to
// defeat ABA on the Treiber stack.
type SizeClassHeader struct {
	slotSize         uint32 // 0x00
	slotCount        uint32 // 0x04
	freeHead         uint64 // 0x08
	slotAvailable    uint32 // 0x10: futex word, bumped on every push
	waiters          uint32 // 0x14
	extentOff        uint64 // 0x18: offset of this class's initial extent
	firstGlobalIndex uint32 // 0x20
	pad              uint32 // 0x24
	reserved         [88]byte
}

func (c *SizeClassHeader) SlotSize() uint32      { return atomic.LoadUint32(&c.slotSize) }
func (c *SizeClassHeader) SetSlotSize(n uint32)  { atomic.StoreUint32(&c.slotSize, n) }
func (c *SizeClassHeader) SlotCount() uint32     { return atomic.LoadUint32(&c.slotCount) }
func (c *SizeClassHeader) SetSlotCount(n uint32) { atomic.StoreUint32(&c.slotCount, n) }
func (c *SizeClassHeader) FreeHead() uint64      { return atomic.LoadUint64(&c.freeHead) }
func (c *SizeClassHeader) SetFreeHead(v uint64)  { atomic.StoreUint64(&c.freeHead, v) }
func (c *SizeClassHeader) CasFreeHead(old, new uint64) bool {
	return atomic.CompareAndSwapUint64(&c.freeHead, old, new)
}
func (c *SizeClassHeader) ExtentOff() uint64       { return atomic.LoadUint64(&c.extentOff) }
func (c *SizeClassHeader) SetExtentOff(off uint64) { atomic.StoreUint64(&c.extentOff, off) }
func (c *SizeClassHeader) FirstGlobalIndex() uint32 {
	return atomic.LoadUint32(&c.firstGlobalIndex)
}
func (c *SizeClassHeader) SetFirstGlobalIndex(n uint32) {
	atomic.StoreUint32(&c.firstGlobalIndex, n)
}

// AvailableWord returns the futex word alloc waiters block on.
func (c *SizeClassHeader) AvailableWord() *uint32 { return &c.slotAvailable }

// Available reads the availability sequence word.
func (c *SizeClassHeader) Available() uint32 {
	return atomic.LoadUint32(&c.slotAvailable)
}

// BumpAvailable increments the available sequence after a push.
func (c *SizeClassHeader) BumpAvailable() uint32 {
	return atomic.AddUint32(&c.slotAvailable, 1)
}

func (c *SizeClassHeader) Waiters() uint32 { return atomic.LoadUint32(&c.waiters) }
func (c *SizeClassHeader) AddWaiter() uint32 {
	return atomic.AddUint32(&c.waiters, 1)
}
func (c *SizeClassHeader) RemoveWaiter() uint32 {
	return atomic.AddUint32(&c.waiters, ^uint32(0))
}

// ExtentHeader records one appended extent of a size class.
type ExtentHeader struct {
	classID          uint32 // 0x00
	slotCount        uint32 // 0x04
	firstGlobalIndex uint32 // 0x08
	slotSize         uint32 // 0x0C
	reserved         [48]byte
}

func (e *ExtentHeader) ClassID() uint32      { return atomic.LoadUint32(&e.classID) }
func (e *ExtentHeader) SetClassID(id uint32) { atomic.StoreUint32(&e.classID, id) }
func (e *ExtentHeader) SlotCount() uint32    { return atomic.LoadUint32(&e.slotCount) }
func (e *ExtentHeader) SetSlotCount(n uint32) {
	atomic.StoreUint32(&e.slotCount, n)
}
func (e *ExtentHeader) FirstGlobalIndex() uint32 {
	return atomic.LoadUint32(&e.firstGlobalIndex)
}
func (e *ExtentHeader) SetFirstGlobalIndex(n uint32) {
	atomic.StoreUint32(&e.firstGlobalIndex, n)
}
func (e *ExtentHeader) SlotSize() uint32     { return atomic.LoadUint32(&e.slotSize) }
func (e *ExtentHeader) SetSlotSize(n uint32) { atomic.StoreUint32(&e.slotSize, n) }

// SlotMeta precedes every slot's payload bytes. A transition of state always
// happens before or together with a generation bump, never after, so a stale
// descriptor can never observe a matching generation on a recycled slot.
type SlotMeta struct {
	state      uint32 // 0x00
	generation uint32 // 0x04: bumped on every free
	ownerPeer  uint32 // 0x08: used for crash reclamation only
	payloadLen uint32 // 0x0C
	nextFree   uint32 // 0x10: free-stack link
	pad        uint32 // 0x14
	reserved   [8]byte
}

func (m *SlotMeta) State() uint32     { return atomic.LoadUint32(&m.state) }
func (m *SlotMeta) SetState(s uint32) { atomic.StoreUint32(&m.state, s) }
func (m *SlotMeta) CasState(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(&m.state, old, new)
}
func (m *SlotMeta) Generation() uint32     { return atomic.LoadUint32(&m.generation) }
func (m *SlotMeta) BumpGeneration() uint32 { return atomic.AddUint32(&m.generation, 1) }
func (m *SlotMeta) OwnerPeer() uint32      { return atomic.LoadUint32(&m.ownerPeer) }
func (m *SlotMeta) SetOwnerPeer(p uint32)  { atomic.StoreUint32(&m.ownerPeer, p) }
func (m *SlotMeta) PayloadLen() uint32     { return atomic.LoadUint32(&m.payloadLen) }
func (m *SlotMeta) SetPayloadLen(n uint32) { atomic.StoreUint32(&m.payloadLen, n) }
func (m *SlotMeta) NextFree() uint32       { return atomic.LoadUint32(&m.nextFree) }
func (m *SlotMeta) SetNextFree(n uint32)   { atomic.StoreUint32(&m.nextFree, n) }

// ClassConfig is the creation-time shape of one size class.
type ClassConfig struct {
	SlotSize  uint32
	SlotCount uint32
}

// CreateConfig is everything the hub layout depends on. Peers never see it:
// they read the same values back out of the mapped headers.
type CreateConfig struct {
	MaxPeers     uint16
	RingCapacity uint32
	Classes      []ClassConfig
}

// ClassLayout is the resolved placement of one size class.
type ClassLayout struct {
	SlotSize  uint32
	SlotCount uint32
	HeaderOff uint64
	ExtentOff uint64
}

// Layout is the resolved placement of every region in the hub file. It is
// computed at creation and reconstructed from the headers at open.
type Layout struct {
	MaxPeers     uint32
	RingCapacity uint32
	PeerTableOff uint64
	RingBase     uint64
	RingBytes    uint64 // bytes per ring (header + descriptors)
	ClassBase    uint64
	Classes      []ClassLayout
	TotalSize    uint64
}

// SlotStride returns the per-slot stride (meta + payload) for a class.
func (l *Layout) SlotStride(class uint8) uint64 {
	return SlotMetaSize + uint64(l.Classes[class].SlotSize)
}

// SendRingOff returns the offset of peer i's send ring (written by the peer,
// read by the host). RecvRingOff is the opposite direction.
func (l *Layout) SendRingOff(peer uint32) uint64 {
	return l.RingBase + uint64(peer)*2*l.RingBytes
}

func (l *Layout) RecvRingOff(peer uint32) uint64 {
	return l.SendRingOff(peer) + l.RingBytes
}

// MaxPayload returns the largest payload any class can carry.
func (l *Layout) MaxPayload() uint32 {
	return l.Classes[len(l.Classes)-1].SlotSize
}

func alignUp64(n uint64) uint64 { return (n + 63) &^ 63 }

// IsPowerOfTwo reports whether n is a power of two.
func IsPowerOfTwo(n uint64) bool { return n > 0 && n&(n-1) == 0 }

// ComputeLayout resolves the hub file layout for a configuration.
func ComputeLayout(cfg CreateConfig) (*Layout, error) {
	if cfg.MaxPeers == 0 {
		return nil, fmt.Errorf("max_peers must be positive")
	}
	if !IsPowerOfTwo(uint64(cfg.RingCapacity)) {
		return nil, fmt.Errorf("ring capacity %d is not a power of two", cfg.RingCapacity)
	}
	if len(cfg.Classes) == 0 || len(cfg.Classes) > MaxSizeClasses {
		return nil, fmt.Errorf("need between 1 and %d size classes, got %d", MaxSizeClasses, len(cfg.Classes))
	}
	for i, c := range cfg.Classes {
		if c.SlotSize == 0 || c.SlotSize%8 != 0 {
			return nil, fmt.Errorf("class %d slot size %d is not a positive multiple of 8", i, c.SlotSize)
		}
		if i > 0 && c.SlotSize <= cfg.Classes[i-1].SlotSize {
			return nil, fmt.Errorf("class %d slot size %d does not grow over class %d", i, c.SlotSize, i-1)
		}
		if uint64(c.SlotCount) > uint64(slotIndexMask) {
			return nil, fmt.Errorf("class %d slot count %d exceeds the index space", i, c.SlotCount)
		}
	}

	l := &Layout{
		MaxPeers:     uint32(cfg.MaxPeers),
		RingCapacity: cfg.RingCapacity,
		PeerTableOff: HubHeaderSize,
	}
	l.RingBase = alignUp64(l.PeerTableOff + uint64(cfg.MaxPeers)*PeerEntrySize)
	l.RingBytes = alignUp64(RingHeaderSize + uint64(cfg.RingCapacity)*DescSize)
	l.ClassBase = l.RingBase + uint64(cfg.MaxPeers)*2*l.RingBytes

	extentOff := l.ClassBase + uint64(len(cfg.Classes))*SizeClassHeaderSize
	for i, c := range cfg.Classes {
		cl := ClassLayout{
			SlotSize:  c.SlotSize,
			SlotCount: c.SlotCount,
			HeaderOff: l.ClassBase + uint64(i)*SizeClassHeaderSize,
			ExtentOff: extentOff,
		}
		l.Classes = append(l.Classes, cl)
		stride := SlotMetaSize + uint64(c.SlotSize)
		extentOff = alignUp64(extentOff + ExtentHeaderSize + uint64(c.SlotCount)*stride)
	}
	l.TotalSize = extentOff
	return l, nil
}

// layoutFromHeaders reconstructs the layout of an already-initialized hub
// from its mapped headers. base must cover at least the header and class
// headers; the caller has validated magic and version.
func layoutFromHeaders(base unsafe.Pointer) (*Layout, error) {
	hdr := (*HubHeader)(base)
	cfg := CreateConfig{
		MaxPeers:     uint16(hdr.MaxPeers()),
		RingCapacity: hdr.RingCapacity(),
	}
	n := hdr.NumClasses()
	if n == 0 || n > MaxSizeClasses {
		return nil, fmt.Errorf("header declares %d size classes", n)
	}
	// Class geometry lives in the class headers; recompute the layout from
	// it and cross-check the stored extent offsets.
	classBase := alignUp64(HubHeaderSize+uint64(cfg.MaxPeers)*PeerEntrySize) +
		uint64(cfg.MaxPeers)*2*alignUp64(RingHeaderSize+uint64(cfg.RingCapacity)*DescSize)
	for i := uint32(0); i < n; i++ {
		ch := (*SizeClassHeader)(unsafe.Add(base, classBase+uint64(i)*SizeClassHeaderSize))
		cfg.Classes = append(cfg.Classes, ClassConfig{
			SlotSize:  ch.SlotSize(),
			SlotCount: ch.SlotCount(),
		})
	}
	l, err := ComputeLayout(cfg)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		ch := (*SizeClassHeader)(unsafe.Add(base, l.Classes[i].HeaderOff))
		if got := ch.ExtentOff(); got != l.Classes[i].ExtentOff {
			return nil, fmt.Errorf("class %d extent offset mismatch: header says %d, layout says %d",
				i, got, l.Classes[i].ExtentOff)
		}
	}
	return l, nil
}
