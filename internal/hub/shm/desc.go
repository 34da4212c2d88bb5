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

import "encoding/binary"

// Descriptor flags. One descriptor may carry several (RESPONSE|STREAMING,
// DATA|EOS is not used — EOS travels alone).
const (
	FlagRequest   = uint32(1 << 0)
	FlagResponse  = uint32(1 << 1)
	FlagData      = uint32(1 << 2)
	FlagEOS       = uint32(1 << 3)
	FlagCancel    = uint32(1 << 4)
	FlagError     = uint32(1 << 5)
	FlagStreaming = uint32(1 << 6)
)

// MsgDesc is the 64-byte descriptor carried by rings. Wire layout
// (little-endian, offsets frozen for HubVersion 1):
//
//	0x00 channel_id       u32
//	0x04 flags            u32
//	0x08 payload_slot_ref u32
//	0x0C payload_len      u32
//	0x10 correlation_id   u64
//	0x18 slot_generation  u32
//	0x1C method_id        u32
//	0x20-0x3F reserved (zero)
type MsgDesc struct {
	ChannelID      uint32
	Flags          uint32
	PayloadSlotRef SlotRef
	PayloadLen     uint32
	CorrelationID  uint64
	SlotGeneration uint32
	MethodID       uint32
}

// HasFlag reports whether every bit of f is set on the descriptor.
func (d *MsgDesc) HasFlag(f uint32) bool { return d.Flags&f == f }

// EncodeDesc writes the wire form of d.
func EncodeDesc(d *MsgDesc, dst *[DescSize]byte) {
	b := dst[:]
	binary.LittleEndian.PutUint32(b[0:4], d.ChannelID)
	binary.LittleEndian.PutUint32(b[4:8], d.Flags)
	binary.LittleEndian.PutUint32(b[8:12], uint32(d.PayloadSlotRef))
	binary.LittleEndian.PutUint32(b[12:16], d.PayloadLen)
	binary.LittleEndian.PutUint64(b[16:24], d.CorrelationID)
	binary.LittleEndian.PutUint32(b[24:28], d.SlotGeneration)
	binary.LittleEndian.PutUint32(b[28:32], d.MethodID)
	for i := 32; i < DescSize; i++ {
		b[i] = 0
	}
}

// DecodeDesc parses the wire form.
func DecodeDesc(b *[DescSize]byte) MsgDesc {
	return MsgDesc{
		ChannelID:      binary.LittleEndian.Uint32(b[0:4]),
		Flags:          binary.LittleEndian.Uint32(b[4:8]),
		PayloadSlotRef: SlotRef(binary.LittleEndian.Uint32(b[8:12])),
		PayloadLen:     binary.LittleEndian.Uint32(b[12:16]),
		CorrelationID:  binary.LittleEndian.Uint64(b[16:24]),
		SlotGeneration: binary.LittleEndian.Uint32(b[24:28]),
		MethodID:       binary.LittleEndian.Uint32(b[28:32]),
	}
}
