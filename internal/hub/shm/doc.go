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

// Package shm implements the cell IPC hub: a single memory-mapped file that
// connects a host process to a bounded fleet of sibling worker processes
// ("cells").
//
// The hub file carries, for up to max_peers peers at once:
//
//   - a per-peer pair of single-producer/single-consumer descriptor rings,
//   - a shared slab allocator with size-classed payload slots,
//   - per-peer futex words for the ring-full blocking path.
//
// Beside the file, each peer owns one end of a datagram socketpair (the
// "doorbell") used to wake the other side's event loop. The ordering
// contract is publish-then-signal on the producer and check-then-wait on the
// consumer; under any other ordering wakeups can be missed.
//
// Crash safety comes from per-slot generation counters: a descriptor whose
// captured generation no longer matches the slot's current generation is
// dropped by the consumer, so reclaiming a dead peer's slots never races
// with descriptors still sitting on rings.
//
// All cross-process state lives inside the mapped file and is accessed with
// atomic loads and stores only; there are no shared mutexes.
package shm
