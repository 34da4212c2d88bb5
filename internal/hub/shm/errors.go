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

import "errors"

// ErrFutexTimeout is returned by futexWaitTimeout when the wait times out.
var ErrFutexTimeout = errors.New("futex timeout")

// ErrHubFormat indicates the hub file has the wrong magic or version.
// It is fatal at open time; cells exit with code 3 on it.
var ErrHubFormat = errors.New("hub file magic/version mismatch")

// ErrPayloadTooLarge indicates a payload exceeds the largest size class.
var ErrPayloadTooLarge = errors.New("payload exceeds largest size class")

// ErrBackpressure indicates a ring or a size class stayed full past the
// caller's deadline.
var ErrBackpressure = errors.New("backpressure: no capacity within deadline")

// ErrPeerDead indicates the target peer entry is DEAD or was never issued.
var ErrPeerDead = errors.New("peer is dead or unknown")

// ErrPeerTableFull indicates every peer slot has been handed out.
var ErrPeerTableFull = errors.New("peer table exhausted")

// ErrStaleSlot indicates a slot ref that is out of range, or whose slot is
// not currently allocated (a double free, for example). Recv paths drop
// descriptors with a stale generation silently without this error.
var ErrStaleSlot = errors.New("stale slot reference")

// ErrMisconfigured indicates a size class that cannot serve any allocation
// (zero-capacity initial extent).
var ErrMisconfigured = errors.New("size class has no capacity")
