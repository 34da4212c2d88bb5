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

// Package cellproto declares the method specs and payload shapes shared by
// the host and the cells that implement them. Both sides construct the same
// specs, so the derived method ids agree by construction.
package cellproto

import "github.com/bearcove/dodeca/internal/hub/rpc"

// Echo service: the smallest possible cell, used by the demo and the test
// suite.
var (
	// Echo returns its request message unchanged.
	Echo = rpc.NewMethod("Echo", "echo", "EchoRequest", "EchoResponse")

	// EchoBlast streams raw zero-filled chunks of the requested sizes,
	// then EOS.
	EchoBlast = rpc.NewMethod("Echo", "blast", "BlastRequest", "bytes")
)

// EchoRequest asks for its message back.
type EchoRequest struct {
	Message string `json:"message"`
}

// EchoResponse carries the echoed message.
type EchoResponse struct {
	Message string `json:"message"`
}

// BlastRequest names the chunk sizes to stream, in order.
type BlastRequest struct {
	Sizes []int `json:"sizes"`
}
