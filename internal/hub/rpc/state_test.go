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

package rpc

import (
	"errors"
	"testing"

	"github.com/bearcove/dodeca/internal/hub/shm"
)

func TestChannelStateMachineTable(t *testing.T) {
	legal := []struct {
		name  string
		from  channelState
		flags uint32
		to    channelState
	}{
		{"idle+request", stateIdle, shm.FlagRequest, stateAwaitingResponse},
		{"awaiting+final-response", stateAwaitingResponse, shm.FlagResponse, stateClosed},
		{"awaiting+streaming-response", stateAwaitingResponse, shm.FlagResponse | shm.FlagStreaming, stateStreaming},
		{"awaiting+data", stateAwaitingResponse, shm.FlagData, stateStreaming},
		{"streaming+data", stateStreaming, shm.FlagData, stateStreaming},
		{"streaming+eos", stateStreaming, shm.FlagEOS, stateClosed},
		{"idle+cancel", stateIdle, shm.FlagCancel, stateCancelled},
		{"awaiting+cancel", stateAwaitingResponse, shm.FlagCancel, stateCancelled},
		{"streaming+cancel", stateStreaming, shm.FlagCancel, stateCancelled},
		{"closed+cancel", stateClosed, shm.FlagCancel, stateCancelled},
		{"idle+error", stateIdle, shm.FlagError, stateFailed},
		{"awaiting+error", stateAwaitingResponse, shm.FlagError, stateFailed},
		{"streaming+error", stateStreaming, shm.FlagError, stateFailed},
	}
	for _, c := range legal {
		got, err := advance(c.from, c.flags)
		if err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
		}
		if got != c.to {
			t.Errorf("%s: went to %d, want %d", c.name, got, c.to)
		}
	}

	illegal := []struct {
		name  string
		from  channelState
		flags uint32
	}{
		{"idle+data", stateIdle, shm.FlagData},
		{"idle+response", stateIdle, shm.FlagResponse},
		{"idle+eos", stateIdle, shm.FlagEOS},
		{"awaiting+request", stateAwaitingResponse, shm.FlagRequest},
		{"awaiting+eos", stateAwaitingResponse, shm.FlagEOS},
		{"streaming+request", stateStreaming, shm.FlagRequest},
		{"streaming+response", stateStreaming, shm.FlagResponse},
		{"closed+data", stateClosed, shm.FlagData},
		{"closed+request", stateClosed, shm.FlagRequest},
		{"closed+eos", stateClosed, shm.FlagEOS},
	}
	for _, c := range illegal {
		got, err := advance(c.from, c.flags)
		if err == nil {
			t.Errorf("%s: accepted, went to %d", c.name, got)
			continue
		}
		var e *Error
		if !errors.As(err, &e) || e.Kind != KindChannelProtocol {
			t.Errorf("%s: error %v is not ChannelProtocol", c.name, err)
		}
		if got != stateFailed {
			t.Errorf("%s: illegal flags left state %d, want failed", c.name, got)
		}
	}
}

func TestMethodIDStable(t *testing.T) {
	a := MethodID("Echo", "echo", "EchoRequest", "EchoResponse")
	b := MethodID("Echo", "echo", "EchoRequest", "EchoResponse")
	if a != b {
		t.Fatalf("method id not stable: %#x vs %#x", a, b)
	}
	// Any shape change is a different method.
	variants := []uint32{
		MethodID("Echo", "echo", "EchoRequest", "OtherResponse"),
		MethodID("Echo", "echo", "OtherRequest", "EchoResponse"),
		MethodID("Echo", "other", "EchoRequest", "EchoResponse"),
		MethodID("Other", "echo", "EchoRequest", "EchoResponse"),
	}
	for i, v := range variants {
		if v == a {
			t.Errorf("variant %d collides with base id", i)
		}
	}
	if a == 0 {
		t.Error("method id 0 is reserved for control frames")
	}
}

func TestErrorWireRoundTrip(t *testing.T) {
	for kind := range kindNames {
		e := &Error{Kind: kind, Message: "boom"}
		got := decodeError(encodeError(e))
		if got.Kind != kind || got.Message != "boom" {
			t.Errorf("round trip of %v gave %v", e, got)
		}
	}
	// Unknown payloads degrade, never panic.
	if e := decodeError([]byte("not json")); e.Kind != KindUnknown {
		t.Errorf("garbage payload decoded to %v", e)
	}
}

func TestKindOfMapsTransportErrors(t *testing.T) {
	cases := map[error]ErrorKind{
		shm.ErrPayloadTooLarge: KindPayloadTooLarge,
		shm.ErrBackpressure:    KindBackpressure,
		shm.ErrPeerDead:        KindPeerDead,
	}
	for err, want := range cases {
		if got := KindOf(err); got != want {
			t.Errorf("KindOf(%v) = %v, want %v", err, got, want)
		}
	}
}
