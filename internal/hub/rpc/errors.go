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
	"context"
	"errors"
	"fmt"

	"github.com/sugawarayuuta/sonnet"

	"github.com/bearcove/dodeca/internal/hub/shm"
)

// ErrorKind is the taxonomy every per-call failure maps onto. It travels in
// ERROR frame payloads, so both sides agree on what went wrong.
type ErrorKind uint32

const (
	KindUnknown ErrorKind = iota
	KindPayloadTooLarge
	KindBackpressure
	KindCancelled
	KindDeserialize
	KindSerialize
	KindMethod
	KindTransport
	KindChannelProtocol
	KindPeerDead
)

var kindNames = map[ErrorKind]string{
	KindUnknown:         "Unknown",
	KindPayloadTooLarge: "PayloadTooLarge",
	KindBackpressure:    "Backpressure",
	KindCancelled:       "Cancelled",
	KindDeserialize:     "Deserialize",
	KindSerialize:       "Serialize",
	KindMethod:          "Method",
	KindTransport:       "Transport",
	KindChannelProtocol: "ChannelProtocol",
	KindPeerDead:        "PeerDead",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", uint32(k))
}

func kindFromName(name string) ErrorKind {
	for k, s := range kindNames {
		if s == name {
			return k
		}
	}
	return KindUnknown
}

// Error is a per-call RPC failure. The transport underneath stays up.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from any error, mapping transport sentinels and
// context cancellation onto the taxonomy.
func KindOf(err error) ErrorKind {
	var e *Error
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &e):
		return e.Kind
	case errors.Is(err, shm.ErrPayloadTooLarge):
		return KindPayloadTooLarge
	case errors.Is(err, shm.ErrBackpressure):
		return KindBackpressure
	case errors.Is(err, shm.ErrPeerDead):
		return KindPeerDead
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindTransport
	}
}

// asError normalizes any error into *Error.
func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindOf(err), Message: err.Error()}
}

// wireError is the ERROR frame payload: a tagged kind plus an opaque
// message.
type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func encodeError(e *Error) []byte {
	b, err := sonnet.Marshal(wireError{Kind: e.Kind.String(), Message: e.Message})
	if err != nil {
		return []byte(`{"kind":"Unknown","message":"error encoding failed"}`)
	}
	return b
}

func decodeError(payload []byte) *Error {
	var w wireError
	if err := sonnet.Unmarshal(payload, &w); err != nil {
		return &Error{Kind: KindUnknown, Message: "undecodable error payload"}
	}
	return &Error{Kind: kindFromName(w.Kind), Message: w.Message}
}
