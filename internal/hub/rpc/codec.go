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

import "github.com/sugawarayuuta/sonnet"

// Codec serializes call arguments and replies at the session edges. The
// transport is payload-agnostic; any self-describing codec with a stable
// layout across host and cell works. Host and cells must agree.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return sonnet.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return sonnet.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// DefaultCodec is what sessions use unless configured otherwise.
var DefaultCodec Codec = JSONCodec{}
