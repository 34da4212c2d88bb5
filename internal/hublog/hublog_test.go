/*
 *
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
 *
 */

package hublog

import "testing"

func TestDebugToggle(t *testing.T) {
	SetDebug(true)
	if !DebugEnabled() {
		t.Fatal("debug not enabled after SetDebug(true)")
	}
	SetDebug(false)
	if DebugEnabled() {
		t.Fatal("debug still enabled after SetDebug(false)")
	}
}

func TestLoggersDoNotPanic(t *testing.T) {
	l := New("test").With("peer", 3)
	l.Debugf("debug %d", 1)
	l.Infof("info %s", "x")
	l.Warnf("warn")
	l.Errorf("error %v", nil)
}
