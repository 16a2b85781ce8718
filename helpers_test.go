// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pandacan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type adapterEvent struct {
	kind  string
	frame Frame
	slot  int
}

// recordingAdapter is a NetAdapter and EchoAdapter that logs every call.
type recordingAdapter struct {
	events []adapterEvent
	mu     sync.Mutex
}

func (r *recordingAdapter) record(ev adapterEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingAdapter) Deliver(f Frame) { r.record(adapterEvent{kind: "deliver", frame: f}) }
func (r *recordingAdapter) PauseQueue()     { r.record(adapterEvent{kind: "pause"}) }
func (r *recordingAdapter) ResumeQueue()    { r.record(adapterEvent{kind: "resume"}) }
func (r *recordingAdapter) RecordDrop()     { r.record(adapterEvent{kind: "drop"}) }

func (r *recordingAdapter) RecordTxComplete(slot int) {
	r.record(adapterEvent{kind: "txdone", slot: slot})
}

func (r *recordingAdapter) PutEcho(slot int, f Frame) {
	r.record(adapterEvent{kind: "putecho", slot: slot, frame: f})
}

func (r *recordingAdapter) FreeEcho(slot int) {
	r.record(adapterEvent{kind: "freeecho", slot: slot})
}

func (r *recordingAdapter) snapshot() []adapterEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]adapterEvent(nil), r.events...)
}

func (r *recordingAdapter) count(kind string) int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev.kind == kind {
			n++
		}
	}
	return n
}

func (r *recordingAdapter) delivered() []Frame {
	var frames []Frame
	for _, ev := range r.snapshot() {
		if ev.kind == "deliver" {
			frames = append(frames, ev.frame)
		}
	}
	return frames
}

// createMockDevice returns an open device on a mock transport. The device is
// closed when the test ends.
func createMockDevice(t *testing.T, opts ...Option) (*Device, *MockTransport, *recordingAdapter) {
	t.Helper()
	mock := NewMockTransport()
	adapter := &recordingAdapter{}
	device, err := New(mock, adapter, opts...)
	require.NoError(t, err)
	require.NoError(t, device.Open(context.Background()))
	t.Cleanup(func() { _ = device.Close(context.Background()) })
	return device, mock, adapter
}

func mustFrame(t *testing.T, id uint32, data ...byte) Frame {
	t.Helper()
	f, err := NewFrame(id, data)
	require.NoError(t, err)
	return f
}

// recordBytes encodes frames into one receive buffer as the adapter would
// batch them.
func recordBytes(frames ...Frame) []byte {
	buf := make([]byte, 0, len(frames)*WireMessageSize)
	for _, f := range frames {
		m := Encode(f)
		m.RIR &^= rirTransmit
		b, _ := m.MarshalBinary()
		buf = append(buf, b...)
	}
	return buf
}

func eventually(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond, msgAndArgs...)
}
