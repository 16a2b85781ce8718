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

// NetAdapter is the network stack side of the driver. The device delivers
// received frames and flow-control signals through it and reports the fate
// of every transmitted frame.
//
// Implementations must not block: methods are called from the transmit path
// and from the completion goroutine.
type NetAdapter interface {
	// Deliver hands a received frame to the stack.
	Deliver(f Frame)
	// PauseQueue stops the stack from pushing more frames.
	PauseQueue()
	// ResumeQueue allows the stack to push frames again. It is called
	// redundantly and must be idempotent.
	ResumeQueue()
	// RecordTxComplete reports that the frame sent through slot has left
	// the adapter and its echo can be finalized.
	RecordTxComplete(slot int)
	// RecordDrop reports a frame that was accepted but never sent.
	RecordDrop()
}

// EchoAdapter is an optional NetAdapter capability for stacks that loop
// transmitted frames back to local listeners once the adapter confirms them.
type EchoAdapter interface {
	// PutEcho stores f until slot completes.
	PutEcho(slot int, f Frame)
	// FreeEcho discards the stored frame for a slot that will never complete.
	FreeEcho(slot int)
}

// queueSignals adapts a NetAdapter to the pool's Backpressure interface.
// Resume is suppressed while the device is not active so cancelled
// completions during teardown cannot restart a halted queue.
type queueSignals struct {
	adapter NetAdapter
	active  func() bool
}

func (q queueSignals) Pause() {
	q.adapter.PauseQueue()
}

func (q queueSignals) Resume() {
	if q.active() {
		q.adapter.ResumeQueue()
	}
}

// NopAdapter discards everything. Useful when only the device statistics are
// of interest.
type NopAdapter struct{}

func (NopAdapter) Deliver(Frame)        {}
func (NopAdapter) PauseQueue()          {}
func (NopAdapter) ResumeQueue()         {}
func (NopAdapter) RecordTxComplete(int) {}
func (NopAdapter) RecordDrop()          {}
