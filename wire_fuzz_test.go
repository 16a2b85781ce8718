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
	"testing"
)

// Receive buffers come straight from the adapter and may be truncated or
// garbage. None of the parsing steps may panic.
//
// Run with: go test -fuzz=FuzzSplitMessages -fuzztime=30s .

func FuzzSplitMessages(f *testing.F) {
	f.Add(recordBytes(Frame{ID: 0x123, Len: 2, Data: [8]byte{0xDE, 0xAD}}))
	f.Add(recordBytes(Frame{ID: 0x18DAF110, Extended: true, Len: 8}, Frame{ID: 1}))
	f.Add([]byte{})
	f.Add(make([]byte, WireMessageSize-1))
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, buf []byte) {
		msgs, rem := SplitMessages(buf)
		if len(msgs)*WireMessageSize+rem != len(buf) {
			t.Fatalf("%d messages + %d bytes != %d", len(msgs), rem, len(buf))
		}
		for _, m := range msgs {
			fr := Decode(m)
			if err := fr.Validate(); err != nil {
				t.Fatalf("decoded frame %+v is invalid: %v", fr, err)
			}
			if got := Decode(Encode(fr)); got != fr {
				t.Fatalf("re-encoding changed frame: %+v != %+v", got, fr)
			}
		}
	})
}

func FuzzEncode(f *testing.F) {
	f.Add(uint32(0x123), false, uint8(2), uint8(0))
	f.Add(uint32(0xFFFFFFFF), true, uint8(255), uint8(255))

	f.Fuzz(func(t *testing.T, id uint32, extended bool, dlc, bus uint8) {
		fr := Frame{ID: id, Extended: extended, Len: dlc, Bus: bus}
		b, err := Encode(fr).MarshalBinary()
		if err != nil || len(b) != WireMessageSize {
			t.Fatalf("marshal: %v, %d bytes", err, len(b))
		}
		if err := Decode(Encode(fr)).Validate(); err != nil {
			t.Fatalf("clamped frame is invalid: %v", err)
		}
	})
}
