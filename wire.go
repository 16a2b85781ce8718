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
	"encoding/binary"
	"fmt"
)

// WireMessageSize is the size of one CAN record on both USB endpoints.
const WireMessageSize = 16

// Bit layout of the rir word.
const (
	rirTransmit      = 1 << 0
	rirExtended      = 1 << 2
	rirExtendedShift = 3
	rirStandardShift = 21

	busDLCMask  = 0x0F
	busIdxShift = 4
)

// WireMessage is the adapter's fixed 16-byte little-endian record:
//
//	0..3   rir      bit0 transmit, bit2 extended, id<<3 (ext) or id<<21 (std)
//	4..7   bus_dlc  bits 0-3 DLC, bits 4-7 bus index
//	8..15  data     payload, first DLC bytes meaningful
type WireMessage struct {
	RIR    uint32
	BusDLC uint32
	Data   [8]byte
}

// Encode converts a frame into its outbound wire record. The transmit flag is
// always set. DLC is clamped to 8 so an unchecked caller can never make the
// adapter read past the payload.
func Encode(f Frame) WireMessage {
	var m WireMessage

	if f.Extended {
		m.RIR = (f.ID&MaxExtendedID)<<rirExtendedShift | rirTransmit | rirExtended
	} else {
		m.RIR = (f.ID&MaxStandardID)<<rirStandardShift | rirTransmit
	}

	dlc := f.Len
	if dlc > MaxDLC {
		dlc = MaxDLC
	}
	m.BusDLC = uint32(dlc&busDLCMask) | uint32(f.Bus&MaxBus)<<busIdxShift
	copy(m.Data[:dlc], f.Data[:dlc])

	return m
}

// Decode converts an inbound wire record into a frame. The DLC nibble is
// clamped to 8; bytes past the DLC are left zero.
func Decode(m WireMessage) Frame {
	var f Frame

	if m.RIR&rirExtended != 0 {
		f.Extended = true
		f.ID = (m.RIR >> rirExtendedShift) & MaxExtendedID
	} else {
		f.ID = m.RIR >> rirStandardShift
	}

	dlc := uint8(m.BusDLC & busDLCMask) //nolint:gosec // masked to 4 bits
	if dlc > MaxDLC {
		dlc = MaxDLC
	}
	f.Len = dlc
	f.Bus = uint8((m.BusDLC >> busIdxShift) & MaxBus) //nolint:gosec // masked to 4 bits
	copy(f.Data[:dlc], m.Data[:dlc])

	return f
}

// IsTransmit reports whether the record carries the transmit-direction flag.
func (m WireMessage) IsTransmit() bool {
	return m.RIR&rirTransmit != 0
}

// MarshalTo writes the record into b, which must hold WireMessageSize bytes.
func (m WireMessage) MarshalTo(b []byte) {
	_ = b[WireMessageSize-1]
	binary.LittleEndian.PutUint32(b[0:4], m.RIR)
	binary.LittleEndian.PutUint32(b[4:8], m.BusDLC)
	copy(b[8:16], m.Data[:])
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m WireMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, WireMessageSize)
	m.MarshalTo(b)
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *WireMessage) UnmarshalBinary(b []byte) error {
	parsed, err := ParseWireMessage(b)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseWireMessage reads one record from the start of b.
func ParseWireMessage(b []byte) (WireMessage, error) {
	if len(b) < WireMessageSize {
		return WireMessage{}, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidMessage, WireMessageSize, len(b))
	}
	var m WireMessage
	m.RIR = binary.LittleEndian.Uint32(b[0:4])
	m.BusDLC = binary.LittleEndian.Uint32(b[4:8])
	copy(m.Data[:], b[8:16])
	return m, nil
}

// SplitMessages parses every complete record in b, in wire order, and returns
// the number of trailing bytes that do not form a whole record.
func SplitMessages(b []byte) (msgs []WireMessage, remainder int) {
	count := len(b) / WireMessageSize
	msgs = make([]WireMessage, 0, count)
	for pos := 0; pos+WireMessageSize <= len(b); pos += WireMessageSize {
		m, _ := ParseWireMessage(b[pos : pos+WireMessageSize])
		msgs = append(msgs, m)
	}
	return msgs, len(b) % WireMessageSize
}
