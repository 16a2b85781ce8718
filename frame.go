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
	"encoding/hex"
	"fmt"
	"strings"
)

// Identifier and length limits for classical CAN.
const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
	MaxDLC        = 8
	MaxBus        = 0x0F
)

// Frame is a classical CAN frame as exchanged with the network stack.
//
// Remote frames are not modelled. Frames are values; once built they are
// not mutated by the driver.
type Frame struct {
	ID       uint32  // 11-bit (standard) or 29-bit (extended) arbitration id
	Extended bool    // true for 29-bit identifiers
	Len      uint8   // data length code, 0..8
	Bus      uint8   // adapter bus index, 0..15
	Data     [8]byte // payload; only Data[:Len] is meaningful
}

// NewFrame builds a frame on bus 0. Identifiers above 0x7FF select extended
// framing.
func NewFrame(id uint32, data []byte) (Frame, error) {
	if len(data) > MaxDLC {
		return Frame{}, fmt.Errorf("%w: %d data bytes", ErrInvalidFrame, len(data))
	}
	f := Frame{
		ID:       id,
		Extended: id > MaxStandardID,
		Len:      uint8(len(data)), //nolint:gosec // bounded by MaxDLC above
	}
	copy(f.Data[:], data)
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate returns an error if the frame cannot be put on the wire.
func (f Frame) Validate() error {
	if f.Len > MaxDLC {
		return fmt.Errorf("%w: dlc %d", ErrInvalidFrame, f.Len)
	}
	if f.Bus > MaxBus {
		return fmt.Errorf("%w: bus %d", ErrInvalidFrame, f.Bus)
	}
	limit := uint32(MaxStandardID)
	if f.Extended {
		limit = MaxExtendedID
	}
	if f.ID > limit {
		return fmt.Errorf("%w: id 0x%X out of range", ErrInvalidFrame, f.ID)
	}
	return nil
}

// Payload returns the meaningful data bytes.
func (f Frame) Payload() []byte {
	n := f.Len
	if n > MaxDLC {
		n = MaxDLC
	}
	return f.Data[:n]
}

// String renders the frame in candump compact notation, e.g. "123#DEADBEEF".
func (f Frame) String() string {
	id := fmt.Sprintf("%03X", f.ID)
	if f.Extended {
		id = fmt.Sprintf("%08X", f.ID)
	}
	return id + "#" + strings.ToUpper(hex.EncodeToString(f.Payload()))
}
