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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFrame(t *testing.T) {
	t.Parallel()

	f, err := NewFrame(0x7FF, []byte{1, 2})
	require.NoError(t, err)
	assert.False(t, f.Extended)
	assert.Equal(t, uint8(2), f.Len)
	assert.Equal(t, []byte{1, 2}, f.Payload())

	f, err = NewFrame(0x800, nil)
	require.NoError(t, err)
	assert.True(t, f.Extended, "ids above 0x7FF use extended framing")

	_, err = NewFrame(0x1, make([]byte, 9))
	require.ErrorIs(t, err, ErrInvalidFrame)

	_, err = NewFrame(MaxExtendedID+1, nil)
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestFrame_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		frame   Frame
		wantErr bool
	}{
		{name: "valid standard", frame: Frame{ID: 0x7FF, Len: 8}},
		{name: "valid extended", frame: Frame{ID: MaxExtendedID, Extended: true}},
		{name: "valid bus", frame: Frame{ID: 1, Bus: MaxBus}},
		{name: "dlc too large", frame: Frame{ID: 1, Len: 9}, wantErr: true},
		{name: "bus too large", frame: Frame{ID: 1, Bus: 16}, wantErr: true},
		{name: "standard id too large", frame: Frame{ID: 0x800}, wantErr: true},
		{name: "extended id too large", frame: Frame{ID: 0x20000000, Extended: true}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.frame.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidFrame)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestFrame_PayloadClamps(t *testing.T) {
	t.Parallel()

	f := Frame{Len: 200}
	assert.Len(t, f.Payload(), MaxDLC)
}

func TestFrame_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "123#DEADBEEF", mustFrame(t, 0x123, 0xDE, 0xAD, 0xBE, 0xEF).String())
	assert.Equal(t, "00F#", mustFrame(t, 0xF).String())
	assert.Equal(t, "18DAF110#01", mustFrame(t, 0x18DAF110, 1).String())
}
