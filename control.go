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
	"fmt"
)

// Control request parameters of the Panda firmware.
const (
	// RequestOutputEnable switches the adapter's CAN output on or off.
	RequestOutputEnable = 0xDC
	// OutputEnableMagic is the wValue that enables output; zero disables it.
	OutputEnableMagic = 0x1337

	// RequestTypeVendorOut is USB_DIR_OUT | USB_TYPE_VENDOR | USB_RECIP_DEVICE.
	RequestTypeVendorOut = 0x40
)

// SetOutputEnable turns the adapter's CAN output on or off. The adapter
// stays silent on the bus until output has been enabled.
func SetOutputEnable(ctx context.Context, t Transport, enable bool) error {
	req := ControlRequest{
		RequestType: RequestTypeVendorOut,
		Request:     RequestOutputEnable,
	}
	if enable {
		req.Value = OutputEnableMagic
	}

	if _, err := t.Control(ctx, req); err != nil {
		return fmt.Errorf("output enable request (enable=%t): %w", enable, err)
	}
	Debugf("output enable set to %t", enable)
	return nil
}
