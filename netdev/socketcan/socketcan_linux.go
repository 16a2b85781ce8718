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

//go:build linux

package socketcan

import (
	"errors"
	"fmt"
	"net"
	"time"

	pandacan "github.com/ZaparooProject/go-pandacan"
	"golang.org/x/sys/unix"
)

// DefaultReadTimeout is the SO_RCVTIMEO applied to the socket.
const DefaultReadTimeout = 100 * time.Millisecond

type rawConn struct {
	fd int
}

// Dial opens a raw CAN socket bound to the named interface.
func Dial(ifname string) (Conn, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil &&
		!errors.Is(err, unix.ENOPROTOOPT) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("disable CAN FD: %w", err)
	}

	tv := unix.NsecToTimeval(DefaultReadTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set receive timeout: %w", err)
	}

	ifi, err := net.InterfaceByName(ifname)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("interface %q: %w", ifname, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", ifname, err)
	}
	return &rawConn{fd: fd}, nil
}

func (c *rawConn) ReadFrame() (pandacan.Frame, error) {
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(c.fd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return pandacan.Frame{}, ErrTimeout
		}
		return pandacan.Frame{}, err
	}
	if n != unix.CAN_MTU {
		return pandacan.Frame{}, fmt.Errorf("short read: %d", n)
	}
	return DecodeFrame(buf[:])
}

func (c *rawConn) WriteFrame(f pandacan.Frame) error {
	buf := EncodeFrame(f)
	_, err := unix.Write(c.fd, buf[:])
	return err
}

func (c *rawConn) Close() error {
	return unix.Close(c.fd)
}
