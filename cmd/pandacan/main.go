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

// Command pandacan brings up a Panda CAN adapter and bridges it to a
// SocketCAN interface, or prints received frames when no interface is set.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	pandacan "github.com/ZaparooProject/go-pandacan"
	"github.com/ZaparooProject/go-pandacan/detection"
	_ "github.com/ZaparooProject/go-pandacan/detection/serial"
	_ "github.com/ZaparooProject/go-pandacan/detection/usb"
	"github.com/ZaparooProject/go-pandacan/netdev"
	"github.com/ZaparooProject/go-pandacan/netdev/socketcan"
	"github.com/ZaparooProject/go-pandacan/transport/serial"
	"github.com/ZaparooProject/go-pandacan/transport/usb"
)

// newTransportFromDevice creates a transport for a detected adapter.
func newTransportFromDevice(device detection.DeviceInfo) (pandacan.Transport, error) {
	switch strings.ToLower(device.Transport) {
	case "usb":
		t, err := usb.FromDeviceInfo(device)
		if err != nil {
			return nil, fmt.Errorf("failed to create USB transport: %w", err)
		}
		return t, nil
	case "serial":
		t, err := serial.New(device.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create serial transport: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", device.Transport)
	}
}

// transportFactory returns the factory for an explicitly named transport.
func transportFactory(kind string) (pandacan.TransportFactory, error) {
	switch strings.ToLower(kind) {
	case "", "usb":
		return usb.Factory, nil
	case "serial":
		return func(path string) (pandacan.Transport, error) {
			return serial.New(path)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", kind)
	}
}

func connectOptions(cfg config, iface *netdev.Interface) ([]pandacan.ConnectOption, error) {
	opts := []pandacan.ConnectOption{
		pandacan.WithAdapter(iface),
		pandacan.WithConnectTimeout(cfg.ConnectTimeout),
		pandacan.WithDeviceOptions(
			pandacan.WithBus(cfg.Bus),
			pandacan.WithCloseTimeout(cfg.CloseTimeout),
			pandacan.WithOnDetach(func(err error) {
				log.Printf("adapter detached: %v", err)
			}),
		),
	}

	if cfg.Device == "" {
		log.Printf("auto-detecting Panda adapters")
		return append(opts,
			pandacan.WithAutoDetection(),
			pandacan.WithTransportFromDeviceFactory(newTransportFromDevice)), nil
	}

	factory, err := transportFactory(cfg.Transport)
	if err != nil {
		return nil, err
	}
	log.Printf("opening %s adapter %s", cfg.Transport, cfg.Device)
	return append(opts, pandacan.WithTransportFactory(factory)), nil
}

// dumpFrames prints received frames until ctx is cancelled or the adapter
// goes away.
func dumpFrames(ctx context.Context, w io.Writer, iface *netdev.Interface, detached <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-detached:
			return pandacan.ErrDeviceGone
		case m := <-iface.Messages():
			marker := "rx"
			if m.Echo {
				marker = "tx"
			}
			_, _ = fmt.Fprintf(w, "%s %s %s\n", iface.Name(), marker, m.Frame)
		}
	}
}

func bridgeFrames(ctx context.Context, cfg config, iface *netdev.Interface, detached <-chan struct{}) error {
	conn, err := socketcan.Dial(cfg.Interface)
	if err != nil {
		return err
	}
	log.Printf("bridging adapter to %s", cfg.Interface)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-detached:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := socketcan.NewBridge(conn, iface).Run(ctx); err != nil {
		return err
	}
	select {
	case <-detached:
		return pandacan.ErrDeviceGone
	default:
		return ctx.Err()
	}
}

func printStats(w io.Writer, dev pandacan.Stats, ifs netdev.Stats) {
	_, _ = fmt.Fprintf(w, "tx: %d packets, %d bytes, %d dropped, %d errors\n",
		dev.TxPackets, dev.TxBytes, dev.TxDropped, dev.TxErrors)
	_, _ = fmt.Fprintf(w, "rx: %d packets, %d bytes, %d framing errors, %d errors\n",
		dev.RxPackets, dev.RxBytes, dev.RxFramingErrors, dev.RxErrors)
	_, _ = fmt.Fprintf(w, "rx: %d resubmits, %d queue drops, %d echoed\n", dev.RxResubmits, ifs.RxDropped, ifs.Echoed)
}

func run(ctx context.Context, cfg config) error {
	name := cfg.Interface
	if name == "" {
		name = netdev.DefaultConfig().Name
	}
	iface := netdev.New(netdev.Config{Name: name, RxQueueLen: cfg.RxQueueLen, Echo: cfg.Echo})

	opts, err := connectOptions(cfg, iface)
	if err != nil {
		return err
	}
	device, err := pandacan.ConnectDevice(cfg.Device, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to Panda adapter: %w", err)
	}
	iface.Bind(device)
	log.Printf("adapter up on %s (%d bps)", device.Transport().Type(), device.Bitrate())

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.CloseTimeout)
		defer cancel()
		if err := device.Disconnect(closeCtx); err != nil {
			log.Printf("failed to close device: %v", err)
		}
		printStats(os.Stdout, device.Stats(), iface.Stats())
	}()

	if cfg.Interface != "" {
		return bridgeFrames(ctx, cfg, iface, device.Detached())
	}
	return dumpFrames(ctx, os.Stdout, iface, device.Detached())
}

func main() {
	os.Exit(mainWithExitCode(os.Args[1:]))
}

func mainWithExitCode(args []string) int {
	cfg, err := parseConfig(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if err := setupLogging(cfg); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = pandacan.CloseSessionLog() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Print("shutting down")
		cancel()
	}()

	start := time.Now()
	err = run(ctx, cfg)
	log.Printf("ran for %s", time.Since(start).Round(time.Second))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		log.Printf("Error: %v", err)
		return 1
	}
	return 0
}
