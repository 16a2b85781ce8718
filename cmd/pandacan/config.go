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

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	pandacan "github.com/ZaparooProject/go-pandacan"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

type logConfig struct {
	Directory  string `yaml:"directory"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

type config struct {
	// Device is a transport path; empty means auto-detect.
	Device string `yaml:"device"`
	// Transport selects the factory for Device: "usb" or "serial".
	Transport string `yaml:"transport"`
	// Interface is the SocketCAN interface to bridge; empty dumps frames.
	Interface      string        `yaml:"interface"`
	Logs           logConfig     `yaml:"logs"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	CloseTimeout   time.Duration `yaml:"closeTimeout"`
	RxQueueLen     int           `yaml:"rxQueueLen"`
	Bus            uint8         `yaml:"bus"`
	Echo           bool          `yaml:"echo"`
	Debug          bool          `yaml:"debug"`
}

func defaultConfig() config {
	return config{
		Transport:      "usb",
		ConnectTimeout: 10 * time.Second,
		CloseTimeout:   pandacan.DefaultDeviceConfig().CloseTimeout,
		RxQueueLen:     256,
		Echo:           true,
		Logs: logConfig{
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxAgeDays: 7,
			MaxBackups: 3,
		},
	}
}

// loadConfig reads path over the defaults. A missing file at the default
// location is not an error.
func loadConfig(path string, required bool) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path) //nolint:gosec // operator supplied config path
	if err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	if cfg.Logs.Directory != "" && !filepath.IsAbs(cfg.Logs.Directory) {
		cfg.Logs.Directory = filepath.Join(filepath.Dir(path), cfg.Logs.Directory)
	}
	return cfg, nil
}

// parseConfig loads the config file and applies flags that were set
// explicitly on top of it.
func parseConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("pandacan", flag.ContinueOnError)
	configPath := fs.String("config", "pandacan.yaml", "path to configuration file")
	device := fs.String("device", "", "transport path (auto-detect if empty)")
	transport := fs.String("transport", "usb", "transport for -device: usb or serial")
	iface := fs.String("iface", "", "SocketCAN interface to bridge (dump frames if empty)")
	bus := fs.Uint("bus", 0, "default CAN bus index for outgoing frames")
	echo := fs.Bool("echo", true, "echo confirmed transmissions to local readers")
	debug := fs.Bool("debug", false, "enable debug output")
	connectTimeout := fs.Duration("connect-timeout", 10*time.Second, "detection and bring-up timeout")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg, err := loadConfig(*configPath, set["config"])
	if err != nil {
		return cfg, err
	}

	if set["device"] {
		cfg.Device = *device
	}
	if set["transport"] {
		cfg.Transport = *transport
	}
	if set["iface"] {
		cfg.Interface = *iface
	}
	if set["bus"] {
		if *bus > pandacan.MaxBus {
			return cfg, fmt.Errorf("bus must be 0-%d, got %d", pandacan.MaxBus, *bus)
		}
		cfg.Bus = uint8(*bus) //nolint:gosec // bounded above
	}
	if set["echo"] {
		cfg.Echo = *echo
	}
	if set["debug"] {
		cfg.Debug = *debug
	}
	if set["connect-timeout"] {
		cfg.ConnectTimeout = *connectTimeout
	}
	return cfg, nil
}

func setupLogging(cfg config) error {
	if err := os.MkdirAll(cfg.Logs.Directory, 0o750); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Logs.Directory, "pandacand.log"),
		MaxSize:    cfg.Logs.MaxSizeMB,
		MaxAge:     cfg.Logs.MaxAgeDays,
		MaxBackups: cfg.Logs.MaxBackups,
		Compress:   cfg.Logs.Compress,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if cfg.Debug {
		pandacan.SetDebugEnabled(true)
		path, err := pandacan.InitRotatingSessionLog(pandacan.LogRotation{
			Directory:  cfg.Logs.Directory,
			MaxSizeMB:  cfg.Logs.MaxSizeMB,
			MaxAgeDays: cfg.Logs.MaxAgeDays,
			MaxBackups: cfg.Logs.MaxBackups,
			Compress:   cfg.Logs.Compress,
		})
		if err != nil {
			return err
		}
		log.Printf("debug session log: %s", path)
	}
	return nil
}
