// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// mt7927ctl brings an MT7927 PCIe card from power-on to running
// firmware and prints a diagnostic summary of how far it got.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtk-wifi/mt7927/pkg/bringup"
	"github.com/mtk-wifi/mt7927/pkg/chip"
	"github.com/mtk-wifi/mt7927/pkg/firmware"
	"github.com/mtk-wifi/mt7927/pkg/logger"
	"github.com/mtk-wifi/mt7927/pkg/metric"
	"github.com/mtk-wifi/mt7927/pkg/mmio"
)

var log = logger.LogContainer.GetSimpleLogger()

var (
	resource    = flag.String("resource", "", "PCI BAR resource file; autodetected when empty")
	firmwareDir = flag.String("firmware-dir", firmware.DefaultDir, "Directory the firmware images are loaded from")
	aspm        = flag.Bool("aspm", false, "Keep PCIe link power management enabled during the handoff")
	trace       = flag.Bool("trace", false, "Log every register access")
	teardown    = flag.Bool("teardown", false, "Quiesce the device and return it to firmware ownership on exit")
	listen      = flag.String("listen", "", "Address to serve /metrics on; one-shot when empty")
)

// findResource locates BAR0 of the first MT7927 on the bus.
func findResource() (string, error) {
	devs, err := filepath.Glob("/sys/bus/pci/devices/*/vendor")
	if err != nil {
		return "", err
	}
	for _, v := range devs {
		vendor, err := os.ReadFile(v)
		if err != nil || strings.TrimSpace(string(vendor)) != "0x14c3" {
			continue
		}
		dir := filepath.Dir(v)
		device, err := os.ReadFile(filepath.Join(dir, "device"))
		if err != nil || strings.TrimSpace(string(device)) != "0x7927" {
			continue
		}
		return filepath.Join(dir, "resource0"), nil
	}
	return "", fmt.Errorf("no MT7927 found on the PCI bus")
}

func serveMetrics(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("could not listen: %v", err)
	}
	mux := http.NewServeMux()
	metric.StartMetrics(mux)
	mux.Handle("/metrics/runtime", promhttp.Handler())
	go func() {
		if err := http.Serve(l, mux); err != nil {
			log.Error(err)
		}
	}()
	return nil
}

func run(ctx context.Context) error {
	path := *resource
	if path == "" {
		var err error
		if path, err = findResource(); err != nil {
			return err
		}
		log.Infof("using %s", path)
	}

	mem, err := mmio.OpenResource(path)
	if err != nil {
		return err
	}
	rev := chip.MT7927()
	w := mmio.NewWindow(mem, mem.Size(), mmio.Remap{
		Sel:  rev.RemapSel,
		Base: rev.RemapBase,
		Size: rev.RemapSize,
	}, mmio.Config{Trace: *trace, OnOutOfRange: bringup.CountOutOfRange})
	defer w.Close()

	ctrl := bringup.New(w, rev, bringup.Options{
		ASPM:        *aspm,
		FirmwareDir: *firmwareDir,
	})
	res, upErr := ctrl.BringUp(ctx)
	fmt.Print(res.Summary())

	if *listen != "" && upErr == nil {
		<-ctx.Done()
	}
	// Partial bring-up state is deliberately left in place unless the
	// operator asks otherwise; register inspection after a failure is
	// the primary debugging tool.
	if *teardown {
		if err := ctrl.TearDown(context.Background()); err != nil {
			log.Warnf("teardown: %v", err)
		}
	}
	return upErr
}

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *listen != "" {
		if err := serveMetrics(*listen); err != nil {
			log.Fatalf("%v", err)
		}
	}
	if err := run(ctx); err != nil {
		log.Fatalf("bring-up failed: %v", err)
	}
}
