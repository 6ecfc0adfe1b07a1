// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Command vifdriver is the composition root wiring FrontendFSM, TxRing,
// RxRing, AddressMonitor, and EjectMonitor together into a runnable VIF
// frontend instance against an in-memory store and event-channel fake.
//
// It has no hypervisor to talk to, so it also runs a minimal backend
// simulator that advances its own xenbus state in lockstep with the
// frontend, purely so the handshake in frontend.FrontendFSM has a peer to
// negotiate with when this binary is run standalone.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oss-vif/vifdrv/addrmon"
	"github.com/oss-vif/vifdrv/config"
	"github.com/oss-vif/vifdrv/eject"
	"github.com/oss-vif/vifdrv/frontend"
	"github.com/oss-vif/vifdrv/internal/evtchn"
	"github.com/oss-vif/vifdrv/internal/store"
	"github.com/oss-vif/vifdrv/internal/xlog"
	"github.com/oss-vif/vifdrv/mac"
	"github.com/oss-vif/vifdrv/packet"
	"github.com/oss-vif/vifdrv/stats"
)

func main() {
	name := flag.String("name", "eth0", "VIF instance name")
	maxQueues := flag.Int("max-queues", config.DefaultFrontendMaxQueues, "upper bound on negotiated queue count")
	flag.Parse()

	logf := xlog.Std(log.Default())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.NewMemory()
	seedStoreTree(st, *name)

	m := mac.New(mac.Address{0x00, 0x16, 0x3e, 0x01, 0x02, 0x03}, 1500)
	stt := stats.NewSet()
	cfg := config.Params{FrontendMaxQueues: config.ItemOf(*maxQueues)}

	chanFactory := func(_ context.Context, _ int, split bool) (tx, rx evtchn.Channel, err error) {
		a, b := evtchn.NewLocalPair()
		if !split {
			return a, a, nil
		}
		return a, b, nil
	}

	fsm := frontend.New(*name, st, m, cfg, stt, chanFactory, logf)

	ejectRequested := make(chan struct{}, 1)
	fsm.EjectRequested = func() {
		select {
		case ejectRequested <- struct{}{}:
		default:
		}
	}

	ejMon := eject.New(st, fsm, func() {
		select {
		case ejectRequested <- struct{}{}:
		default:
		}
	}, logf)

	addrSrc := addrmon.NewStatic()
	addrSrc.Set([]netip.Addr{netip.MustParseAddr("192.0.2.10")}, nil)
	addrMon := addrmon.New(*name, st, m, addrSrc, logf)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { runBackendSimulator(gctx, st, *name); return nil })
	g.Go(func() error { addrMon.Run(gctx); return nil })
	g.Go(func() error { ejMon.Run(gctx); return nil })

	if err := fsm.Resume(ctx); err != nil {
		logf("resume: %v", err)
	} else if err := fsm.SetState(ctx, frontend.Enabled); err != nil {
		logf("enable: %v", err)
	} else {
		logf("frontend %s reached ENABLED with %d queue(s)", *name, len(fsm.Transmitter().Rings))
		addrMon.SetTransmitter(fsm.Transmitter())
		fsm.Receiver().SetDeliver(func(p *packet.Packet) {
			logf("received %d bytes", p.TotalLen)
		})
		g.Go(func() error { fsm.Transmitter().Watchdog(gctx); return nil })
		g.Go(func() error { fsm.Receiver().Watchdog(gctx); return nil })
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-ejectRequested:
			logf("eject requested")
			return nil
		}
	})

	<-ctx.Done()
	logf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fsm.SetState(shutdownCtx, frontend.Unknown); err != nil {
		logf("shutdown: %v", err)
	}
	if err := g.Wait(); err != nil {
		logf("worker error: %v", err)
		os.Exit(1)
	}
}

// seedStoreTree writes the minimal device/vif/<name> nodes a real
// toolstack would populate before releasing the frontend to run (spec §6
// store layout).
func seedStoreTree(st *store.Memory, name string) {
	ctx := context.Background()
	backend := "backend/vif/0/" + name
	_ = st.Write(ctx, "device/vif/"+name+"/backend", backend)
	_ = st.Write(ctx, "device/vif/"+name+"/backend-id", "0")
	_ = st.Write(ctx, backend+"/state", strconv.Itoa(int(frontend.BackendClosed)))
	_ = st.Write(ctx, backend+"/online", "1")
	_ = st.Write(ctx, backend+"/multi-queue-max-queues", "4")
	_ = st.Write(ctx, backend+"/feature-gso-tcpv4", "1")
	_ = st.Write(ctx, backend+"/feature-gso-tcpv6", "1")
	_ = st.Write(ctx, backend+"/feature-multicast-control", "1")
}

// runBackendSimulator watches the frontend's own state node and advances
// the backend's state to match, standing in for the hypervisor-side
// backend driver this module never implements.
func runBackendSimulator(ctx context.Context, st *store.Memory, name string) {
	frontendState := "device/vif/" + name + "/state"
	backendState := "backend/vif/0/" + name + "/state"

	changed := make(chan struct{}, 1)
	cancel := st.Watch(ctx, frontendState, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
		case <-time.After(50 * time.Millisecond):
		}
		s, err := st.Read(ctx, frontendState)
		if err != nil {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		switch frontend.BackendState(n) {
		case frontend.BackendInitialising:
			_ = st.Write(ctx, backendState, fmt.Sprint(int(frontend.BackendInitWait)))
		case frontend.BackendConnected:
			_ = st.Write(ctx, backendState, fmt.Sprint(int(frontend.BackendConnected)))
		case frontend.BackendClosing:
			_ = st.Write(ctx, backendState, fmt.Sprint(int(frontend.BackendClosing)))
		case frontend.BackendClosed:
			_ = st.Write(ctx, backendState, fmt.Sprint(int(frontend.BackendClosed)))
		}
	}
}
