/*
 * Copyright 2026 The Dodeca Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// hub-host creates a hub, spawns the cells named on the command line, and
// keeps their sessions running. With --demo it round-trips an echo call
// through the first cell; with --listen it bridges accepted TCP
// connections into tunnels to the first cell.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bearcove/dodeca/internal/cellproto"
	"github.com/bearcove/dodeca/internal/hub/rpc"
	"github.com/bearcove/dodeca/internal/hub/shm"
	"github.com/bearcove/dodeca/internal/hub/transport"
	"github.com/bearcove/dodeca/internal/hubconfig"
	"github.com/bearcove/dodeca/internal/hublog"
)

type peerSession struct {
	name    string
	session *rpc.Session
	handle  *shm.CellHandle
}

func main() {
	flags := pflag.NewFlagSet("hub-host", pflag.ExitOnError)
	configPath := flags.String("config", "", "hub config file (JWCC)")
	writeConfig := flags.String("write-default-config", "", "write the commented default config to a path and exit")
	hubPath := flags.String("hub-path", "", "hub file path (default: fresh path under /dev/shm, or the temp dir without it)")
	cells := flags.StringArray("cell", nil, "cell binary to spawn (repeatable)")
	demo := flags.Bool("demo", false, "run an echo round-trip through the first cell")
	listen := flags.String("listen", "", "TCP address to bridge into a tunnel to the first cell")
	flags.Parse(os.Args[1:])

	log := hublog.New("hub-host")

	if *writeConfig != "" {
		if err := hubconfig.WriteDefault(*writeConfig); err != nil {
			log.Errorf("write config: %v", err)
			os.Exit(1)
		}
		return
	}

	cfg := hubconfig.Default()
	if *configPath != "" {
		var err error
		if cfg, err = hubconfig.Load(*configPath); err != nil {
			log.Errorf("%v", err)
			os.Exit(1)
		}
	}

	path := *hubPath
	if path == "" {
		path = shm.DefaultHubPath()
	}
	hub, err := shm.CreateHub(path, cfg.CreateConfig())
	if err != nil {
		log.Errorf("create hub: %v", err)
		os.Exit(1)
	}
	log.Infof("hub at %s (%d bytes)", path, hub.Layout().TotalSize)

	host := shm.NewHost(hub)
	defer host.Close()

	ready := rpc.NewReadyRegistry()
	host.OnPeerDead = func(peerID uint32, name string, err error) {
		if err != nil {
			ready.MarkFailed(name, err.Error())
		}
	}

	diag := shm.NewDiag(hub)
	diag.Install(nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := transport.Options{Escalate: cfg.AllocEscalate, AllocWait: cfg.AllocWait()}
	var sessions []*peerSession
	for _, binary := range *cells {
		name := cellName(binary)
		ps, err := spawn(ctx, host, ready, binary, name, opts, cfg.MaxPendingCalls)
		if err != nil {
			log.Errorf("spawn %s: %v", name, err)
			os.Exit(1)
		}
		diag.TrackRing(name+"/tx", ps.session.Transport().Tx())
		diag.TrackRing(name+"/rx", ps.session.Transport().Rx())
		diag.TrackDoorbell(name, ps.session.Transport().Bell())
		sessions = append(sessions, ps)
	}

	if len(sessions) > 0 {
		first := sessions[0]
		waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := ready.WaitReady(waitCtx, first.name)
		cancel()
		if err != nil {
			log.Errorf("cell %s never reported ready: %v", first.name, err)
			os.Exit(1)
		}

		if *demo {
			runDemo(ctx, log, first)
		}
		if *listen != "" {
			go serveTunnels(ctx, log, first, *listen)
		}
	}

	<-ctx.Done()
	log.Infof("shutting down")
}

func cellName(binary string) string {
	name := filepath.Base(binary)
	return strings.TrimSuffix(name, "-cell")
}

func spawn(ctx context.Context, host *shm.Host, ready *rpc.ReadyRegistry,
	binary, name string, opts transport.Options, maxPending int) (*peerSession, error) {

	info, err := host.AddPeer()
	if err != nil {
		return nil, err
	}
	tr, err := transport.NewHostTransport(host.Hub(), info.PeerID, info.Doorbell, opts)
	if err != nil {
		return nil, err
	}

	disp := rpc.NewDispatcher()
	session := rpc.NewSession(tr, rpc.SideHost, disp, rpc.Config{MaxPendingCalls: maxPending})
	ready.Attach(disp, session.Codec())

	handle, err := host.SpawnCell(info, binary, name, "--cell-name="+name)
	if err != nil {
		return nil, err
	}
	go session.Run(ctx)
	return &peerSession{name: name, session: session, handle: handle}, nil
}

func runDemo(ctx context.Context, log *hublog.Logger, ps *peerSession) {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var resp cellproto.EchoResponse
	req := cellproto.EchoRequest{Message: "hello from the host"}
	if err := ps.session.Call(callCtx, cellproto.Echo, req, &resp); err != nil {
		log.Errorf("demo call failed on cell %s: %v", ps.name, err)
		return
	}
	log.Infof("demo: %s echoed %q", ps.name, resp.Message)
}

// serveTunnels bridges each accepted TCP connection into a fresh tunnel.
func serveTunnels(ctx context.Context, log *hublog.Logger, ps *peerSession, addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Errorf("listen %s: %v", addr, err)
		return
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	log.Infof("bridging %s into tunnels to cell %s", addr, ps.name)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("accept: %v", err)
			continue
		}
		go func() {
			defer conn.Close()
			tunnel, err := ps.session.OpenTunnel(ctx)
			if err != nil {
				log.Warnf("open tunnel: %v", err)
				return
			}
			if err := rpc.CopyBidirectional(conn, tunnel); err != nil {
				log.Warnf("tunnel %v: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}
