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

// echo-cell is the reference cell binary: it attaches to the hub named on
// the command line, serves the Echo service, and echoes tunnel bytes.
//
// Exit codes: 2 for bad arguments, 3 for a hub magic/version mismatch.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bearcove/dodeca/internal/cellproto"
	"github.com/bearcove/dodeca/internal/hub/rpc"
	"github.com/bearcove/dodeca/internal/hub/shm"
	"github.com/bearcove/dodeca/internal/hub/transport"
	"github.com/bearcove/dodeca/internal/hublog"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("echo-cell", pflag.ContinueOnError)
	hubPath := flags.String("hub-path", "", "path to the hub file (required)")
	peerID := flags.Int32("peer-id", -1, "peer id assigned by the host (required)")
	doorbellFD := flags.Int("doorbell-fd", -1, "inherited doorbell fd (required)")
	cellName := flags.String("cell-name", "echo", "name reported to the host")

	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "echo-cell: %v\n", err)
		return 2
	}
	if *hubPath == "" || *peerID < 0 || *doorbellFD < 0 {
		fmt.Fprintln(os.Stderr, "echo-cell: --hub-path, --peer-id, and --doorbell-fd are required")
		return 2
	}

	log := hublog.New("echo-cell")

	cell, err := shm.AttachCell(*hubPath, uint32(*peerID), *doorbellFD)
	if err != nil {
		if errors.Is(err, shm.ErrHubFormat) {
			fmt.Fprintf(os.Stderr, "echo-cell: %v\n", err)
			return 3
		}
		fmt.Fprintf(os.Stderr, "echo-cell: attach: %v\n", err)
		return 1
	}
	defer cell.Close()

	tr, err := transport.NewCellTransport(cell, transport.DefaultOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "echo-cell: transport: %v\n", err)
		return 1
	}

	disp := rpc.NewDispatcher()
	session := rpc.NewSession(tr, rpc.SideCell, disp, rpc.Config{})
	registerEcho(disp, session.Codec())
	session.AcceptTunnels(echoTunnel)

	diag := shm.NewDiag(cell.Hub)
	diag.TrackRing("send", tr.Tx())
	diag.TrackRing("recv", tr.Rx())
	diag.TrackDoorbell("doorbell", tr.Bell())
	diag.Install(nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go cell.Heartbeat(ctx, time.Second)
	go cell.WatchHost(ctx, 2*time.Second)
	if os.Getenv("DODECA_CELL_DEBUG") != "" {
		go debugLoop(ctx, tr)
	}

	go func() {
		readyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		var ack rpc.ReadyAck
		msg := rpc.ReadyMsg{CellName: *cellName, PeerID: cell.PeerID}
		if err := session.Call(readyCtx, rpc.MethodReady, msg, &ack); err != nil {
			log.Warnf("ready handshake failed: %v", err)
			return
		}
		log.Infof("ready as %q (peer %d)", *cellName, cell.PeerID)
	}()

	if err := session.Run(ctx); err != nil && ctx.Err() == nil {
		log.Errorf("session ended: %v", err)
		return 1
	}
	return 0
}

func registerEcho(disp *rpc.Dispatcher, codec rpc.Codec) {
	disp.Register(cellproto.Echo, rpc.HandleUnary(codec,
		func(_ context.Context, req cellproto.EchoRequest) (cellproto.EchoResponse, error) {
			return cellproto.EchoResponse{Message: req.Message}, nil
		}))

	disp.RegisterStream(cellproto.EchoBlast,
		func(ctx context.Context, payload []byte, st *rpc.ServerStream) error {
			var req cellproto.BlastRequest
			if err := codec.Unmarshal(payload, &req); err != nil {
				return rpc.Errorf(rpc.KindDeserialize, "blast request: %v", err)
			}
			for _, size := range req.Sizes {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := st.SendBytes(make([]byte, size)); err != nil {
					return err
				}
			}
			return nil
		})
}

// echoTunnel reflects tunnel bytes back until the opener sends EOS.
func echoTunnel(t *rpc.Tunnel) {
	defer t.Close()
	io.Copy(t, t)
}

// debugLoop periodically prints ring occupancy and doorbell backlog.
func debugLoop(ctx context.Context, tr *transport.Transport) {
	log := hublog.New("echo-cell-debug")
	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			log.Infof("send_ring(%s) recv_ring(%s) doorbell_pending=%d",
				tr.Tx().State(), tr.Rx().State(), tr.Bell().PendingBytes())
		}
	}
}
