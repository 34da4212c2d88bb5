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

package rpc

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bearcove/dodeca/internal/hub/shm"
	"github.com/bearcove/dodeca/internal/hub/transport"
)

// defaultCancelTimeout bounds best-effort control frames (CANCEL, tunnel
// EOS) so teardown never hangs on a full ring.
const defaultCancelTimeout = 2 * time.Second

// tunnelChunk caps one DATA frame of tunnel bytes. Small enough to ride the
// mid size classes, large enough to amortize descriptor overhead.
const tunnelChunk = 16 * 1024

// MethodTunnelOpen opens a byte tunnel. The response carries the channel id
// the responder allocated; every DATA frame on that channel afterwards is
// opaque bidirectional bytes until EOS.
var MethodTunnelOpen = NewMethod("TcpTunnel", "open", "TunnelOpen", "TunnelHandle")

var tunnelOpenID = MethodTunnelOpen.ID

// TunnelOpen is the (empty) open request.
type TunnelOpen struct{}

// TunnelHandle carries the tunnel's channel id back to the opener.
type TunnelHandle struct {
	Channel uint32 `json:"channel"`
}

// Tunnel is one end of an open byte tunnel. It implements
// io.ReadWriteCloser so it can sit directly under io.Copy.
type Tunnel struct {
	s  *Session
	id uint32

	rd     chan []byte
	done   chan struct{}
	rdOnce sync.Once
	left   []byte // partially consumed chunk

	wrMu     sync.Mutex
	wrClosed bool
}

func newTunnel(s *Session, id uint32) *Tunnel {
	return &Tunnel{
		s:    s,
		id:   id,
		rd:   make(chan []byte, 256),
		done: make(chan struct{}),
	}
}

// AcceptTunnels installs the acceptor invoked for every tunnel a remote
// opens. Must be called before Run.
func (s *Session) AcceptTunnels(fn func(*Tunnel)) {
	s.tunnelAccept = fn
}

// OpenTunnel asks the remote side for a tunnel and binds the local end.
func (s *Session) OpenTunnel(ctx context.Context) (*Tunnel, error) {
	var handle TunnelHandle
	if err := s.Call(ctx, MethodTunnelOpen, TunnelOpen{}, &handle); err != nil {
		return nil, err
	}
	t := newTunnel(s, handle.Channel)
	s.mu.Lock()
	s.tunnels[handle.Channel] = t
	s.mu.Unlock()
	return t, nil
}

// serveTunnelOpen answers TcpTunnel.open: allocate a channel from this
// side's parity space, register the tunnel, reply, then hand it to the
// acceptor.
func (s *Session) serveTunnelOpen(ctx context.Context, f *transport.Frame) {
	t := newTunnel(s, s.newChannelID())
	s.mu.Lock()
	s.tunnels[t.id] = t
	s.mu.Unlock()

	payload, err := s.codec.Marshal(TunnelHandle{Channel: t.id})
	if err != nil {
		s.sendError(ctx, f.ChannelID, f.CorrelationID, Errorf(KindSerialize, "tunnel handle: %v", err))
		return
	}
	resp := &transport.Frame{
		ChannelID:     f.ChannelID,
		Flags:         shm.FlagResponse,
		CorrelationID: f.CorrelationID,
		Payload:       payload,
	}
	if err := s.tr.SendFrame(ctx, resp); err != nil {
		s.dropTunnel(t)
		return
	}
	go s.tunnelAccept(t)
}

func (s *Session) dropTunnel(t *Tunnel) {
	s.mu.Lock()
	delete(s.tunnels, t.id)
	s.mu.Unlock()
}

// deliver routes one inbound frame on the tunnel's channel. Runs on the
// session's receive goroutine; a stalled tunnel reader eventually exerts
// backpressure on the whole session, which is the ring's flow control
// extended upward.
func (t *Tunnel) deliver(f *transport.Frame) {
	switch {
	case f.HasFlag(shm.FlagData):
		select {
		case t.rd <- f.Payload:
		case <-t.done:
			// Locally closed; late bytes are dropped.
		}
	case f.HasFlag(shm.FlagEOS), f.HasFlag(shm.FlagCancel), f.HasFlag(shm.FlagError):
		t.closeRead()
		t.s.dropTunnel(t)
	}
}

func (t *Tunnel) closeRead() {
	t.rdOnce.Do(func() { close(t.done) })
}

// Read returns tunnel bytes in arrival order; io.EOF after the remote EOS
// once every delivered chunk has been consumed.
func (t *Tunnel) Read(p []byte) (int, error) {
	for len(t.left) == 0 {
		select {
		case chunk := <-t.rd:
			t.left = chunk
		case <-t.done:
			select {
			case chunk := <-t.rd:
				t.left = chunk
			default:
				return 0, io.EOF
			}
		}
	}
	n := copy(p, t.left)
	t.left = t.left[n:]
	return n, nil
}

// Write sends bytes as DATA frames, fragmenting to the tunnel chunk size.
func (t *Tunnel) Write(p []byte) (int, error) {
	t.wrMu.Lock()
	defer t.wrMu.Unlock()
	if t.wrClosed {
		return 0, Errorf(KindChannelProtocol, "tunnel %d write after close", t.id)
	}
	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > tunnelChunk {
			n = tunnelChunk
		}
		frame := &transport.Frame{
			ChannelID: t.id,
			Flags:     shm.FlagData,
			Payload:   p[:n],
		}
		if err := t.s.tr.SendFrame(context.Background(), frame); err != nil {
			return written, asError(err)
		}
		p = p[n:]
		written += n
	}
	return written, nil
}

// CloseWrite sends EOS; the remote observes end-of-tunnel on its read side.
func (t *Tunnel) CloseWrite() error {
	t.wrMu.Lock()
	defer t.wrMu.Unlock()
	if t.wrClosed {
		return nil
	}
	t.wrClosed = true
	ctx, cancel := context.WithTimeout(context.Background(), defaultCancelTimeout)
	defer cancel()
	return t.s.tr.SendFrame(ctx, &transport.Frame{
		ChannelID: t.id,
		Flags:     shm.FlagEOS,
	})
}

// Close tears the tunnel down in both directions.
func (t *Tunnel) Close() error {
	err := t.CloseWrite()
	t.closeRead()
	t.s.dropTunnel(t)
	return err
}

// CopyBidirectional shuttles bytes between a network connection and a
// tunnel until both directions have hit end-of-stream. A client close sends
// EOS into the tunnel; a tunnel EOS half-closes the connection.
func CopyBidirectional(conn net.Conn, t *Tunnel) error {
	var wg sync.WaitGroup
	var connErr, tunErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, connErr = io.Copy(t, conn)
		t.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		_, tunErr = io.Copy(conn, t)
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		} else {
			conn.Close()
		}
	}()
	wg.Wait()
	t.Close()

	if connErr != nil {
		return connErr
	}
	return tunErr
}
