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

// Package rpc multiplexes request/response and streaming calls over one
// peer's frame transport. A channel is a logical call: the initiating side
// picks an odd (host) or even (cell) channel id, so the two sides can never
// collide. Descriptor flags drive a small per-channel state machine;
// anything outside the table is a ChannelProtocol failure for that channel
// only — the session itself stays up.
package rpc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bearcove/dodeca/internal/hub/shm"
	"github.com/bearcove/dodeca/internal/hub/transport"
	"github.com/bearcove/dodeca/internal/hublog"
)

// Side is which end of the hub this session runs on; it fixes channel id
// parity.
type Side uint8

const (
	SideHost Side = iota
	SideCell
)

// channelState is the per-channel state machine.
type channelState uint8

const (
	stateIdle channelState = iota
	stateAwaitingResponse
	stateStreaming
	stateClosed
	stateCancelled
	stateFailed
)

// advance applies one received frame's flags to a channel state. It is pure
// so the whole table is testable without a transport.
func advance(s channelState, flags uint32) (channelState, error) {
	switch {
	case flags&shm.FlagError != 0:
		return stateFailed, nil
	case flags&shm.FlagCancel != 0:
		return stateCancelled, nil
	}
	switch s {
	case stateIdle:
		if flags&shm.FlagRequest != 0 {
			return stateAwaitingResponse, nil
		}
	case stateAwaitingResponse:
		switch {
		case flags&shm.FlagResponse != 0 && flags&shm.FlagStreaming != 0:
			return stateStreaming, nil
		case flags&shm.FlagResponse != 0:
			return stateClosed, nil
		case flags&shm.FlagData != 0:
			return stateStreaming, nil
		}
	case stateStreaming:
		switch {
		case flags&shm.FlagData != 0:
			return stateStreaming, nil
		case flags&shm.FlagEOS != 0:
			return stateClosed, nil
		}
	}
	return stateFailed, Errorf(KindChannelProtocol, "flags %#x illegal in state %d", flags, s)
}

func terminal(s channelState) bool {
	return s == stateClosed || s == stateCancelled || s == stateFailed
}

// call is one channel this side initiated.
type call struct {
	id     uint32
	state  channelState
	frames chan *transport.Frame
}

// serverChannel is one channel the remote side initiated; it exists so a
// CANCEL can reach the running handler.
type serverChannel struct {
	id     uint32
	cancel context.CancelFunc
}

// Config tunes a session.
type Config struct {
	// Codec encodes arguments and replies. DefaultCodec when nil.
	Codec Codec
	// MaxPendingCalls bounds concurrent outbound calls; past it, Call
	// fails fast with Backpressure instead of queueing without bound.
	MaxPendingCalls int
}

// DefaultMaxPendingCalls bounds in-flight outbound calls per peer.
const DefaultMaxPendingCalls = 8192

// Session runs RPC over one peer's transport. Construct one per peer per
// process, register methods on its dispatcher, then Run it.
type Session struct {
	tr    *transport.Transport
	codec Codec
	disp  *Dispatcher
	side  Side
	log   *hublog.Logger

	nextChannel     atomic.Uint32
	nextCorrelation atomic.Uint64
	pending         atomic.Int32
	maxPending      int32

	mu        sync.Mutex
	calls     map[uint32]*call
	serverChs map[uint32]*serverChannel
	tunnels   map[uint32]*Tunnel

	tunnelAccept func(*Tunnel)

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wires a session over a transport.
func NewSession(tr *transport.Transport, side Side, disp *Dispatcher, cfg Config) *Session {
	codec := cfg.Codec
	if codec == nil {
		codec = DefaultCodec
	}
	maxPending := cfg.MaxPendingCalls
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingCalls
	}
	s := &Session{
		tr:         tr,
		codec:      codec,
		disp:       disp,
		side:       side,
		log:        hublog.New("rpc").With("peer", tr.Peer()),
		maxPending: int32(maxPending),
		calls:      make(map[uint32]*call),
		serverChs:  make(map[uint32]*serverChannel),
		tunnels:    make(map[uint32]*Tunnel),
		done:       make(chan struct{}),
	}
	// Host channels are odd, cell channels even; ids only grow.
	if side == SideHost {
		s.nextChannel.Store(1)
	} else {
		s.nextChannel.Store(2)
	}
	return s
}

// Transport returns the underlying transport.
func (s *Session) Transport() *transport.Transport { return s.tr }

// Codec returns the session codec.
func (s *Session) Codec() Codec { return s.codec }

func (s *Session) newChannelID() uint32 {
	return s.nextChannel.Add(2) - 2
}

// Run receives and routes frames until ctx ends or the transport fails.
// Handlers run on their own goroutines; Run itself never calls user code
// inline except tunnel delivery.
func (s *Session) Run(ctx context.Context) error {
	defer s.shutdown()
	for {
		f, err := s.tr.RecvFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.route(ctx, f)
	}
}

// shutdown fails every in-flight call so callers unblock.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	calls := s.calls
	s.calls = make(map[uint32]*call)
	tunnels := s.tunnels
	s.tunnels = make(map[uint32]*Tunnel)
	s.mu.Unlock()
	for _, c := range calls {
		close(c.frames)
	}
	for _, t := range tunnels {
		t.closeRead()
	}
}

// route hands one inbound frame to whatever owns its channel.
func (s *Session) route(ctx context.Context, f *transport.Frame) {
	s.mu.Lock()
	if t, ok := s.tunnels[f.ChannelID]; ok {
		s.mu.Unlock()
		t.deliver(f)
		return
	}
	if c, ok := s.calls[f.ChannelID]; ok {
		next, perr := advance(c.state, f.Flags)
		c.state = next
		if terminal(next) {
			delete(s.calls, f.ChannelID)
		}
		s.mu.Unlock()
		if perr != nil {
			f = s.protocolErrorFrame(f.ChannelID, f.CorrelationID, perr)
		}
		c.frames <- f
		if terminal(next) {
			close(c.frames)
		}
		return
	}
	if sc, ok := s.serverChs[f.ChannelID]; ok && f.HasFlag(shm.FlagCancel) {
		delete(s.serverChs, f.ChannelID)
		s.mu.Unlock()
		sc.cancel()
		return
	}
	s.mu.Unlock()

	if f.HasFlag(shm.FlagRequest) {
		s.serveRequest(ctx, f)
		return
	}
	// Frames for channels already torn down (late DATA after CANCEL, etc.)
	// are dropped.
	s.log.Debugf("dropping frame for unknown channel %d (flags %#x)", f.ChannelID, f.Flags)
}

func (s *Session) protocolErrorFrame(channel uint32, corr uint64, perr error) *transport.Frame {
	e := asError(perr)
	return &transport.Frame{
		ChannelID:     channel,
		Flags:         shm.FlagError,
		CorrelationID: corr,
		Payload:       encodeError(e),
	}
}

// sendError answers a channel with an ERROR frame; best-effort.
func (s *Session) sendError(ctx context.Context, channel uint32, corr uint64, e *Error) {
	frame := &transport.Frame{
		ChannelID:     channel,
		Flags:         shm.FlagError,
		CorrelationID: corr,
		Payload:       encodeError(e),
	}
	if err := s.tr.SendFrame(ctx, frame); err != nil {
		s.log.Debugf("error frame for channel %d lost: %v", channel, err)
	}
}

// serveRequest dispatches one inbound REQUEST on its own goroutine.
func (s *Session) serveRequest(ctx context.Context, f *transport.Frame) {
	if f.MethodID == tunnelOpenID && s.tunnelAccept != nil {
		s.serveTunnelOpen(ctx, f)
		return
	}
	rec, ok := s.disp.lookup(f.MethodID)
	if !ok {
		s.sendError(ctx, f.ChannelID, f.CorrelationID,
			Errorf(KindUnknown, "no handler for method %#x", f.MethodID))
		return
	}

	hctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.serverChs[f.ChannelID] = &serverChannel{id: f.ChannelID, cancel: cancel}
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.serverChs, f.ChannelID)
			s.mu.Unlock()
		}()
		if rec.stream != nil {
			s.serveStream(hctx, rec, f)
			return
		}
		s.serveUnary(hctx, rec, f)
	}()
}

func (s *Session) serveUnary(ctx context.Context, rec *methodRecord, f *transport.Frame) {
	out, err := rec.unary(ctx, f.Payload)
	if ctx.Err() != nil {
		// The caller cancelled; it is not listening anymore.
		return
	}
	if err != nil {
		s.sendError(ctx, f.ChannelID, f.CorrelationID, asError(err))
		return
	}
	resp := &transport.Frame{
		ChannelID:     f.ChannelID,
		Flags:         shm.FlagResponse,
		CorrelationID: f.CorrelationID,
		Payload:       out,
	}
	if err := s.tr.SendFrame(ctx, resp); err != nil {
		s.log.Debugf("response for channel %d lost: %v", f.ChannelID, err)
	}
}

func (s *Session) serveStream(ctx context.Context, rec *methodRecord, f *transport.Frame) {
	open := &transport.Frame{
		ChannelID:     f.ChannelID,
		Flags:         shm.FlagResponse | shm.FlagStreaming,
		CorrelationID: f.CorrelationID,
	}
	if err := s.tr.SendFrame(ctx, open); err != nil {
		s.log.Debugf("stream open for channel %d lost: %v", f.ChannelID, err)
		return
	}
	st := &ServerStream{s: s, channel: f.ChannelID, corr: f.CorrelationID, ctx: ctx}
	err := rec.stream(ctx, f.Payload, st)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.sendError(ctx, f.ChannelID, f.CorrelationID, asError(err))
		return
	}
	eos := &transport.Frame{
		ChannelID:     f.ChannelID,
		Flags:         shm.FlagEOS,
		CorrelationID: f.CorrelationID,
	}
	if err := s.tr.SendFrame(ctx, eos); err != nil {
		s.log.Debugf("eos for channel %d lost: %v", f.ChannelID, err)
	}
}

// ServerStream lets a streaming handler push DATA frames.
type ServerStream struct {
	s       *Session
	channel uint32
	corr    uint64
	ctx     context.Context
}

// SendBytes pushes one raw DATA chunk.
func (st *ServerStream) SendBytes(b []byte) error {
	return st.s.tr.SendFrame(st.ctx, &transport.Frame{
		ChannelID:     st.channel,
		Flags:         shm.FlagData,
		CorrelationID: st.corr,
		Payload:       b,
	})
}

// Send encodes v with the session codec and pushes it.
func (st *ServerStream) Send(v any) error {
	b, err := st.s.codec.Marshal(v)
	if err != nil {
		return Errorf(KindSerialize, "stream chunk: %v", err)
	}
	return st.SendBytes(b)
}

// newCall registers a fresh outbound channel.
func (s *Session) newCall() (*call, *Error) {
	if s.pending.Add(1) > s.maxPending {
		s.pending.Add(-1)
		return nil, Errorf(KindBackpressure, "%d calls already pending", s.maxPending)
	}
	c := &call{
		id:     s.newChannelID(),
		state:  stateAwaitingResponse,
		frames: make(chan *transport.Frame, 64),
	}
	s.mu.Lock()
	s.calls[c.id] = c
	s.mu.Unlock()
	return c, nil
}

// dropCall unregisters an outbound channel (end of call, any reason).
func (s *Session) dropCall(c *call) {
	s.mu.Lock()
	delete(s.calls, c.id)
	s.mu.Unlock()
	s.pending.Add(-1)
}

// sendCancel tells the other side to stop producing on a channel.
func (s *Session) sendCancel(channel uint32, corr uint64) {
	frame := &transport.Frame{
		ChannelID:     channel,
		Flags:         shm.FlagCancel,
		CorrelationID: corr,
	}
	// Cancellation is advisory; a full ring must not block the canceller.
	ctx, cancel := context.WithTimeout(context.Background(), defaultCancelTimeout)
	defer cancel()
	if err := s.tr.SendFrame(ctx, frame); err != nil {
		s.log.Debugf("cancel for channel %d lost: %v", channel, err)
	}
}

// Call performs one request/response exchange. Exactly one REQUEST goes
// out; the call ends on the first RESPONSE, ERROR, or CANCEL back, or when
// ctx ends (which emits CANCEL to the responder).
func (s *Session) Call(ctx context.Context, m MethodSpec, args, reply any) error {
	payload, err := s.codec.Marshal(args)
	if err != nil {
		return Errorf(KindSerialize, "%s args: %v", m, err)
	}
	c, cerr := s.newCall()
	if cerr != nil {
		return cerr
	}
	defer s.dropCall(c)

	corr := s.nextCorrelation.Add(1)
	req := &transport.Frame{
		ChannelID:     c.id,
		Flags:         shm.FlagRequest,
		MethodID:      m.ID,
		CorrelationID: corr,
		Payload:       payload,
	}
	if err := s.tr.SendFrame(ctx, req); err != nil {
		return asError(err)
	}

	select {
	case <-ctx.Done():
		s.sendCancel(c.id, corr)
		return Errorf(KindCancelled, "%s: %v", m, ctx.Err())
	case <-s.done:
		return Errorf(KindTransport, "%s: session closed", m)
	case f, ok := <-c.frames:
		if !ok {
			return Errorf(KindTransport, "%s: session closed", m)
		}
		switch {
		case f.HasFlag(shm.FlagError):
			return decodeError(f.Payload)
		case f.HasFlag(shm.FlagCancel):
			return Errorf(KindCancelled, "%s: cancelled by responder", m)
		case f.HasFlag(shm.FlagResponse) && !f.HasFlag(shm.FlagStreaming):
			if reply == nil {
				return nil
			}
			if err := s.codec.Unmarshal(f.Payload, reply); err != nil {
				return Errorf(KindDeserialize, "%s reply: %v", m, err)
			}
			return nil
		default:
			s.sendCancel(c.id, corr)
			return Errorf(KindChannelProtocol, "%s: unary call got flags %#x", m, f.Flags)
		}
	}
}

// CallStream opens a streaming call: one REQUEST out, then DATA frames in
// until EOS. The returned stream must be fully consumed or cancelled.
func (s *Session) CallStream(ctx context.Context, m MethodSpec, args any) (*ClientStream, error) {
	payload, err := s.codec.Marshal(args)
	if err != nil {
		return nil, Errorf(KindSerialize, "%s args: %v", m, err)
	}
	c, cerr := s.newCall()
	if cerr != nil {
		return nil, cerr
	}
	corr := s.nextCorrelation.Add(1)
	req := &transport.Frame{
		ChannelID:     c.id,
		Flags:         shm.FlagRequest,
		MethodID:      m.ID,
		CorrelationID: corr,
		Payload:       payload,
	}
	if err := s.tr.SendFrame(ctx, req); err != nil {
		s.dropCall(c)
		return nil, asError(err)
	}
	return &ClientStream{s: s, c: c, corr: corr, ctx: ctx}, nil
}

// ClientStream is the caller's end of a streaming response.
type ClientStream struct {
	s    *Session
	c    *call
	corr uint64
	ctx  context.Context

	finished bool
}

// RecvBytes returns the next DATA payload, io.EOF-style via (nil, false,
// nil) when the stream closed cleanly.
func (st *ClientStream) RecvBytes() ([]byte, bool, error) {
	if st.finished {
		return nil, false, nil
	}
	for {
		select {
		case <-st.ctx.Done():
			st.Cancel()
			return nil, false, Errorf(KindCancelled, "stream: %v", st.ctx.Err())
		case f, ok := <-st.c.frames:
			if !ok {
				st.finish()
				return nil, false, Errorf(KindTransport, "stream: session closed")
			}
			switch {
			case f.HasFlag(shm.FlagError):
				st.finish()
				return nil, false, decodeError(f.Payload)
			case f.HasFlag(shm.FlagCancel):
				st.finish()
				return nil, false, Errorf(KindCancelled, "stream cancelled by responder")
			case f.HasFlag(shm.FlagEOS):
				st.finish()
				return nil, false, nil
			case f.HasFlag(shm.FlagResponse) && f.HasFlag(shm.FlagStreaming):
				continue // stream acknowledged; chunks follow
			case f.HasFlag(shm.FlagData):
				return f.Payload, true, nil
			default:
				st.finish()
				return nil, false, Errorf(KindChannelProtocol, "stream got flags %#x", f.Flags)
			}
		}
	}
}

// Recv decodes the next chunk into v. Returns (false, nil) at end of
// stream.
func (st *ClientStream) Recv(v any) (bool, error) {
	b, ok, err := st.RecvBytes()
	if err != nil || !ok {
		return false, err
	}
	if err := st.s.codec.Unmarshal(b, v); err != nil {
		return false, Errorf(KindDeserialize, "stream chunk: %v", err)
	}
	return true, nil
}

// Cancel abandons the stream and tells the responder to stop.
func (st *ClientStream) Cancel() {
	if st.finished {
		return
	}
	st.s.sendCancel(st.c.id, st.corr)
	st.finish()
}

func (st *ClientStream) finish() {
	if !st.finished {
		st.finished = true
		st.s.dropCall(st.c)
	}
}
