//go:build unix

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

package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Doorbell is one end of a connected datagram socketpair used to wake the
// other side's event loop. Signals are coalesced: a readable doorbell means
// "at least one publish since the last drain", never an exact count.
//
// The fd stays in non-blocking mode and is never extracted via File.Fd(), so
// waits park on the runtime poller instead of an OS thread.
type Doorbell struct {
	f *os.File
}

// NewDoorbellPair creates a connected socketpair. The first return is the
// host-side doorbell; the second is the raw file destined to be inherited by
// a spawned cell (close it in the parent right after the spawn).
func NewDoorbellPair() (*Doorbell, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX,
		unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("doorbell socketpair: %w", err)
	}
	host := &Doorbell{f: os.NewFile(uintptr(fds[0]), "doorbell-host")}
	cell := os.NewFile(uintptr(fds[1]), "doorbell-cell")
	return host, cell, nil
}

// NewLoopbackDoorbells returns both ends wrapped, for host and cell living
// in one process (tests, single-process mode).
func NewLoopbackDoorbells() (*Doorbell, *Doorbell, error) {
	a, cellFile, err := NewDoorbellPair()
	if err != nil {
		return nil, nil, err
	}
	return a, &Doorbell{f: cellFile}, nil
}

// DoorbellFromFD wraps an inherited doorbell fd (the cell side).
func DoorbellFromFD(fd int) (*Doorbell, error) {
	if fd < 0 {
		return nil, fmt.Errorf("invalid doorbell fd %d", fd)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("doorbell nonblock: %w", err)
	}
	return &Doorbell{f: os.NewFile(uintptr(fd), "doorbell")}, nil
}

// Signal sends one byte without blocking. EAGAIN means the receiver's buffer
// is already saturated with unread signals, which is equivalent to having
// signalled. A closed remote end reports ErrPeerDead.
func (d *Doorbell) Signal() error {
	rc, err := d.f.SyscallConn()
	if err != nil {
		return err
	}
	var sendErr error
	ctrlErr := rc.Control(func(fd uintptr) {
		one := [1]byte{0}
		sendErr = unix.Send(int(fd), one[:], unix.MSG_DONTWAIT)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	switch {
	case sendErr == nil, errors.Is(sendErr, unix.EAGAIN):
		return nil
	case errors.Is(sendErr, unix.ECONNREFUSED), errors.Is(sendErr, unix.EPIPE),
		errors.Is(sendErr, unix.ENOTCONN):
		return fmt.Errorf("%w: doorbell remote closed", ErrPeerDead)
	default:
		return fmt.Errorf("doorbell signal: %w", sendErr)
	}
}

// Wait blocks until the doorbell is readable and consumes one datagram.
// Callers drain afterwards and must have checked their ring before waiting.
func (d *Doorbell) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		d.f.SetReadDeadline(time.Unix(0, 1))
	})
	defer stop()

	var buf [16]byte
	_, err := d.f.Read(buf[:])
	if err != nil {
		if ctx.Err() != nil {
			d.f.SetReadDeadline(time.Time{})
			return ctx.Err()
		}
		return fmt.Errorf("doorbell wait: %w", err)
	}
	return nil
}

// Drain discards every pending datagram. Idempotent: draining an empty
// doorbell is a no-op.
func (d *Doorbell) Drain() {
	rc, err := d.f.SyscallConn()
	if err != nil {
		return
	}
	rc.Control(func(fd uintptr) {
		var buf [256]byte
		for {
			n, err := unix.Read(int(fd), buf[:])
			if n <= 0 || err != nil {
				return
			}
		}
	})
}

// PendingBytes reports how many unread signal bytes sit in the socket.
// Diagnostics only.
func (d *Doorbell) PendingBytes() int {
	rc, err := d.f.SyscallConn()
	if err != nil {
		return 0
	}
	pending := 0
	rc.Control(func(fd uintptr) {
		if n, err := unix.IoctlGetInt(int(fd), unix.SIOCINQ); err == nil {
			pending = n
		}
	})
	return pending
}

// Close closes this side of the doorbell. A peer blocked in Wait on the
// other side keeps its end; its next Signal reports ErrPeerDead.
func (d *Doorbell) Close() error {
	return d.f.Close()
}
