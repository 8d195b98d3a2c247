// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
//  1. Redistributions of source code must retain the above copyright
//     notice, this list of conditions and the following disclaimer
//     in this position and unchanged.
//  2. Redistributions in binary form must reproduce the above copyright
//     notice, this list of conditions and the following disclaimer in the
//     documentation and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE AUTHOR(S) ``AS IS'' AND ANY EXPRESS OR
// IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES
// OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE DISCLAIMED.
// IN NO EVENT SHALL THE AUTHOR(S) BE LIABLE FOR ANY DIRECT, INDIRECT,
// INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT
// NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE,
// DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER CAUSED AND ON ANY
// THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT
// (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE OF
// THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

//go:build linux

package transport

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/dnaeon/mtr-engine/internal/codec"
	"github.com/dnaeon/mtr-engine/internal/timing"
)

// ErrPrivilegeDenied is returned when the OS refuses to hand out a raw
// ICMP socket. The controller treats this as fatal unless the operator
// explicitly requested the Sim backend.
var ErrPrivilegeDenied = errors.New("transport: raw socket creation denied, requires elevated (CAP_NET_RAW) privileges")

// Raw is the privileged backend: two non-blocking raw ICMP sockets,
// one per direction, with readiness delivered via epoll rather than
// any poll/sleep loop. Cancellation is delivered through an eventfd
// registered alongside the receive socket so RecvReady never needs a
// bounded epoll_wait timeout to stay responsive to shutdown.
type Raw struct {
	sendFD   int
	recvFD   int
	epollFD  int
	cancelFD int

	mu     sync.Mutex
	closed bool
}

// NewRaw opens the send/receive socket pair and the epoll instance
// that watches the receive socket. Socket creation failure is wrapped
// in ErrPrivilegeDenied.
func NewRaw() (*Raw, error) {
	sendFD, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_ICMP)
	if err != nil {
		return nil, errors.Wrap(ErrPrivilegeDenied, err.Error())
	}
	if err := unix.SetNonblock(sendFD, true); err != nil {
		unix.Close(sendFD)
		return nil, errors.Wrap(err, "transport: set send socket nonblocking")
	}

	recvFD, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_ICMP)
	if err != nil {
		unix.Close(sendFD)
		return nil, errors.Wrap(ErrPrivilegeDenied, err.Error())
	}
	if err := unix.SetNonblock(recvFD, true); err != nil {
		unix.Close(sendFD)
		unix.Close(recvFD)
		return nil, errors.Wrap(err, "transport: set recv socket nonblocking")
	}

	cancelFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(sendFD)
		unix.Close(recvFD)
		return nil, errors.Wrap(err, "transport: eventfd")
	}

	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(sendFD)
		unix.Close(recvFD)
		unix.Close(cancelFD)
		return nil, errors.Wrap(err, "transport: epoll_create1")
	}

	if err := unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, recvFD, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(recvFD)}); err != nil {
		unix.Close(sendFD)
		unix.Close(recvFD)
		unix.Close(cancelFD)
		unix.Close(epollFD)
		return nil, errors.Wrap(err, "transport: epoll_ctl add recv socket")
	}
	if err := unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, cancelFD, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(cancelFD)}); err != nil {
		unix.Close(sendFD)
		unix.Close(recvFD)
		unix.Close(cancelFD)
		unix.Close(epollFD)
		return nil, errors.Wrap(err, "transport: epoll_ctl add cancel fd")
	}

	return &Raw{sendFD: sendFD, recvFD: recvFD, epollFD: epollFD, cancelFD: cancelFD}, nil
}

// Send sets the outgoing TTL on the send socket and transmits an Echo
// Request. The returned timestamp is taken immediately before the
// sendto syscall, so it never understates the time the probe actually
// spent in flight.
func (r *Raw) Send(target net.IP, ttl int, packetID, sequence int) (int64, error) {
	b, err := codec.BuildEchoRequest(packetID, sequence)
	if err != nil {
		return 0, err
	}

	if err := unix.SetsockoptInt(r.sendFD, unix.IPPROTO_IP, unix.IP_TTL, ttl); err != nil {
		return 0, errors.Wrap(err, "transport: set IP_TTL")
	}

	dst := target.To4()
	if dst == nil {
		return 0, errors.New("transport: raw backend requires an IPv4 target")
	}
	var addr [4]byte
	copy(addr[:], dst)

	sendNanos := timing.Now()
	if err := unix.Sendto(r.sendFD, b, 0, &unix.SockaddrInet4{Addr: addr}); err != nil {
		return sendNanos, errors.Wrap(err, "transport: sendto")
	}
	return sendNanos, nil
}

// RecvReady blocks on epoll_wait with no timeout until either the
// receive socket has a datagram queued or the transport is closed
// (observed via the eventfd). It never sleeps or polls.
func (r *Raw) RecvReady(ctx context.Context) error {
	events := make([]unix.EpollEvent, 2)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.EpollWait(r.epollFD, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "transport: epoll_wait")
		}
		for i := 0; i < n; i++ {
			if int(events[i].Fd) == r.recvFD {
				return nil
			}
			if int(events[i].Fd) == r.cancelFD {
				return context.Canceled
			}
		}
	}
}

// RecvOne performs one non-blocking recvfrom. ok is false on EAGAIN,
// the transport-level analogue of WouldBlock.
//
// A SOCK_RAW/IPPROTO_ICMP socket hands back the IPv4 header in front
// of the ICMP message on every read (see man 7 raw), unlike the Sim
// backend, which only ever queues bare ICMP bytes. RecvOne reads into
// a scratch buffer ipv4HeaderMaxLen bytes larger than buf and strips
// that header before handing
// the ICMP payload to the caller, so codec.Decode sees the same shape
// of bytes regardless of which Transport produced them.
func (r *Raw) RecvOne(buf []byte) (int, net.IP, int64, bool, error) {
	raw := make([]byte, len(buf)+ipv4HeaderMaxLen)
	n, from, err := unix.Recvfrom(r.recvFD, raw, 0)
	recvNanos := timing.Now()
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil, recvNanos, false, nil
		}
		return 0, nil, recvNanos, false, errors.Wrap(err, "transport: recvfrom")
	}

	payload, ok := stripIPv4Header(raw[:n])
	if !ok {
		return 0, nil, recvNanos, false, nil
	}

	var src net.IP
	if sa4, ok := from.(*unix.SockaddrInet4); ok {
		src = net.IP(sa4.Addr[:])
	}
	return copy(buf, payload), src, recvNanos, true, nil
}

// ipv4HeaderMaxLen is the largest IHL-encoded IPv4 header (15 * 4
// bytes, options included); the scratch buffer in RecvOne is sized
// generously enough to hold one even with options present.
const ipv4HeaderMaxLen = 60

// stripIPv4Header removes the leading IPv4 header from a SOCK_RAW read
// so the remainder is a bare ICMP message, the same shape Decode
// expects from the Sim backend.
func stripIPv4Header(b []byte) ([]byte, bool) {
	if len(b) < 20 {
		return nil, false
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < 20 || len(b) < ihl {
		return nil, false
	}
	return b[ihl:], true
}

// Close wakes any blocked RecvReady via the cancellation eventfd and
// releases all sockets. Safe to call more than once.
func (r *Raw) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	one := make([]byte, 8)
	one[7] = 1
	_, _ = unix.Write(r.cancelFD, one)

	unix.Close(r.sendFD)
	unix.Close(r.recvFD)
	unix.Close(r.cancelFD)
	unix.Close(r.epollFD)
	return nil
}
