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

// Package transport provides the unified send/receive surface the
// probe engine drives, with two backends: Raw (raw ICMP sockets,
// epoll readiness) and Sim (a deterministic scheduler). Both satisfy
// the same Transport interface so the probe engine never knows which
// one it is driving.
package transport

import (
	"context"
	"net"
)

// Transport is the contract both backends satisfy. Implementations own
// their own sockets/schedulers and must release them on Close.
type Transport interface {
	// Send transmits one probe with the given TTL, packet identifier
	// and sequence toward target. It returns the monotonic send
	// timestamp (nanoseconds) taken immediately around the send
	// syscall/equivalent.
	Send(target net.IP, ttl int, packetID, sequence int) (sendNanos int64, err error)

	// RecvReady resolves when at least one datagram is available or
	// the transport is closed. It must never be implemented as a
	// polling loop.
	RecvReady(ctx context.Context) error

	// RecvOne performs one non-blocking read. ok is false when no
	// datagram was queued (the analogue of WouldBlock); recvNanos is
	// captured at dequeue time.
	RecvOne(buf []byte) (n int, src net.IP, recvNanos int64, ok bool, err error)

	// Close releases all backend resources. Safe to call more than
	// once.
	Close() error
}

// Backend names the two Transport implementations, used by the
// session controller to report which one it opened; the controller
// picks one from the config's Simulate/ForceSimulate options.
type Backend int

const (
	BackendRaw Backend = iota
	BackendSim
)

func (b Backend) String() string {
	switch b {
	case BackendRaw:
		return "raw"
	case BackendSim:
		return "sim"
	default:
		return "unknown"
	}
}
