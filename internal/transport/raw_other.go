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

//go:build !linux

package transport

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// ErrPrivilegeDenied mirrors the Linux build's error kind so callers
// can branch on it uniformly; on non-Linux platforms the Raw backend
// is always unavailable. Windows in particular needs a packet-capture
// SDK (WinDivert, Npcap) to read ICMP off the wire at all, which is an
// implementation detail outside this engine.
var ErrPrivilegeDenied = errors.New("transport: raw socket creation denied, requires elevated privileges")

// Raw is a design hook on non-Linux platforms: the epoll-based
// readiness mechanism the Linux build relies on has no portable
// equivalent. A kqueue (BSD/Darwin) or IOCP (Windows) backed Raw
// belongs here without touching the engine or the Transport interface.
type Raw struct{}

// NewRaw always fails on non-Linux builds.
func NewRaw() (*Raw, error) {
	return nil, errors.Wrap(ErrPrivilegeDenied, "raw backend is implemented for linux only")
}

func (r *Raw) Send(target net.IP, ttl int, packetID, sequence int) (int64, error) {
	return 0, errors.New("transport: raw backend unavailable on this platform")
}

func (r *Raw) RecvReady(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (r *Raw) RecvOne(buf []byte) (int, net.IP, int64, bool, error) {
	return 0, nil, 0, false, errors.New("transport: raw backend unavailable on this platform")
}

func (r *Raw) Close() error { return nil }
