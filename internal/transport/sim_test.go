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

package transport_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dnaeon/mtr-engine/internal/codec"
	"github.com/dnaeon/mtr-engine/internal/transport"
)

// recvWithin waits for one datagram and returns the decoded payload
// bytes, source address and receive timestamp.
func recvWithin(t *testing.T, tr transport.Transport, timeout time.Duration) ([]byte, net.IP, int64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	require.NoError(t, tr.RecvReady(ctx))
	buf := make([]byte, 1500)
	n, src, recvNanos, ok, err := tr.RecvOne(buf)
	require.NoError(t, err)
	require.True(t, ok)
	return buf[:n], src, recvNanos
}

func TestSimZeroLossDeliversEveryHop(t *testing.T) {
	target := net.IPv4(93, 184, 216, 34)
	sim := transport.NewSim(target, transport.SimOptions{
		Depth:          5,
		HopLossPercent: map[int]float64{0: 0, 1: 0, 2: 0, 3: 0, 4: 0},
	})
	defer sim.Close()

	for ttl := 1; ttl <= 5; ttl++ {
		_, err := sim.Send(target, ttl, 0xface, 33000+ttl)
		require.NoError(t, err)
	}

	seen := 0
	for i := 0; i < 5; i++ {
		payload, _, _ := recvWithin(t, sim, time.Second)
		decoded, err := codec.Decode(payload)
		require.NoError(t, err)
		require.Equal(t, 0xface, decoded.PacketID)
		seen++
	}
	require.Equal(t, 5, seen)
}

func TestSimConstantLatencyConverges(t *testing.T) {
	target := net.IPv4(10, 1, 1, 1)
	sim := transport.NewSim(target, transport.SimOptions{
		Depth:          5,
		HopLatencyMs:   map[int]float64{0: 10},
		HopLossPercent: map[int]float64{0: 0},
	})
	defer sim.Close()

	for i := 0; i < 5; i++ {
		sendNanos, err := sim.Send(target, 1, 1, 33000+i)
		require.NoError(t, err)

		_, _, recvNanos := recvWithin(t, sim, time.Second)

		rtt := recvNanos - sendNanos
		require.InDelta(t, 10*time.Millisecond, rtt, float64(2*time.Millisecond))
	}
}

func TestSimTerminalHopIsEchoReply(t *testing.T) {
	target := net.IPv4(8, 8, 8, 8)
	sim := transport.NewSim(target, transport.SimOptions{
		Depth:          3,
		HopLossPercent: map[int]float64{0: 0, 1: 0, 2: 0},
	})
	defer sim.Close()

	_, err := sim.Send(target, 3, 42, 33010)
	require.NoError(t, err)

	payload, src, _ := recvWithin(t, sim, time.Second)
	decoded, err := codec.Decode(payload)
	require.NoError(t, err)
	require.Equal(t, codec.KindEchoReply, decoded.Kind)
	require.Equal(t, target.String(), src.String())
}

func TestSimHighLossHopDropsEverything(t *testing.T) {
	target := net.IPv4(10, 2, 2, 2)
	sim := transport.NewSim(target, transport.SimOptions{Depth: 5, HopLossPercent: map[int]float64{2: 1.0}})
	defer sim.Close()

	_, err := sim.Send(target, 3, 7, 33020)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = sim.RecvReady(ctx)
	require.Error(t, err) // nothing ever arrives: 100% modeled loss
}

func TestSimCloseUnblocksRecvReady(t *testing.T) {
	target := net.IPv4(10, 3, 3, 3)
	sim := transport.NewSim(target, transport.SimOptions{Depth: 5})

	done := make(chan error, 1)
	go func() {
		done <- sim.RecvReady(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, sim.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("RecvReady did not unblock after Close")
	}
}
