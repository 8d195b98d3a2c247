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

package probe_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dnaeon/mtr-engine/internal/probe"
	"github.com/dnaeon/mtr-engine/internal/timing"
	"github.com/dnaeon/mtr-engine/internal/transport"
)

func runRounds(t *testing.T, e *probe.Engine, rounds int, probeTimeout int64) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		_ = e.CollectResponses(ctx)
	}()

	for i := 0; i < rounds; i++ {
		require.NoError(t, e.SendBatch(ctx))
		time.Sleep(120 * time.Millisecond) // let Sim's scheduled replies land
		e.SweepStale(nowNanos(), probeTimeout)
	}

	cancel()
	<-recvDone
}

func nowNanos() int64 {
	return timing.Now()
}

func TestEngineDiscoversFullPathWithZeroLoss(t *testing.T) {
	target := net.IPv4(93, 184, 216, 34)
	sim := transport.NewSim(target, transport.SimOptions{
		Depth:          5,
		HopLossPercent: map[int]float64{0: 0, 1: 0, 2: 0, 3: 0, 4: 0},
	})
	defer sim.Close()

	e := probe.New(sim, target, 0xabcd, 30, nil)
	runRounds(t, e, 6, int64(2*time.Second))

	hops := e.Hops()
	require.GreaterOrEqual(t, len(hops), 5)

	terminalHop, found := e.TerminalHop()
	require.True(t, found)
	require.Equal(t, 5, terminalHop)

	for i := 0; i < 5; i++ {
		require.LessOrEqual(t, hops[i].Received(), hops[i].Sent())
		require.Greater(t, hops[i].Received(), 0, "hop %d should have received at least one response", i+1)
	}
}

func TestEngineReceivedNeverExceedsSent(t *testing.T) {
	target := net.IPv4(10, 9, 9, 9)
	sim := transport.NewSim(target, transport.SimOptions{
		Depth:          4,
		HopLossPercent: map[int]float64{2: 0.5},
	})
	defer sim.Close()

	e := probe.New(sim, target, 1, 30, nil)
	runRounds(t, e, 10, int64(2*time.Second))

	for _, h := range e.Hops() {
		require.LessOrEqual(t, h.Received(), h.Sent())
	}
}

func TestEngineRTTMeasuredFromSendNotRoundStart(t *testing.T) {
	target := net.IPv4(10, 5, 5, 5)
	sim := transport.NewSim(target, transport.SimOptions{
		Depth:          1,
		HopLatencyMs:   map[int]float64{0: 15},
		HopLossPercent: map[int]float64{0: 0},
	})
	defer sim.Close()

	e := probe.New(sim, target, 2, 30, nil)
	runRounds(t, e, 1, int64(2*time.Second))

	hops := e.Hops()
	require.GreaterOrEqual(t, len(hops), 1)
	require.InDelta(t, 15*time.Millisecond, hops[0].Last(), float64(3*time.Millisecond))
}

func TestSweepStaleCountsTimeoutsNotResponses(t *testing.T) {
	target := net.IPv4(10, 6, 6, 6)
	sim := transport.NewSim(target, transport.SimOptions{
		Depth:          3,
		HopLossPercent: map[int]float64{0: 1, 1: 1, 2: 1}, // total loss: every probe times out
	})
	defer sim.Close()

	e := probe.New(sim, target, 3, 30, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = e.CollectResponses(ctx) }()

	require.NoError(t, e.SendBatch(ctx))
	time.Sleep(20 * time.Millisecond)
	e.SweepStale(nowNanos(), int64(time.Nanosecond)) // immediately stale

	require.Equal(t, 0, e.PendingCount())
	for _, h := range e.Hops() {
		require.Equal(t, 0, h.Received())
		require.Equal(t, 1, h.Sent())
	}
}
