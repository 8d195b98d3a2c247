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

package transport

import (
	"context"
	"hash/fnv"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/dnaeon/mtr-engine/internal/codec"
	"github.com/dnaeon/mtr-engine/internal/timing"
)

// SimOptions configures the deterministic scheduler backend. Depth is
// the simulated distance (in hops) to the target; the hop at Depth
// answers with an EchoReply and is the terminal hop, every hop before
// it answers with TimeExceeded.
type SimOptions struct {
	Depth int

	// HopLatencyMs, when set for a 0-based hop index, overrides the
	// modeled base_ms = 5 + 15*hop formula with a constant (no
	// jitter) latency, for deterministic test fixtures.
	HopLatencyMs map[int]float64

	// HopLossPercent, when set for a 0-based hop index, overrides the
	// modeled loss probability with a constant fraction in [0,1], for
	// deterministic test fixtures.
	HopLossPercent map[int]float64
}

func (o SimOptions) depthOrDefault() int {
	if o.Depth <= 0 {
		return 30
	}
	return o.Depth
}

type simDatagram struct {
	payload   []byte
	src       net.IP
	recvNanos int64
}

// Sim is the deterministic, privilege-free backend. It schedules
// synthetic TimeExceeded/EchoReply datagrams on real Go timers so the
// probe engine observes responses trickling in across a round rather
// than arriving as a burst, and so RTTs measured by the engine reflect
// the modeled per-hop latency exactly.
type Sim struct {
	opts   SimOptions
	target net.IP

	mu       sync.Mutex
	closed   bool
	queue    []simDatagram
	notify   chan struct{}
	lastTTL  int
	round    int
	timers   []*time.Timer
}

// NewSim creates a Sim backend for the given target and options.
func NewSim(target net.IP, opts SimOptions) *Sim {
	return &Sim{
		opts:   opts,
		target: target,
		notify: make(chan struct{}, 1),
	}
}

// Send schedules a synthetic response (or, per the modeled loss
// probability, nothing) for the probe at ttl. The returned timestamp
// is the monotonic send time, exactly as the Raw backend reports it.
func (s *Sim) Send(target net.IP, ttl int, packetID, sequence int) (int64, error) {
	sendNanos := timing.Now()

	s.mu.Lock()
	if ttl <= s.lastTTL {
		s.round++
	}
	s.lastTTL = ttl
	round := s.round
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return sendNanos, nil
	}

	hop := ttl - 1
	depth := s.opts.depthOrDefault()

	rng := seededRand(s.target.String(), round, hop)
	if rng.Float64() < s.lossProbability(hop) {
		return sendNanos, nil // modeled loss: no response is ever scheduled
	}

	latency := s.latencyFor(hop, rng)
	terminal := ttl == depth

	var payload []byte
	var err error
	if terminal {
		payload, err = codec.BuildEchoReply(packetID, sequence)
	} else if ttl < depth {
		var echo []byte
		echo, err = codec.BuildEchoRequest(packetID, sequence)
		if err == nil {
			payload, err = codec.BuildTimeExceededMessage(echo)
		}
	} else {
		// Beyond the modeled path depth: a black hole, no reply.
		return sendNanos, nil
	}
	if err != nil {
		return sendNanos, err
	}

	src := hopAddress(hop)
	if terminal {
		src = s.target
	}

	timer := time.AfterFunc(latency, func() {
		s.deliver(simDatagram{payload: payload, src: src, recvNanos: timing.Now()})
	})

	s.mu.Lock()
	if s.closed {
		timer.Stop()
	} else {
		s.timers = append(s.timers, timer)
	}
	s.mu.Unlock()

	return sendNanos, nil
}

func (s *Sim) deliver(dg simDatagram) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, dg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// RecvReady resolves as soon as a scheduled datagram has been
// delivered into the queue, or ctx is cancelled. Once the Sim is
// closed and its queue is empty it returns context.Canceled.
func (s *Sim) RecvReady(ctx context.Context) error {
	s.mu.Lock()
	hasQueued := len(s.queue) > 0
	closed := s.closed
	s.mu.Unlock()
	if hasQueued {
		return nil
	}
	if closed {
		return context.Canceled
	}

	select {
	case <-s.notify:
		s.mu.Lock()
		closedEmpty := s.closed && len(s.queue) == 0
		s.mu.Unlock()
		if closedEmpty {
			return context.Canceled
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecvOne dequeues one already-delivered datagram.
func (s *Sim) RecvOne(buf []byte) (int, net.IP, int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return 0, nil, timing.Now(), false, nil
	}
	dg := s.queue[0]
	s.queue = s.queue[1:]

	n := copy(buf, dg.payload)
	return n, dg.src, dg.recvNanos, true, nil
}

// Close stops all pending timers and unblocks any RecvReady waiter.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, t := range s.timers {
		t.Stop()
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// lossProbability models loss increasing slightly with hop index,
// honoring any per-hop override.
func (s *Sim) lossProbability(hop int) float64 {
	if p, ok := s.opts.HopLossPercent[hop]; ok {
		return p
	}
	p := 0.005 * float64(hop)
	if p > 0.08 {
		p = 0.08
	}
	return p
}

// latencyFor models base_ms = 5 + 15*hop with a small amount of
// bounded jitter, honoring any per-hop constant override.
func (s *Sim) latencyFor(hop int, rng *rand.Rand) time.Duration {
	if ms, ok := s.opts.HopLatencyMs[hop]; ok {
		return time.Duration(ms * float64(time.Millisecond))
	}
	baseMs := 5 + 15*float64(hop)
	jitterMs := (rng.Float64() - 0.5) * 2 // +/- 1ms
	total := baseMs + jitterMs
	if total < 0.1 {
		total = 0.1
	}
	return time.Duration(total * float64(time.Millisecond))
}

// hopAddress synthesizes a stable per-hop address for display
// purposes (10.0.0.<hop+1>), since the Sim backend has no real router
// to resolve one from.
func hopAddress(hop int) net.IP {
	return net.IPv4(10, 0, 0, byte((hop+1)%256))
}

// seededRand derives a reproducible RNG from (target identity, round,
// hop) so the same (target, round, hop) triple always produces the
// same simulated loss/jitter outcome across test runs.
func seededRand(target string, round, hop int) *rand.Rand {
	h := fnv.New64a()
	_, _ = io.WriteString(h, target)
	seed := int64(h.Sum64()) ^ int64(round+1)*1000003 ^ int64(hop+1)*31
	return rand.New(rand.NewSource(seed))
}
