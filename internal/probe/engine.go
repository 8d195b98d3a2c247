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

// Package probe implements the probe engine: the sequence table, batch
// sender, response demultiplexer and restart detector that sit between
// the transport and the per-hop statistics.
package probe

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dnaeon/mtr-engine/internal/codec"
	"github.com/dnaeon/mtr-engine/internal/hopstats"
	"github.com/dnaeon/mtr-engine/internal/timing"
	"github.com/dnaeon/mtr-engine/internal/transport"
)

// sequenceBase and sequenceCeil bound the wrapping 16-bit ICMP
// sequence counter used across a run: it starts at 33000 and wraps
// back into [33000, 65535], a range chosen well clear of the low
// sequence numbers a stray unrelated ping on the same host might use.
const (
	sequenceBase = 33000
	sequenceCeil = 65535

	// unknownHopStreak is the number of consecutive trailing hops that
	// must go silent before discovery holds steady rather than
	// growing the frontier by another hop each round — e.g. a
	// firewall swallowing every TimeExceeded past some TTL would
	// otherwise have the engine keep probing all the way to maxHops.
	unknownHopStreak = 5

	// unknownHopRounds is how many consecutive sweeps the trailing
	// hops must stay silent before the streak counts.
	unknownHopRounds = 3
)

// sequenceEntry is the value held in the sequence table, keyed by the
// sequence number a probe was sent with.
type sequenceEntry struct {
	hopIndex  int
	sendNanos int64
}

// Engine is the probe engine state machine. It is safe for concurrent
// use by one tick task and one receive task: state mutation is
// serialized behind engine.mu, held only across a single update, never
// across a transport call.
type Engine struct {
	transport transport.Transport
	target    net.IP
	packetID  int
	maxHops   int
	log       *zap.SugaredLogger

	mu            sync.Mutex
	nextSequence  int
	table         map[int]sequenceEntry
	hops          []*hopstats.HopStats
	numHosts      int
	terminalFound bool
	terminalHop   int
	unknownStreakRounds int

	onUpdate func()
}

// SetOnUpdate installs a callback invoked after every mutation to the
// hop vector (a matched response or a completed batch send), so the
// session controller can publish a fresh snapshot to its observers
// without the engine needing to know anything about them.
func (e *Engine) SetOnUpdate(fn func()) {
	e.mu.Lock()
	e.onUpdate = fn
	e.mu.Unlock()
}

func (e *Engine) fireUpdate() {
	e.mu.Lock()
	fn := e.onUpdate
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// New creates an Engine bound to transport, targeting target, with a
// process-wide packet identifier and a maximum TTL to probe.
func New(t transport.Transport, target net.IP, packetID, maxHops int, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	e := &Engine{
		transport:    t,
		target:       target,
		packetID:     packetID & 0xffff,
		maxHops:      maxHops,
		log:          log,
		nextSequence: sequenceBase,
		table:        make(map[int]sequenceEntry),
		numHosts:     1,
	}
	e.hops = make([]*hopstats.HopStats, 0, maxHops)
	e.growHops(1)
	return e
}

func (e *Engine) growHops(n int) {
	for len(e.hops) < n {
		e.hops = append(e.hops, hopstats.New(len(e.hops)+1))
	}
}

// Hops returns the live, ordered hop statistics. The slice itself is a
// stable view (grown only by SendBatch) but each *HopStats is safe for
// concurrent reads.
func (e *Engine) Hops() []*hopstats.HopStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*hopstats.HopStats, len(e.hops))
	copy(out, e.hops)
	return out
}

// allocateSequence returns the next wrapping sequence number not
// currently live in the table, with bounded retries against the
// pathological case of a fully saturated table.
func (e *Engine) allocateSequence() (int, error) {
	for attempt := 0; attempt < sequenceCeil-sequenceBase+1; attempt++ {
		seq := e.nextSequence
		e.nextSequence++
		if e.nextSequence > sequenceCeil {
			e.nextSequence = sequenceBase
		}
		if _, inUse := e.table[seq]; !inUse {
			return seq, nil
		}
	}
	return 0, errors.New("probe: sequence table saturated, no free sequence number")
}

// SendBatch executes one round tick: it probes every hop from 1 up to
// the current discovery bound, growing the bound by one hop per round
// while the path is still being discovered, and holding steady once a
// restart condition fires.
func (e *Engine) SendBatch(ctx context.Context) error {
	e.mu.Lock()
	bound := e.nextProbeBound()
	e.growHops(bound)
	e.mu.Unlock()

	var sendErrors int
	for ttl := 1; ttl <= bound; ttl++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		e.mu.Lock()
		seq, err := e.allocateSequence()
		if err != nil {
			e.mu.Unlock()
			return err
		}
		e.mu.Unlock()

		sendNanos, sendErr := e.transport.Send(e.target, ttl, e.packetID, seq)
		if sendErr != nil {
			sendErrors++
			e.log.Warnw("probe send failed", "ttl", ttl, "error", sendErr)
			continue
		}

		e.mu.Lock()
		e.table[seq] = sequenceEntry{hopIndex: ttl - 1, sendNanos: sendNanos}
		e.mu.Unlock()
		e.hops[ttl-1].RecordSent()
	}

	if bound > 0 && sendErrors*2 > bound {
		e.log.Warnw("more than half of this round's probes failed to send", "bound", bound, "failed", sendErrors)
	}

	e.mu.Lock()
	e.numHosts = bound
	e.mu.Unlock()
	e.fireUpdate()
	return nil
}

// nextProbeBound decides how far this round probes: grow the frontier
// by one hop while discovery is still open, otherwise hold at the
// already-discovered path length. Caller holds e.mu.
func (e *Engine) nextProbeBound() int {
	if e.terminalFound {
		return e.terminalHop
	}
	if e.numHosts >= e.maxHops {
		return e.maxHops
	}
	if e.tooManyUnknowns() {
		return e.numHosts
	}
	return e.numHosts + 1
}

// tooManyUnknowns implements the "too many unknowns" firewall-
// termination heuristic: the trailing unknownHopStreak hops have had
// no address and no responses for unknownHopRounds consecutive
// sweeps. Caller holds e.mu.
func (e *Engine) tooManyUnknowns() bool {
	return e.tailSilent() && e.unknownStreakRounds >= unknownHopRounds
}

// tailSilent reports whether the trailing unknownHopStreak hops
// currently have no recorded address and no received responses.
// Caller holds e.mu.
func (e *Engine) tailSilent() bool {
	if e.numHosts < unknownHopStreak {
		return false
	}
	for i := e.numHosts - unknownHopStreak; i < e.numHosts; i++ {
		if i < 0 || i >= len(e.hops) {
			return false
		}
		h := e.hops[i]
		if h.Address() != "" || h.Received() > 0 {
			return false
		}
	}
	return true
}

// CollectResponses runs the response demultiplexer: it waits on
// transport readiness, drains every ready datagram, and credits
// matched responses to their originating hop. It returns only when
// ctx is done or the transport reports a non-cancellation error.
func (e *Engine) CollectResponses(ctx context.Context) error {
	buf := make([]byte, 1500)
	for {
		if err := e.transport.RecvReady(ctx); err != nil {
			return err
		}

		for {
			n, src, recvNanos, ok, err := e.transport.RecvOne(buf)
			if err != nil {
				e.log.Warnw("receive error", "error", err)
				break
			}
			if !ok {
				break // drained: WouldBlock equivalent
			}
			e.handleDatagram(buf[:n], src, recvNanos)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// handleDatagram decodes one datagram and, if it matches a live probe,
// credits the RTT to that probe's hop.
func (e *Engine) handleDatagram(raw []byte, src net.IP, recvNanos int64) {
	decoded, err := codec.Decode(raw)
	if err != nil {
		return // malformed or unrecognized: silently dropped
	}
	if decoded.PacketID != e.packetID {
		return // not one of ours
	}

	e.mu.Lock()
	entry, found := e.table[decoded.Sequence]
	if !found {
		e.mu.Unlock()
		return
	}
	delete(e.table, decoded.Sequence)
	if decoded.Kind == codec.KindEchoReply && !e.terminalFound {
		e.terminalFound = true
		e.terminalHop = entry.hopIndex + 1
	}
	e.mu.Unlock()

	rtt := timing.Since(entry.sendNanos, recvNanos)

	hop := e.hopAt(entry.hopIndex)
	if hop == nil {
		return
	}
	if src != nil {
		if addr := src.String(); addr != hop.Address() {
			hop.SetAddress(addr)
		}
	}
	hop.RecordResponse(rtt)
	e.fireUpdate()
}

func (e *Engine) hopAt(idx int) *hopstats.HopStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx < 0 || idx >= len(e.hops) {
		return nil
	}
	return e.hops[idx]
}

// SweepStale performs the periodic garbage-collection pass: entries
// older than probeTimeout are removed and their hop is credited with a
// timeout rather than a response. Also advances or resets the "too
// many unknowns" streak counter.
func (e *Engine) SweepStale(now int64, probeTimeout int64) {
	var staleHops []int

	e.mu.Lock()
	for seq, entry := range e.table {
		if now-entry.sendNanos > probeTimeout {
			delete(e.table, seq)
			staleHops = append(staleHops, entry.hopIndex)
		}
	}

	if e.tailSilent() {
		e.unknownStreakRounds++
	} else {
		e.unknownStreakRounds = 0
	}
	e.mu.Unlock()

	for _, idx := range staleHops {
		if hop := e.hopAt(idx); hop != nil {
			hop.RecordTimeout()
		}
	}
	if len(staleHops) > 0 {
		e.fireUpdate()
	}
}

// TerminalHop returns the 1-based hop number marked terminal, and
// whether one has been found yet.
func (e *Engine) TerminalHop() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminalHop, e.terminalFound
}

// NumHosts returns the current discovery bound.
func (e *Engine) NumHosts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.numHosts
}

// PendingCount returns the number of probes currently in flight, used
// by the controller's Stopping state to know when draining is
// complete.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.table)
}
