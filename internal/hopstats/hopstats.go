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

// Package hopstats implements the rolling per-hop statistics that back
// the live report: counts, a bounded RTT ring buffer, an exponential
// moving average, and RFC 3550-style interarrival jitter.
package hopstats

import "sync"

// ringCapacity bounds the recent-RTT ring kept for the sparkline and
// variance sample; large enough to smooth over a few seconds of
// probing at typical round intervals without growing unbounded.
const ringCapacity = 128

// emaAlpha is the EMA smoothing factor applied to each new RTT sample.
const emaAlpha = 0.1

// HopStats is the per-hop aggregate the probe engine keeps one of per
// TTL. All RTTs are nanosecond int64s; formatting is left to callers
// (timing.Format).
type HopStats struct {
	mu sync.Mutex

	HopNumber int    // 1-based, immutable after construction
	address   string // resolved endpoint for the most recent observation, may be empty

	sent     int
	received int

	ring     [ringCapacity]int64
	ringLen  int
	ringNext int

	last  int64
	best  int64
	worst int64
	avg   float64
	ema   float64
	haveSample bool

	jitterLast float64
	jitterAvg  float64

	consecutiveTimeouts int
}

// New creates a HopStats for the given 1-based hop number.
func New(hopNumber int) *HopStats {
	return &HopStats{HopNumber: hopNumber}
}

// RecordSent increments the sent counter. Called once per probe
// emitted toward this hop, independent of whether it is ever matched.
func (h *HopStats) RecordSent() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent++
}

// RecordResponse folds a matched RTT sample (nanoseconds) into the
// rolling statistics: ring buffer, last/best/worst, incremental
// average, EMA and jitter.
func (h *HopStats) RecordResponse(rttNanos int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.received++
	h.pushRing(rttNanos)

	if !h.haveSample {
		h.best = rttNanos
		h.worst = rttNanos
		h.avg = float64(rttNanos)
		h.ema = float64(rttNanos)
		h.haveSample = true
	} else {
		if rttNanos < h.best {
			h.best = rttNanos
		}
		if rttNanos > h.worst {
			h.worst = rttNanos
		}
		h.avg += (float64(rttNanos) - h.avg) / float64(h.received)
		h.ema = emaAlpha*float64(rttNanos) + (1-emaAlpha)*h.ema

		d := float64(rttNanos) - float64(h.last)
		if d < 0 {
			d = -d
		}
		h.jitterLast = d
		h.jitterAvg += (h.jitterLast - h.jitterAvg) / 16
	}

	h.last = rttNanos
	h.consecutiveTimeouts = 0
}

// RecordTimeout marks a probe toward this hop as lost without
// incrementing received; resets nothing else. Callers increment Sent
// via RecordSent at send time, not here.
func (h *HopStats) RecordTimeout() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveTimeouts++
}

// Reset clears all counters and samples. The probe engine does not
// call it: a restart of the round cycle keeps every hop's statistics.
func (h *HopStats) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = 0
	h.received = 0
	h.ringLen = 0
	h.ringNext = 0
	h.last, h.best, h.worst = 0, 0, 0
	h.avg, h.ema = 0, 0
	h.haveSample = false
	h.jitterLast, h.jitterAvg = 0, 0
	h.consecutiveTimeouts = 0
}

func (h *HopStats) pushRing(v int64) {
	h.ring[h.ringNext] = v
	h.ringNext = (h.ringNext + 1) % ringCapacity
	if h.ringLen < ringCapacity {
		h.ringLen++
	}
}

// Sent returns the count of probes sent toward this hop.
func (h *HopStats) Sent() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent
}

// Received returns the count of matched responses for this hop.
func (h *HopStats) Received() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.received
}

// LossPercent returns 100*(sent-received)/sent, or 0 when sent is 0.
func (h *HopStats) LossPercent() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sent == 0 {
		return 0
	}
	return 100 * float64(h.sent-h.received) / float64(h.sent)
}

// Last, Best, Worst return the most recent/lowest/highest RTT
// observed, in nanoseconds.
func (h *HopStats) Last() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

func (h *HopStats) Best() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.best
}

func (h *HopStats) Worst() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.worst
}

// Avg returns the incrementally-maintained mean RTT in nanoseconds.
func (h *HopStats) Avg() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.avg
}

// EMA returns the exponential moving average RTT in nanoseconds.
func (h *HopStats) EMA() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ema
}

// JitterLast and JitterAvg return the RFC 3550-style interarrival
// jitter estimators in nanoseconds.
func (h *HopStats) JitterLast() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.jitterLast
}

func (h *HopStats) JitterAvg() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.jitterAvg
}

// ConsecutiveTimeouts returns the current timeout streak, used by the
// probe engine's "too many unknowns" restart heuristic.
func (h *HopStats) ConsecutiveTimeouts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutiveTimeouts
}

// RTTSamples returns a copy of the recent RTT ring, oldest first, for
// the sparkline/variance consumers.
func (h *HopStats) RTTSamples() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]int64, h.ringLen)
	start := (h.ringNext - h.ringLen + ringCapacity) % ringCapacity
	for i := 0; i < h.ringLen; i++ {
		out[i] = h.ring[(start+i)%ringCapacity]
	}
	return out
}

// SetAddress records the endpoint most recently observed at this hop.
// A changed address (a router rerouting, an ECMP path flap) replaces
// the prior one for future observations without discarding recorded
// samples.
func (h *HopStats) SetAddress(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.address = addr
}

// Address returns the endpoint most recently observed at this hop.
func (h *HopStats) Address() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.address
}
