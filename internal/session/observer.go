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

package session

import "github.com/dnaeon/mtr-engine/internal/hopstats"

// HopView is the read-only, point-in-time view of one hop's
// statistics published to observers. It is an independent copy, never
// a live reference into the engine's hopstats.HopStats.
type HopView struct {
	HopNumber   int
	Address     string
	Terminal    bool
	Sent        int
	Received    int
	LossPercent float64
	Last        int64
	Best        int64
	Worst       int64
	Avg         float64
	EMA         float64
	JitterLast  float64
	JitterAvg   float64
	RTTSamples  []int64
}

// Observer receives a snapshot of every hop after each mutation the
// controller makes. Snapshots are not transactionally consistent
// across hops; observers must tolerate partial rounds.
type Observer interface {
	Publish(snapshot []HopView)
}

// newHopView copies the current state of h into an independent value,
// safe to hand to an observer running on another goroutine.
func newHopView(h *hopstats.HopStats, terminalHop int, terminalFound bool) HopView {
	return HopView{
		HopNumber:   h.HopNumber,
		Address:     h.Address(),
		Terminal:    terminalFound && h.HopNumber == terminalHop,
		Sent:        h.Sent(),
		Received:    h.Received(),
		LossPercent: h.LossPercent(),
		Last:        h.Last(),
		Best:        h.Best(),
		Worst:       h.Worst(),
		Avg:         h.Avg(),
		EMA:         h.EMA(),
		JitterLast:  h.JitterLast(),
		JitterAvg:   h.JitterAvg(),
		RTTSamples:  h.RTTSamples(),
	}
}
