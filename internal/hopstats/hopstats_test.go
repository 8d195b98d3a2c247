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

package hopstats_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dnaeon/mtr-engine/internal/hopstats"
)

func TestRecordResponseUpdatesDerivedMetrics(t *testing.T) {
	h := hopstats.New(1)
	h.RecordSent()
	h.RecordResponse(10_000_000) // 10ms

	require.Equal(t, int64(10_000_000), h.Last())
	require.Equal(t, int64(10_000_000), h.Best())
	require.Equal(t, int64(10_000_000), h.Worst())
	require.InDelta(t, 10_000_000, h.Avg(), 0.001)
	require.InDelta(t, 10_000_000, h.EMA(), 0.001)
	require.Equal(t, 1, h.Received())
}

func TestEMAConvergesTowardNewSample(t *testing.T) {
	h := hopstats.New(1)
	h.RecordSent()
	h.RecordResponse(10_000_000)
	prevEMA := h.EMA()

	h.RecordSent()
	h.RecordResponse(20_000_000)
	newEMA := h.EMA()

	// EMA_n must move closer to the new sample than EMA_{n-1} was.
	require.Less(t, absFloat(newEMA-20_000_000), absFloat(prevEMA-20_000_000))
}

func TestJitterConvergesToZeroOnConstantRTT(t *testing.T) {
	h := hopstats.New(1)
	for i := 0; i < 20; i++ {
		h.RecordSent()
		h.RecordResponse(10_000_000)
	}
	require.GreaterOrEqual(t, h.JitterAvg(), 0.0)
	require.InDelta(t, 0, h.JitterAvg(), 0.05*10_000_000)
}

func TestLossPercent(t *testing.T) {
	h := hopstats.New(1)
	for i := 0; i < 10; i++ {
		h.RecordSent()
	}
	for i := 0; i < 7; i++ {
		h.RecordResponse(int64(i + 1))
	}
	require.InDelta(t, 30.0, h.LossPercent(), 0.001)
}

func TestLossPercentZeroWhenNothingSent(t *testing.T) {
	h := hopstats.New(1)
	require.Equal(t, 0.0, h.LossPercent())
}

func TestRTTSamplesOrderedOldestFirst(t *testing.T) {
	h := hopstats.New(1)
	for i := int64(1); i <= 5; i++ {
		h.RecordSent()
		h.RecordResponse(i)
	}
	require.Equal(t, []int64{1, 2, 3, 4, 5}, h.RTTSamples())
}

func TestReceivedNeverExceedsSent(t *testing.T) {
	h := hopstats.New(1)
	h.RecordSent()
	h.RecordResponse(5)
	require.LessOrEqual(t, h.Received(), h.Sent())
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
