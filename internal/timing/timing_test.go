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

package timing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dnaeon/mtr-engine/internal/timing"
)

func TestNowNonDecreasing(t *testing.T) {
	a := timing.Now()
	b := timing.Now()
	require.GreaterOrEqual(t, b, a)
}

func TestSinceClampsToOneNanosecond(t *testing.T) {
	require.Equal(t, int64(1), timing.Since(100, 100))
	require.Equal(t, int64(1), timing.Since(100, 50))
	require.Equal(t, int64(42), timing.Since(100, 142))
}

func TestFormat(t *testing.T) {
	require.Equal(t, "500.0µs", timing.Format(500_000))
	require.Equal(t, "12.3ms", timing.Format(int64(12.3*float64(time.Millisecond))))
}
