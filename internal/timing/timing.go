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

// Package timing provides the monotonic clock abstraction and the
// RTT formatting helpers shared by the probe engine and its observers.
package timing

import (
	"fmt"
	"time"
)

// procStart anchors Now's epoch. Capturing it once at package init and
// diffing against it with time.Since keeps every reading on the
// runtime's monotonic clock reading (see the "Monotonic Clocks"
// section of the time package docs) rather than wall-clock time, which
// NTP or manual adjustment can step backward underneath a timer.
var procStart = time.Now()

// Now returns a monotonic timestamp in nanoseconds since procStart.
// Successive calls are guaranteed non-decreasing; it is never used to
// derive wall-clock time.
func Now() int64 {
	return int64(time.Since(procStart))
}

// Since computes the elapsed nanoseconds between a send timestamp and
// a receive timestamp, clamping to 1ns when the clock read the same
// value twice. An RTT is never reported as zero.
func Since(sendNanos, recvNanos int64) int64 {
	d := recvNanos - sendNanos
	if d < 1 {
		return 1
	}
	return d
}

// Format renders a nanosecond duration the way the observer column
// set expects: sub-millisecond values in microseconds, everything
// else in milliseconds.
func Format(nanos int64) string {
	d := time.Duration(nanos)
	if d < time.Millisecond {
		return fmt.Sprintf("%.1fµs", float64(d.Nanoseconds())/1000.0)
	}
	return fmt.Sprintf("%.1fms", float64(d.Nanoseconds())/1e6)
}
