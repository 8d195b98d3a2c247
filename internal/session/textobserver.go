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

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dnaeon/mtr-engine/internal/timing"
)

// TextObserver renders each snapshot as a tabwriter-aligned table. It
// is the minimal Observer that lets the core carry itself: a working
// binary needs something to print, even though richer report
// formatting could live elsewhere.
type TextObserver struct {
	w      io.Writer
	fields []Field
	numeric bool
}

// NewTextObserver creates a TextObserver that renders the given
// ordered column set to w.
func NewTextObserver(w io.Writer, fields []Field, numeric bool) *TextObserver {
	return &TextObserver{w: w, fields: fields, numeric: numeric}
}

// Publish implements Observer.
func (o *TextObserver) Publish(snapshot []HopView) {
	tw := tabwriter.NewWriter(o.w, 0, 4, 2, ' ', 0)

	header := make([]string, len(o.fields))
	for i, f := range o.fields {
		header[i] = strings.ToUpper(string(f))
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))

	for _, hop := range snapshot {
		row := make([]string, len(o.fields))
		for i, f := range o.fields {
			row[i] = o.cell(hop, f)
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	tw.Flush()
}

func (o *TextObserver) cell(h HopView, f Field) string {
	switch f {
	case FieldHop:
		return fmt.Sprintf("%d", h.HopNumber)
	case FieldHost:
		if h.Address == "" {
			return "???"
		}
		return h.Address
	case FieldLoss:
		return fmt.Sprintf("%.1f%%", h.LossPercent)
	case FieldSent:
		return fmt.Sprintf("%d", h.Sent)
	case FieldLast:
		return timing.Format(h.Last)
	case FieldAvg:
		return timing.Format(int64(h.Avg))
	case FieldEMA:
		return timing.Format(int64(h.EMA))
	case FieldJitter:
		return timing.Format(int64(h.JitterLast))
	case FieldJitterAvg:
		return timing.Format(int64(h.JitterAvg))
	case FieldBest:
		return timing.Format(h.Best)
	case FieldWorst:
		return timing.Format(h.Worst)
	case FieldGraph:
		return sparkline(h.RTTSamples)
	default:
		return ""
	}
}

// sparkline renders a coarse ASCII bar per sample, scaled against the
// largest value in the set, for the "graph" column.
func sparkline(samples []int64) string {
	if len(samples) == 0 {
		return ""
	}
	const ramp = " .:-=+*#%@"
	var max int64
	for _, s := range samples {
		if s > max {
			max = s
		}
	}
	if max == 0 {
		max = 1
	}
	var b strings.Builder
	for _, s := range samples {
		idx := int(float64(s) / float64(max) * float64(len(ramp)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(ramp) {
			idx = len(ramp) - 1
		}
		b.WriteByte(ramp[idx])
	}
	return b.String()
}
