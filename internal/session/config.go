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
	"time"

	"github.com/pkg/errors"
)

// Field names one of the observable report columns. Order in a
// Config.Fields slice controls the order an Observer should render
// them in; that rendering itself is out of scope here.
type Field string

const (
	FieldHop       Field = "hop"
	FieldHost      Field = "host"
	FieldLoss      Field = "loss"
	FieldSent      Field = "sent"
	FieldLast      Field = "last"
	FieldAvg       Field = "avg"
	FieldEMA       Field = "ema"
	FieldJitter    Field = "jitter"
	FieldJitterAvg Field = "jitter-avg"
	FieldBest      Field = "best"
	FieldWorst     Field = "worst"
	FieldGraph     Field = "graph"
)

// AllFields is the full observable column set, used when ShowAll is
// set.
var AllFields = []Field{
	FieldHop, FieldHost, FieldLoss, FieldSent, FieldLast, FieldAvg,
	FieldEMA, FieldJitter, FieldJitterAvg, FieldBest, FieldWorst, FieldGraph,
}

// Config is the pre-parsed configuration struct the engine consumes;
// argument parsing itself is an external collaborator.
type Config struct {
	Target string

	// Count is the number of rounds before exit; 0 means run until
	// cancelled. Report requires Count > 0, since a report with no
	// bound on how many rounds to run would never have a "final" round
	// to print.
	Count int

	Interval time.Duration
	MaxHops  int
	Numeric  bool

	// Report switches to batch mode: run Count rounds, print one
	// final table, and exit, instead of redrawing after every round.
	Report bool

	Fields  []Field
	ShowAll bool

	// Protocol acknowledges udp/tcp as recognized values but only
	// "icmp" is implemented by this engine.
	Protocol string

	Simulate      bool
	ForceSimulate bool

	// SimOptions carries Sim-backend fixtures (depth, per-hop loss
	// and latency overrides) when Simulate/ForceSimulate select it.
	// Left unset, the Sim backend derives sensible defaults.
	SimDepth          int
	SimHopLatencyMs   map[int]float64
	SimHopLossPercent map[int]float64
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		Count:    0,
		Interval: time.Second,
		MaxHops:  30,
		Protocol: "icmp",
		Fields:   []Field{FieldHop, FieldHost, FieldLoss, FieldSent, FieldLast, FieldAvg, FieldBest, FieldWorst},
	}
}

// ProbeTimeout is the per-probe garbage-collection deadline: 2x the
// round interval, floored at 1 second so a fast interval never starves
// a reply that is merely slow rather than lost.
func (c Config) ProbeTimeout() time.Duration {
	t := 2 * c.Interval
	if t < time.Second {
		t = time.Second
	}
	return t
}

// Validate checks the option combinations the controller relies on.
func (c Config) Validate() error {
	if c.Target == "" {
		return errors.New("config: target is required")
	}
	if c.Protocol != "" && c.Protocol != "icmp" {
		return errors.Errorf("config: protocol %q is acknowledged but out of scope for this engine (icmp only)", c.Protocol)
	}
	if c.MaxHops <= 0 {
		return errors.New("config: max_hops must be positive")
	}
	if c.Interval <= 0 {
		return errors.New("config: interval must be positive")
	}
	if c.Count < 0 {
		return errors.New("config: count must be >= 0")
	}
	if c.Report && c.Count <= 0 {
		return errors.New("config: report mode requires count > 0, a run with no round bound never finishes")
	}
	return nil
}

// ResolveFields returns ShowAll-expanded fields, or the explicit
// subset when ShowAll is false.
func (c Config) ResolveFields() []Field {
	if c.ShowAll || len(c.Fields) == 0 {
		return AllFields
	}
	return c.Fields
}
