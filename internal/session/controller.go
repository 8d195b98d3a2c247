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

// Package session implements the probe session controller: the
// Resolving/Running/Stopping/Stopped state machine that resolves the
// target, drives the probe engine's round clock, and publishes
// snapshots to observers.
package session

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dnaeon/mtr-engine/internal/probe"
	"github.com/dnaeon/mtr-engine/internal/timing"
	"github.com/dnaeon/mtr-engine/internal/transport"
)

// State is one of the controller's four lifecycle states.
type State int

const (
	StateResolving State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	ErrUnresolvable = errors.New("session: target did not resolve to an address")
)

// ExitCode maps a session-terminating error to a process exit code: 0
// success, 1 privilege failure (Raw backend required), 2 unresolvable
// target, 3 other fatal I/O.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, transport.ErrPrivilegeDenied):
		return 1
	case errors.Is(err, ErrUnresolvable):
		return 2
	default:
		return 3
	}
}

// Controller owns the transport and the engine, and is the only
// component that mutates session-wide state across the
// Resolving/Running/Stopping/Stopped lifecycle.
type Controller struct {
	cfg Config
	log *zap.SugaredLogger

	mu        sync.Mutex
	state     State
	observers []Observer

	target    net.IP
	transport transport.Transport
	engine    *probe.Engine
	backend   transport.Backend

	roundsDone int
}

// New constructs a Controller. It does not resolve the target or open
// a transport yet; call Run to drive the full lifecycle.
func New(cfg Config, log *zap.SugaredLogger) (*Controller, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{cfg: cfg, log: log, state: StateResolving}, nil
}

// AddObserver registers an observer to receive snapshots after every
// mutation. Safe to call before Run.
func (c *Controller) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run executes the full Resolving -> Running -> Stopping -> Stopped
// lifecycle. It returns when cfg.Count rounds have completed, ctx is
// cancelled, or a fatal error occurs.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.resolve(ctx); err != nil {
		c.setState(StateStopped)
		return err
	}

	if err := c.openTransport(); err != nil {
		c.setState(StateStopped)
		return err
	}
	defer c.transport.Close()

	c.engine = probe.New(c.transport, c.target, os.Getpid()&0xffff, c.cfg.MaxHops, c.log)
	c.engine.SetOnUpdate(c.publish)

	c.setState(StateRunning)

	// The tick task is driven directly by the caller's cancellation
	// signal. The receive task runs on its own context so that, once
	// ticking stops, it keeps draining ready responses independently
	// for up to probeTimeout instead of dying the instant the tick
	// task does.
	recvCtx, recvCancel := context.WithCancel(context.Background())
	defer recvCancel()

	recvDone := make(chan error, 1)
	go func() { recvDone <- c.engine.CollectResponses(recvCtx) }()

	tickErr := c.tickLoop(ctx)

	c.setState(StateStopping)
	c.drain(recvCancel, recvDone)
	c.setState(StateStopped)

	if tickErr != nil && errors.Is(tickErr, context.Canceled) {
		return nil
	}
	return tickErr
}

// resolve performs the Resolving state: a blocking but interruptible
// hostname lookup.
func (c *Controller) resolve(ctx context.Context) error {
	c.setState(StateResolving)

	type result struct {
		ip  net.IP
		err error
	}
	ch := make(chan result, 1)
	go func() {
		addr, err := net.ResolveIPAddr("ip4", c.cfg.Target)
		if err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{ip: addr.IP}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return errors.Wrap(ErrUnresolvable, r.err.Error())
		}
		c.target = r.ip
		return nil
	}
}

// openTransport selects and opens the Raw or Sim backend: Raw is
// attempted unless ForceSimulate is set, and a Raw failure falls back
// to Sim only when Simulate was explicitly requested.
func (c *Controller) openTransport() error {
	if c.cfg.ForceSimulate {
		c.transport = transport.NewSim(c.target, c.simOptions())
		c.backend = transport.BackendSim
		return nil
	}

	raw, err := transport.NewRaw()
	if err == nil {
		c.transport = raw
		c.backend = transport.BackendRaw
		return nil
	}

	if !c.cfg.Simulate {
		return err // propagates as ErrPrivilegeDenied, exit code 1
	}

	c.log.Warnw("raw transport unavailable, falling back to simulated backend", "error", err)
	c.transport = transport.NewSim(c.target, c.simOptions())
	c.backend = transport.BackendSim
	return nil
}

func (c *Controller) simOptions() transport.SimOptions {
	return transport.SimOptions{
		Depth:          c.cfg.SimDepth,
		HopLatencyMs:   c.cfg.SimHopLatencyMs,
		HopLossPercent: c.cfg.SimHopLossPercent,
	}
}

// tickLoop is the Running state's tick task: it sleeps until the next
// round boundary, sends a batch, sweeps stale entries, and repeats
// until cfg.Count rounds complete or ctx is cancelled.
func (c *Controller) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := c.engine.SendBatch(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		c.engine.SweepStale(timing.Now(), int64(c.cfg.ProbeTimeout()))

		c.mu.Lock()
		c.roundsDone++
		done := c.cfg.Count > 0 && c.roundsDone >= c.cfg.Count
		c.mu.Unlock()
		if done {
			return nil
		}
	}
}

// drain performs the Stopping state: the receive task (running on
// recvCtx) keeps matching ready responses independently and
// concurrently while this method only checks, at a bookkeeping
// cadence, whether every in-flight probe has been matched or can be
// declared stale — it never substitutes for the receive task's own
// readiness-driven loop. Bounded by probeTimeout.
func (c *Controller) drain(recvCancel context.CancelFunc, recvDone <-chan error) {
	deadline := time.NewTimer(c.cfg.ProbeTimeout())
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

loop:
	for {
		if c.engine.PendingCount() == 0 {
			break loop
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			break loop
		}
	}

	c.engine.SweepStale(timing.Now(), 0)
	recvCancel()
	// The Raw backend's RecvReady wakes only on a datagram or on Close,
	// not on recvCtx, so the transport is closed here to end the wait.
	c.transport.Close()
	<-recvDone
}

// publish copies the engine's current hop vector into an Observer
// snapshot and fans it out. Called by the engine's onUpdate hook after
// every mutation.
func (c *Controller) publish() {
	terminalHop, terminalFound := c.engine.TerminalHop()
	hops := c.engine.Hops()

	snapshot := make([]HopView, len(hops))
	for i, h := range hops {
		snapshot[i] = newHopView(h, terminalHop, terminalFound)
	}

	c.mu.Lock()
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, o := range observers {
		o.Publish(snapshot)
	}
}

// Backend returns which transport backend Run selected.
func (c *Controller) Backend() transport.Backend {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend
}
