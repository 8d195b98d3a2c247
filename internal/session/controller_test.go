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

package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dnaeon/mtr-engine/internal/session"
)

type recordingObserver struct {
	snapshots [][]session.HopView
}

func (r *recordingObserver) Publish(snapshot []session.HopView) {
	cp := make([]session.HopView, len(snapshot))
	copy(cp, snapshot)
	r.snapshots = append(r.snapshots, cp)
}

func simConfig(target string) session.Config {
	cfg := session.Default()
	cfg.Target = target
	cfg.ForceSimulate = true
	cfg.Interval = 30 * time.Millisecond
	cfg.MaxHops = 5
	cfg.SimDepth = 5
	cfg.SimHopLossPercent = map[int]float64{0: 0, 1: 0, 2: 0, 3: 0, 4: 0}
	return cfg
}

func TestControllerRunsConfiguredRoundCount(t *testing.T) {
	cfg := simConfig("198.51.100.1")
	cfg.Count = 3

	ctrl, err := session.New(cfg, nil)
	require.NoError(t, err)

	obs := &recordingObserver{}
	ctrl.AddObserver(obs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = ctrl.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, session.StateStopped, ctrl.State())
	require.NotEmpty(t, obs.snapshots)

	last := obs.snapshots[len(obs.snapshots)-1]
	require.NotEmpty(t, last)
}

func TestControllerCancellationDrainsSequenceTable(t *testing.T) {
	cfg := simConfig("198.51.100.2")
	cfg.Count = 0 // run until cancelled

	ctrl, err := session.New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	require.Equal(t, session.StateStopped, ctrl.State())
}

func TestExitCodeMapping(t *testing.T) {
	require.Equal(t, 0, session.ExitCode(nil))
	require.Equal(t, 2, session.ExitCode(session.ErrUnresolvable))
}
