// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package model

import "testing"

func TestCanTransitionPendingToAssigning(t *testing.T) {
	if !CanTransition(StatusPending, StatusAssigning) {
		t.Errorf("expected pending -> assigning to be legal")
	}
	if CanTransition(StatusAssigning, StatusPending) {
		t.Errorf("expected assigning -> pending to be illegal")
	}
}

func TestCanTransitionRunningToPausedAndBack(t *testing.T) {
	if !CanTransition(StatusRunning, StatusPaused) {
		t.Errorf("expected running -> paused to be legal")
	}
	if !CanTransition(StatusPaused, StatusRunning) {
		t.Errorf("expected paused -> running to be legal")
	}
}

func TestCanTransitionIntoTerminalStatusesFromExpectedPredecessors(t *testing.T) {
	cases := []struct {
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{StatusRunning, StatusCompleted, true},
		{StatusPaused, StatusCompleted, false},
		{StatusAssigning, StatusFailed, true},
		{StatusRunning, StatusFailed, true},
		{StatusPending, StatusKilled, true},
		{StatusPaused, StatusKilled, true},
		{StatusRunning, StatusKilledOOM, true},
		{StatusPaused, StatusKilledOOM, false},
		{StatusAssigning, StatusLost, true},
		{StatusCompleted, StatusFailed, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTerminalStatusHasNoLegalOutboundTransition(t *testing.T) {
	for status := range TerminalStatuses {
		if !status.IsTerminal() {
			t.Errorf("%s should be terminal", status)
		}
		if CanTransition(status, StatusRunning) {
			t.Errorf("%s should not be able to transition anywhere", status)
		}
	}
}

func TestPredecessorsOfMatchesCanTransition(t *testing.T) {
	for _, to := range []TaskStatus{StatusAssigning, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusKilled, StatusKilledOOM, StatusLost} {
		preds := PredecessorsOf(to)
		if len(preds) == 0 {
			t.Errorf("PredecessorsOf(%s) returned no predecessors", to)
		}
		for _, from := range preds {
			if !CanTransition(from, to) {
				t.Errorf("PredecessorsOf(%s) included %s but CanTransition disagrees", to, from)
			}
		}
	}
	if preds := PredecessorsOf(StatusPending); preds != nil {
		t.Errorf("pending has no predecessor, got %v", preds)
	}
}

func TestContainerEnvFromWire(t *testing.T) {
	env := ContainerEnvFromWire("NONE")
	if !env.Fallback || env.Name != "" {
		t.Errorf("expected fallback env for sentinel NONE, got %+v", env)
	}

	env = ContainerEnvFromWire("ubuntu-base")
	if env.Fallback || env.Name != "ubuntu-base" {
		t.Errorf("expected named env, got %+v", env)
	}
}

func TestIsVPS(t *testing.T) {
	task := Task{Type: TaskVPS}
	if !task.IsVPS() {
		t.Errorf("expected vps task to report IsVPS")
	}
	task.Type = TaskCommand
	if task.IsVPS() {
		t.Errorf("expected command task to not report IsVPS")
	}
}
