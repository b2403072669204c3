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

package store

import (
	"errors"
	"testing"

	"github.com/codepr/haku/internal/herr"
	"github.com/codepr/haku/internal/model"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateAndGetNode(t *testing.T) {
	st := openTestStore(t)
	node := &model.Node{Hostname: "node-a", Endpoint: "http://node-a:7790", TotalCores: 8}
	if err := st.CreateNode(node); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	got, err := st.GetNode("node-a")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.TotalCores != 8 {
		t.Errorf("expected TotalCores 8, got %d", got.TotalCores)
	}
}

func TestGetNodeNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.GetNode("missing")
	var herrErr *herr.Error
	if !errors.As(err, &herrErr) || herrErr.Kind != herr.KindNotFound {
		t.Errorf("expected KindNotFound, got %v", err)
	}
}

func TestListNodes(t *testing.T) {
	st := openTestStore(t)
	st.CreateNode(&model.Node{Hostname: "node-a"})
	st.CreateNode(&model.Node{Hostname: "node-b"})

	nodes, err := st.ListNodes()
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Errorf("expected 2 nodes, got %d", len(nodes))
	}
}

func TestCreateAndGetTask(t *testing.T) {
	st := openTestStore(t)
	task := &model.Task{TaskID: 1, Status: model.StatusPending, Command: "echo hi"}
	if err := st.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := st.GetTask(1)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Command != "echo hi" {
		t.Errorf("expected command echo hi, got %q", got.Command)
	}
}

func TestListTasksByStatus(t *testing.T) {
	st := openTestStore(t)
	st.CreateTask(&model.Task{TaskID: 1, Status: model.StatusPending})
	st.CreateTask(&model.Task{TaskID: 2, Status: model.StatusRunning})
	st.CreateTask(&model.Task{TaskID: 3, Status: model.StatusRunning})

	running, err := st.ListTasksByStatus(model.StatusRunning)
	if err != nil {
		t.Fatalf("ListTasksByStatus: %v", err)
	}
	if len(running) != 2 {
		t.Errorf("expected 2 running tasks, got %d", len(running))
	}
}

func TestListActiveVPSTasks(t *testing.T) {
	st := openTestStore(t)
	st.CreateTask(&model.Task{TaskID: 1, Type: model.TaskVPS, Status: model.StatusRunning})
	st.CreateTask(&model.Task{TaskID: 2, Type: model.TaskVPS, Status: model.StatusCompleted})
	st.CreateTask(&model.Task{TaskID: 3, Type: model.TaskCommand, Status: model.StatusRunning})

	active, err := st.ListActiveVPSTasks()
	if err != nil {
		t.Fatalf("ListActiveVPSTasks: %v", err)
	}
	if len(active) != 1 || active[0].TaskID != 1 {
		t.Errorf("expected only task 1, got %+v", active)
	}
}

func TestUpdateTaskFields(t *testing.T) {
	st := openTestStore(t)
	st.CreateTask(&model.Task{TaskID: 1, Status: model.StatusPending})

	err := st.UpdateTaskFields(1, func(tk *model.Task) {
		tk.AssignedUnitName = "unit-1"
	})
	if err != nil {
		t.Fatalf("UpdateTaskFields: %v", err)
	}

	got, _ := st.GetTask(1)
	if got.AssignedUnitName != "unit-1" {
		t.Errorf("expected unit-1, got %q", got.AssignedUnitName)
	}
}

func TestTransitionTaskSucceedsFromAllowedStatus(t *testing.T) {
	st := openTestStore(t)
	st.CreateTask(&model.Task{TaskID: 1, Status: model.StatusPending})

	ok, err := st.TransitionTask(1, []model.TaskStatus{model.StatusPending}, model.StatusAssigning, nil)
	if err != nil {
		t.Fatalf("TransitionTask: %v", err)
	}
	if !ok {
		t.Errorf("expected transition to succeed")
	}

	got, _ := st.GetTask(1)
	if got.Status != model.StatusAssigning {
		t.Errorf("expected status assigning, got %s", got.Status)
	}
}

func TestTransitionTaskNoOpFromDisallowedStatus(t *testing.T) {
	st := openTestStore(t)
	st.CreateTask(&model.Task{TaskID: 1, Status: model.StatusCompleted})

	ok, err := st.TransitionTask(1, []model.TaskStatus{model.StatusPending}, model.StatusAssigning, nil)
	if err != nil {
		t.Fatalf("TransitionTask: %v", err)
	}
	if ok {
		t.Errorf("expected transition to be rejected as a no-op")
	}

	got, _ := st.GetTask(1)
	if got.Status != model.StatusCompleted {
		t.Errorf("expected status to remain completed, got %s", got.Status)
	}
}

func TestTransitionTaskAppliesMutateOnSuccess(t *testing.T) {
	st := openTestStore(t)
	st.CreateTask(&model.Task{TaskID: 1, Status: model.StatusRunning})

	exitCode := 0
	ok, err := st.TransitionTask(1, []model.TaskStatus{model.StatusRunning}, model.StatusCompleted, func(tk *model.Task) {
		tk.ExitCode = &exitCode
	})
	if err != nil || !ok {
		t.Fatalf("TransitionTask: ok=%v err=%v", ok, err)
	}

	got, _ := st.GetTask(1)
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("expected exit code to be set by mutate, got %+v", got.ExitCode)
	}
}
