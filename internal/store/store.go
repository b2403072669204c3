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

// Package store is haku's persistent State Store (spec.md §4.1): a
// transactional, single-writer-on-the-host record of nodes and task
// instances that survives process restart.
package store

import "github.com/codepr/haku/internal/model"

// Store is the interface the coordinator, dispatcher, resolver and
// heartbeat monitor depend on. All methods are safe for concurrent use;
// writes are serialized internally by the implementation.
type Store interface {
	CreateNode(node *model.Node) error
	GetNode(hostname string) (*model.Node, error)
	ListNodes() ([]*model.Node, error)
	UpdateNode(node *model.Node) error

	CreateTask(task *model.Task) error
	GetTask(taskID int64) (*model.Task, error)
	ListTasksByStatus(statuses ...model.TaskStatus) ([]*model.Task, error)
	ListTasksByHostname(hostname string) ([]*model.Task, error)
	ListActiveVPSTasks() ([]*model.Task, error)

	// UpdateTaskFields persists a caller-supplied mutation to a task's
	// fields unconditionally (used for non-status bookkeeping such as
	// assignment_suspicion_count).
	UpdateTaskFields(taskID int64, mutate func(*model.Task)) error

	// TransitionTask is the atomic-transition primitive: it applies
	// mutate and sets Status to `to` iff the task's current status is a
	// member of from. It returns ok=false (no error) when the
	// precondition fails, which callers treat as a no-op illegal
	// transition, not a failure.
	TransitionTask(taskID int64, from []model.TaskStatus, to model.TaskStatus, mutate func(*model.Task)) (ok bool, err error)

	Close() error
}
