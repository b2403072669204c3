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

// TargetSpec is one parsed target string, per the grammar in spec.md §4.4:
//
//	target   := hostname
//	          | hostname ':' numa_id
//	          | hostname ':' ':' gpu_list
//	gpu_list := integer (',' integer)*
type TargetSpec struct {
	Raw      string
	Hostname string
	NumaID   *int
	GPUs     []int
}

// Submission is the input to the target resolver: a task shape plus zero
// or more targets. An empty Targets list means auto-select.
type Submission struct {
	TaskType TaskType
	Command  string
	Args     []string
	Env      map[string]string

	RequiredCores       int
	RequiredMemoryBytes *int64

	ContainerEnv     ContainerEnv
	Privileged       Privileged
	AdditionalMounts []Mount

	// Targets holds the raw, unparsed target strings from the request
	// (spec.md §4.4's grammar); the resolver parses each one with
	// ParseTarget so a malformed entry becomes a per-target failure
	// rather than rejecting the whole submission.
	Targets []string
}

// FailedTarget records why one target in a submission was rejected.
type FailedTarget struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// SubmitResult is the resolver's partial-success response.
type SubmitResult struct {
	CreatedTaskIDs []int64        `json:"created_task_ids"`
	FailedTargets  []FailedTarget `json:"failed_targets"`
}
