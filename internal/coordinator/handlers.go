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

package coordinator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/codepr/haku/internal/herr"
	"github.com/codepr/haku/internal/model"
	"github.com/codepr/haku/internal/wire"
)

// HeartbeatIngester is the narrow interface handlers needs against the
// heartbeat monitor, so this package doesn't import internal/heartbeat
// for its full type.
type HeartbeatIngester interface {
	Ingest(hostname string, cpuPercent, memPercent float64, gpus []model.GPUTelemetry) error
}

type handlers struct {
	c  *Coordinator
	hb HeartbeatIngester
	log zerolog.Logger
}

func (h *handlers) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /register", h.handleRegister)
	mux.HandleFunc("POST /heartbeat", h.handleHeartbeat)
	mux.HandleFunc("POST /status", h.handleIngestStatus)
	mux.HandleFunc("POST /submit", h.handleSubmit)
	mux.HandleFunc("GET /task/{id}", h.handleTaskStatus)
	mux.HandleFunc("POST /task/{id}/kill", h.handleKill)
	mux.HandleFunc("POST /task/{id}/pause", h.handlePause)
	mux.HandleFunc("POST /task/{id}/resume", h.handleResume)
	mux.HandleFunc("GET /task/{id}/stdout", h.handleStdout)
	mux.HandleFunc("GET /task/{id}/stderr", h.handleStderr)
	mux.HandleFunc("GET /nodes", h.handleListNodes)
	mux.HandleFunc("GET /nodes/{hostname}", h.handleNode)
	mux.HandleFunc("GET /health", h.handleHealth)
}

func (h *handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req wire.RegisterNodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.c.RegisterNode(nodeFromRegister(req)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req wire.HeartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if h.hb == nil {
		writeError(w, herr.NotFound("handleHeartbeat", "heartbeat monitor not configured"))
		return
	}
	if err := h.hb.Ingest(req.Hostname, req.CPUPercent, req.MemPercent, gpuTelemetryFromWire(req.GPUTelemetry)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	var req wire.StatusIngestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := h.c.IngestStatus(req.TaskID, model.TaskStatus(req.Status), req.ExitCode, req.ErrorMessage, req.SSHPort, req.UnitID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req wire.SubmitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := SubmissionFromWire(req)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.c.Submit(sub)
	if err != nil {
		writeError(w, err)
		return
	}
	failed := make([]wire.FailedTarget, 0, len(result.FailedTargets))
	for _, f := range result.FailedTargets {
		failed = append(failed, wire.FailedTarget{Target: f.Target, Reason: f.Reason})
	}
	writeJSON(w, http.StatusAccepted, wire.SubmitResponse{CreatedTaskIDs: result.CreatedTaskIDs, FailedTargets: failed})
}

func (h *handlers) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	task, err := h.c.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TaskToView(task))
}

func (h *handlers) handleKill(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	if err := h.c.Kill(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handlePause(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	if err := h.c.Pause(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleResume(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	if err := h.c.Resume(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleStdout(w http.ResponseWriter, r *http.Request) {
	h.writeLog(w, r, true)
}

func (h *handlers) handleStderr(w http.ResponseWriter, r *http.Request) {
	h.writeLog(w, r, false)
}

func (h *handlers) writeLog(w http.ResponseWriter, r *http.Request, stdout bool) {
	id, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	data, err := h.c.FetchLog(id, stdout)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(data))
}

func (h *handlers) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.c.ListNodes()
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]wire.NodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, NodeToBasicView(n))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handlers) handleNode(w http.ResponseWriter, r *http.Request) {
	hostname := r.PathValue("hostname")
	node, err := h.c.Node(hostname)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NodeToFullView(node))
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	online, offline, lost, byStatus, err := h.c.Health()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.HealthResponse{
		NodesOnline:   online,
		NodesOffline:  offline,
		NodesLost:     lost,
		TasksByStatus: byStatus,
	})
}

func pathTaskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, herr.Validation("pathTaskID", "invalid task id"))
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, herr.Validation("decodeJSON", "malformed request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := ""
	var herrErr *herr.Error
	if errors.As(err, &herrErr) {
		kind = string(herrErr.Kind)
		switch herrErr.Kind {
		case herr.KindValidation:
			status = http.StatusBadRequest
		case herr.KindNotFound:
			status = http.StatusNotFound
		case herr.KindIllegalTransition:
			status = http.StatusConflict
		case herr.KindRunnerUnreachable, herr.KindDispatchFailure:
			status = http.StatusBadGateway
		default:
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, wire.ErrorResponse{Error: err.Error(), Kind: kind})
}
