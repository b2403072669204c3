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

package runneragent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/codepr/haku/internal/wire"
)

// Server is the runner's HTTP control surface (spec.md §4.8): run, kill,
// pause, resume, exec.
type Server struct {
	httpServer *http.Server
	log        zerolog.Logger
}

func NewServer(addr string, agent *Agent, log zerolog.Logger) *Server {
	mux := http.NewServeMux()
	h := &runnerHandlers{agent: agent, log: log}
	mux.HandleFunc("POST /run", h.handleRun)
	mux.HandleFunc("POST /kill", h.handleKill)
	mux.HandleFunc("POST /pause", h.handlePause)
	mux.HandleFunc("POST /resume", h.handleResume)
	mux.HandleFunc("POST /exec/{id}", h.handleExec)

	return &Server{
		httpServer: &http.Server{
			Addr:           addr,
			Handler:        mux,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
		log: log,
	}
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.httpServer.Addr).Msg("runneragent: listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.httpServer.SetKeepAlivesEnabled(false)
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

type runnerHandlers struct {
	agent *Agent
	log   zerolog.Logger
}

func (h *runnerHandlers) handleRun(w http.ResponseWriter, r *http.Request) {
	var order wire.DispatchOrder
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		writeAck(w, false, "malformed dispatch order")
		return
	}
	if err := h.agent.Run(r.Context(), order); err != nil {
		writeAck(w, false, err.Error())
		return
	}
	writeAck(w, true, "")
}

func (h *runnerHandlers) handleKill(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.agent.Kill)
}

func (h *runnerHandlers) handlePause(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.agent.Pause)
}

func (h *runnerHandlers) handleResume(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.agent.Resume)
}

func (h *runnerHandlers) lifecycle(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) error) {
	var req wire.LifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := fn(r.Context(), req.TaskID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *runnerHandlers) handleExec(w http.ResponseWriter, r *http.Request) {
	taskID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	var req wire.ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	out, err := h.agent.Exec(r.Context(), taskID, req.Cmd)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer out.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, out)
}

func writeAck(w http.ResponseWriter, accepted bool, reason string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(wire.DispatchAck{Accepted: accepted, Reason: reason})
}
