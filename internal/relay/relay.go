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

// Package relay implements the SSH Relay (spec.md §4.9): a plain TCP
// proxy that reads a "HAKU-SSH <task_id>" handshake off the front of an
// incoming connection, resolves the task's runner and mapped SSH port
// through the state store, and pipes bytes bidirectionally thereafter.
package relay

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/codepr/haku/internal/model"
	"github.com/codepr/haku/internal/store"
)

const handshakePrefix = "HAKU-SSH "

// Relay owns the listening socket and the store lookups needed to
// resolve a task id to a live runner address.
type Relay struct {
	store    store.Store
	listener net.Listener
	log      zerolog.Logger
}

// Listen binds addr and returns a Relay ready to Serve.
func Listen(addr string, st store.Store, log zerolog.Logger) (*Relay, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Relay{store: st, listener: ln, log: log}, nil
}

func (r *Relay) Addr() net.Addr { return r.listener.Addr() }

// Serve accepts connections until the listener is closed (by Close,
// typically from a shutdown goroutine watching a context).
func (r *Relay) Serve() error {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			return err
		}
		go r.handle(conn)
	}
}

func (r *Relay) Close() error { return r.listener.Close() }

// handle implements the wire protocol documented in spec.md §4.9: read
// one newline-terminated handshake line, resolve it, dial the runner,
// then copy bytes both ways until either side closes.
func (r *Relay) handle(client net.Conn) {
	defer client.Close()

	taskID, clientReader, err := r.readHandshake(client)
	if err != nil {
		r.writeErrorLine(client, err.Error())
		return
	}

	task, err := r.store.GetTask(taskID)
	if err != nil {
		r.writeErrorLine(client, fmt.Sprintf("unknown task %d", taskID))
		return
	}
	if !task.IsVPS() {
		r.writeErrorLine(client, fmt.Sprintf("task %d is not a vps session", taskID))
		return
	}
	if task.Status != model.StatusRunning && task.Status != model.StatusPaused {
		r.writeErrorLine(client, fmt.Sprintf("task %d is %s, not ready for ssh", taskID, task.Status))
		return
	}
	if task.SSHPort == 0 {
		r.writeErrorLine(client, fmt.Sprintf("task %d has no ssh port assigned", taskID))
		return
	}

	node, err := r.store.GetNode(task.TargetHostname)
	if err != nil {
		r.writeErrorLine(client, fmt.Sprintf("node %s unreachable", task.TargetHostname))
		return
	}

	runnerAddr := runnerDialAddr(node.Endpoint, task.SSHPort)
	upstream, err := net.Dial("tcp", runnerAddr)
	if err != nil {
		r.writeErrorLine(client, "failed to reach runner")
		return
	}
	defer upstream.Close()

	r.pipe(clientReader, client, upstream)
}

// readHandshake reads exactly the "HAKU-SSH <id>\n" line and returns a
// reader positioned right after it: bytes the client wrote past the
// newline are part of the SSH stream, not the handshake, and must not
// be dropped along with bufio's internal buffer.
func (r *Relay) readHandshake(conn net.Conn) (int64, io.Reader, error) {
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return 0, nil, fmt.Errorf("missing handshake")
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, handshakePrefix) {
		return 0, nil, fmt.Errorf("invalid handshake")
	}
	taskID, err := strconv.ParseInt(strings.TrimPrefix(line, handshakePrefix), 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid task id")
	}
	return taskID, reader, nil
}

func (r *Relay) writeErrorLine(conn net.Conn, msg string) {
	_, _ = conn.Write([]byte("ERROR " + msg + "\n"))
}

// pipe copies bytes bidirectionally and tears both halves down together
// once either side closes, per spec.md §4.9. clientReader already holds
// any bytes buffered past the handshake line.
func (r *Relay) pipe(clientReader io.Reader, client net.Conn, upstream net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		_, _ = io.Copy(upstream, clientReader)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, upstream)
		done <- struct{}{}
	}()

	<-done
	client.Close()
	upstream.Close()
	<-done
}

func runnerDialAddr(endpoint string, sshPort int) string {
	host := endpoint
	if idx := strings.LastIndex(endpoint, ":"); idx >= 0 {
		host = endpoint[:idx]
	}
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimPrefix(host, "https://")
	return net.JoinHostPort(host, strconv.Itoa(sshPort))
}
