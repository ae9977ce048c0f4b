// Package wsexec is the Executor Message Channel transport (spec §6.2):
// one gorilla/websocket connection per executor, framed as JSON, with a
// single-writer/single-reader pump pair per connection feeding inbound
// messages to the Correlation Layer and draining the Executor
// Registry's outbound send channel.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package wsexec

import (
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/kraklabs/execbroker/cluster"
	"github.com/kraklabs/execbroker/cmn"
	"github.com/kraklabs/execbroker/correlate"
	"github.com/kraklabs/execbroker/dispatch"
)

const (
	sendBufSize  = 64
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	writeWait    = 10 * time.Second
)

// inboundEnvelope mirrors the Executor->Broker wire shape (spec §6.2).
type inboundEnvelope struct {
	ID      string                 `json:"id"`
	Payload map[string]interface{} `json:"payload"`
	Status  *struct {
		Error *struct {
			Code    int         `json:"code"`
			Message string      `json:"message"`
			Details interface{} `json:"details,omitempty"`
		} `json:"error,omitempty"`
	} `json:"status,omitempty"`
}

// Server upgrades incoming connections on the executor-channel listen
// address (spec §6.4 "executor" endpoint) into tracked *cluster.Executor
// handles and pumps their traffic through to the Correlation Layer.
type Server struct {
	nodes    *cluster.Registry
	corr     *correlate.Layer
	disp     *dispatch.Dispatcher
	upgrader websocket.Upgrader
}

func New(nodes *cluster.Registry, corr *correlate.Layer, disp *dispatch.Dispatcher) *Server {
	return &Server{
		nodes: nodes,
		corr:  corr,
		disp:  disp,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The executor is a companion browser-extension process the
			// operator runs alongside the broker, not a public web
			// client; this core has no caller-authentication layer (spec
			// §1 non-goals), so origin checking is intentionally
			// permissive here and left to network-level isolation.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and registers it as an executor
// under the id the query string or header supplies.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		id = r.Header.Get("X-Executor-Id")
	}
	if id == "" {
		id = cmn.GenCommandID()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("wsexec: upgrade failed for %s: %v", id, err)
		return
	}

	ex, sendCh := s.nodes.Connect(id, sendBufSize)
	done := make(chan struct{})
	go s.writePump(conn, sendCh, done)
	s.readPump(conn, ex)
	close(done)

	conn.Close()
	for _, rid := range s.nodes.Disconnect(id) {
		s.disp.Disconnected(rid)
	}
}

// writePump is the connection's exclusive writer, draining the
// executor's outbound channel until it is closed by Disconnect, and
// keeping the connection alive with periodic pings in between.
func (s *Server) writePump(conn *websocket.Conn, sendCh <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case b, ok := <-sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// readPump is the connection's exclusive reader, decoding every inbound
// frame and routing it to the Correlation Layer until the connection
// errors or closes.
func (s *Server) readPump(conn *websocket.Conn, ex *cluster.Executor) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env inboundEnvelope
		if err := cmn.Unmarshal(raw, &env); err != nil {
			glog.Warningf("wsexec: %s sent unparseable message: %v", ex.ID, err)
			continue
		}
		s.route(env)
	}
}

// route implements the Correlation Layer hand-off described in spec
// §4.6: a streaming payload enqueues its chunk (and, if finished, the
// sentinel); a non-streaming payload resolves the pending slot with
// either the surfaced ApiError or the raw payload.
func (s *Server) route(env inboundEnvelope) {
	if env.ID == "" {
		return
	}
	var apiErr *cmn.BrokerError
	if env.Status != nil && env.Status.Error != nil {
		apiErr = cmn.NewAPIErr(env.Status.Error.Code, env.Status.Error.Details, env.Status.Error.Message)
	}

	streaming, _ := env.Payload["streaming"].(bool)
	if !streaming {
		s.corr.Deliver(env.ID, env.Payload, false, apiErr)
		return
	}
	if chunk, ok := env.Payload["chunk"]; ok {
		s.corr.Deliver(env.ID, chunk, true, apiErr)
	} else if apiErr != nil {
		s.corr.Deliver(env.ID, nil, true, apiErr)
	}
	if finished, _ := env.Payload["finished"].(bool); finished {
		s.corr.Finish(env.ID)
	}
}
