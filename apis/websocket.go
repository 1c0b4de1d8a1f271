// Copyright 2022 The hubmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/hubmq/common"
	"github.com/alwitt/hubmq/dataplane"
	"github.com/alwitt/hubmq/hub"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// wsWriteWait max duration for one write towards a peer
const wsWriteWait = time.Second * 10

// wsMaxFrameSize max inbound frame size in bytes
const wsMaxFrameSize = 1 << 20

// wsTransport adapts one WebSocket connection to the hub transport contract.
// All data frames funnel through the outbound channel so a single goroutine
// owns the connection writes.
type wsTransport struct {
	conn      *websocket.Conn
	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	logTags   log.Fields
}

func newWSTransport(conn *websocket.Conn, bufferLen int, logTags log.Fields) *wsTransport {
	return &wsTransport{
		conn:     conn,
		outbound: make(chan []byte, bufferLen),
		closed:   make(chan struct{}),
		logTags:  logTags,
	}
}

// Open report whether the connection can still accept frames
func (t *wsTransport) Open() bool {
	select {
	case <-t.closed:
		return false
	default:
		return true
	}
}

// Send queue one outbound frame towards the peer. A peer which lets the
// outbound buffer fill is disconnected.
func (t *wsTransport) Send(payload []byte) error {
	select {
	case <-t.closed:
		return fmt.Errorf("transport closed")
	default:
	}
	select {
	case t.outbound <- payload:
		return nil
	case <-t.closed:
		return fmt.Errorf("transport closed")
	default:
		log.WithFields(t.logTags).Warn("Outbound buffer full, disconnecting peer")
		_ = t.Close(hub.CloseStatusSlowConsumer, "outbound buffer overflow")
		return fmt.Errorf("outbound buffer overflow")
	}
}

// Probe send a WebSocket ping control frame to the peer
func (t *wsTransport) Probe() error {
	return t.conn.WriteControl(
		websocket.PingMessage, []byte{}, time.Now().Add(wsWriteWait),
	)
}

// Close shut the connection with a status code and reason
func (t *wsTransport) Close(statusCode int, reason string) error {
	t.closeOnce.Do(func() {
		deadline := time.Now().Add(wsWriteWait)
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(statusCode, reason),
			deadline,
		)
		close(t.closed)
		_ = t.conn.Close()
	})
	return nil
}

// writePump drain the outbound channel onto the connection
func (t *wsTransport) writePump() {
	for {
		select {
		case payload := <-t.outbound:
			if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.WithError(err).WithFields(t.logTags).Debug("Write towards peer failed")
				_ = t.Close(hub.CloseStatusNormal, "write failure")
				return
			}
		case <-t.closed:
			return
		}
	}
}

// ========================================================================================

// APIWebSocketHandler handler for the WebSocket data-plane endpoint
type APIWebSocketHandler struct {
	goutils.RestAPIHandler
	hub          hub.Hub
	router       dataplane.MessageRouter
	upgrader     websocket.Upgrader
	authRequired bool
	bufferLen    int
}

// GetAPIWebSocketHandler define APIWebSocketHandler
func GetAPIWebSocketHandler(
	cfg common.SystemConfig, sessionHub hub.Hub, msgRouter dataplane.MessageRouter,
) (APIWebSocketHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "websocket",
	}
	return APIWebSocketHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &cfg.HTTP.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range cfg.HTTP.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		hub:    sessionHub,
		router: msgRouter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from arbitrary origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		authRequired: cfg.Auth.Enabled,
		bufferLen:    cfg.Limits.OutboundBufferLen,
	}, nil
}

// Connect godoc
// @Summary Establish a WebSocket session
// @Description Upgrade the request to a WebSocket session with the connection hub
// @tags Dataplane
// @Success 101 {string} string "protocol switch"
// @Failure 400 {string} string "error"
// @Router /v1/connect [get]
func (h APIWebSocketHandler) Connect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(wsMaxFrameSize)

	transport := newWSTransport(conn, h.bufferLen, localLogTags)
	info, err := h.hub.Accept(r.Context(), transport, r.RemoteAddr, r.UserAgent())
	if err != nil {
		// Accept already closed the transport with the proper status
		log.WithError(err).WithFields(localLogTags).Infof(
			"Refused connection from %s", r.RemoteAddr,
		)
		return
	}
	log.WithFields(localLogTags).Infof("Session %s connected from %s", info.ID, r.RemoteAddr)

	// WebSocket pong control frames count as liveness
	conn.SetPongHandler(func(string) error {
		return h.hub.RecordActivity(context.Background(), info.ID)
	})

	go transport.writePump()

	client := dataplane.NewClientBinding(info.ID, transport, !h.authRequired)
	if err := transport.Send(dataplane.WelcomeFrame(info.ID, h.authRequired)); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to greet session %s", info.ID,
		)
	}

	// Read pump. Frames of one session are processed in arrival order.
	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			log.WithError(err).WithFields(localLogTags).Debugf(
				"Session %s read loop ended", info.ID,
			)
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := h.router.HandleInbound(r.Context(), client, raw); err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Session %s frame handling failed", info.ID,
			)
			break
		}
	}

	if err := h.hub.Teardown(
		context.Background(), info.ID, hub.CloseStatusNormal, "connection closed",
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Debugf(
			"Session %s already torn down", info.ID,
		)
	}
}

// ConnectHandler Wrapper around Connect
func (h APIWebSocketHandler) ConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Connect(w, r)
	}
}
