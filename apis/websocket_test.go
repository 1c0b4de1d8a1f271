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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/hubmq/common"
	"github.com/alwitt/hubmq/dataplane"
	"github.com/alwitt/hubmq/hub"
	"github.com/alwitt/hubmq/storage"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// The log level is fixed once for the package. Session teardown goroutines
// from one test may still be logging when the next test starts.
func TestMain(m *testing.M) {
	log.SetLevel(log.ErrorLevel)
	os.Exit(m.Run())
}

// wsTestServer one complete server stack for WebSocket tests
type wsTestServer struct {
	server *httptest.Server
	hub    hub.Hub
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

func (s *wsTestServer) shutdown() {
	s.server.Close()
	s.cancel()
	s.wg.Wait()
}

func defineWSTestServer(t *testing.T, cfg common.SystemConfig) *wsTestServer {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}

	sessionHub, err := hub.GetHub(hub.Config{
		MaxConnections:    cfg.Limits.MaxConnections,
		HeartbeatEnabled:  cfg.Heartbeat.Enabled,
		HeartbeatInterval: time.Second * time.Duration(cfg.Heartbeat.IntervalSec),
	}, nil, wg, ctxt)
	assert.Nil(err)

	store, err := storage.GetInMemoryBackend()
	assert.Nil(err)
	bridge := dataplane.GetFeedBridge(sessionHub, store, ctxt)
	msgRouter, err := dataplane.GetMessageRouter(
		cfg, sessionHub, store, bridge, hub.NewLogMonitor(),
	)
	assert.Nil(err)

	wsHandler, err := GetAPIWebSocketHandler(cfg, sessionHub, msgRouter)
	assert.Nil(err)

	router := mux.NewRouter()
	_ = RegisterPathPrefix(router, "/v1/connect", MethodHandlers{
		"get": wsHandler.ConnectHandler(),
	})

	return &wsTestServer{
		server: httptest.NewServer(router), hub: sessionHub, cancel: cancel, wg: wg,
	}
}

// dialWS open one WebSocket client against the test server
func dialWS(t *testing.T, s *wsTestServer) *websocket.Conn {
	assert := assert.New(t)
	wsURL := strings.Replace(s.server.URL, "http", "ws", 1) + "/v1/connect"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(err)
	return conn
}

// readFrame read one frame with a deadline
func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	assert := assert.New(t)
	assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second * 3)))
	_, raw, err := conn.ReadMessage()
	assert.Nil(err)
	var decoded map[string]interface{}
	assert.Nil(json.Unmarshal(raw, &decoded))
	return decoded
}

// readFrameOfType read frames until one of the wanted type arrives
func readFrameOfType(
	t *testing.T, conn *websocket.Conn, frameType string,
) map[string]interface{} {
	assert := assert.New(t)
	deadline := time.Now().Add(time.Second * 3)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if frame["type"] == frameType {
			return frame
		}
	}
	assert.FailNowf("frame never arrived", "no frame of type %s", frameType)
	return nil
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]interface{}) {
	assert := assert.New(t)
	frame["timestamp"] = time.Now().UnixMilli()
	assert.Nil(conn.WriteJSON(frame))
}

func wsBaseConfig() common.SystemConfig {
	var cfg common.SystemConfig
	cfg.Limits = common.ConnectionLimitConfig{MaxConnections: 4, OutboundBufferLen: 16}
	cfg.Database.DefaultResource = "sensor_data"
	cfg.HTTP.Logging.RequestIDHeader = "Hubmq-Request-ID"
	return cfg
}

func TestWebSocketSessionLifecycle(t *testing.T) {
	assert := assert.New(t)

	stack := defineWSTestServer(t, wsBaseConfig())
	defer stack.shutdown()

	conn := dialWS(t, stack)
	defer func() { _ = conn.Close() }()

	// Case 0: the server greets the session
	welcome := readFrame(t, conn)
	assert.Equal("welcome", welcome["type"])
	sessionID, ok := welcome["session_id"].(string)
	assert.True(ok)
	assert.NotEmpty(sessionID)
	assert.Equal(false, welcome["auth_required"])

	// Case 1: the hub tracks the session
	report, err := stack.hub.Status(context.Background())
	assert.Nil(err)
	assert.Equal(1, report.SessionCount)
	assert.Equal(sessionID, report.Sessions[0].ID)

	// Case 2: ping round trip over the wire
	sendFrame(t, conn, map[string]interface{}{"type": "ping"})
	pong := readFrame(t, conn)
	assert.Equal("pong", pong["type"])

	// Case 3: closing the connection tears the session down
	assert.Nil(conn.Close())
	deadline := time.Now().Add(time.Second * 3)
	for time.Now().Before(deadline) {
		report, err = stack.hub.Status(context.Background())
		assert.Nil(err)
		if report.SessionCount == 0 {
			break
		}
		time.Sleep(time.Millisecond * 20)
	}
	assert.Equal(0, report.SessionCount)
}

func TestWebSocketFanOut(t *testing.T) {
	assert := assert.New(t)

	stack := defineWSTestServer(t, wsBaseConfig())
	defer stack.shutdown()

	writer := dialWS(t, stack)
	defer func() { _ = writer.Close() }()
	watcher := dialWS(t, stack)
	defer func() { _ = watcher.Close() }()
	assert.Equal("welcome", readFrame(t, writer)["type"])
	assert.Equal("welcome", readFrame(t, watcher)["type"])

	// Watcher subscribes to a table
	sendFrame(t, watcher, map[string]interface{}{
		"type": "db_subscribe", "table": "telemetry",
	})
	subResp := readFrame(t, watcher)
	assert.Equal("db_subscribe_response", subResp["type"])
	assert.Equal(true, subResp["success"])
	assert.Equal(true, subResp["live_feed"])

	// Case 0: writer creates a record, watcher observes the change
	sendFrame(t, writer, map[string]interface{}{
		"type": "db_create", "table": "telemetry",
		"data": map[string]interface{}{"sensor": "roof", "temperature": 18.5},
	})
	createResp := readFrame(t, writer)
	assert.Equal("db_create_response", createResp["type"])
	assert.Equal(true, createResp["success"])

	change := readFrameOfType(t, watcher, "db_change")
	assert.Equal("create", change["action"])
	assert.Equal("telemetry", change["table"])
	assert.Equal(createResp["id"], change["id"])

	// Case 1: the writer is not in the room, it sees no fan-out
	sendFrame(t, writer, map[string]interface{}{"type": "ping"})
	assert.Equal("pong", readFrame(t, writer)["type"])
}

func TestWebSocketConnectionCeiling(t *testing.T) {
	assert := assert.New(t)

	cfg := wsBaseConfig()
	cfg.Limits.MaxConnections = 1
	stack := defineWSTestServer(t, cfg)
	defer stack.shutdown()

	first := dialWS(t, stack)
	defer func() { _ = first.Close() }()
	assert.Equal("welcome", readFrame(t, first)["type"])

	// Case 0: a second connection is refused with the capacity status
	second := dialWS(t, stack)
	defer func() { _ = second.Close() }()
	assert.Nil(second.SetReadDeadline(time.Now().Add(time.Second * 3)))
	_, _, err := second.ReadMessage()
	assert.NotNil(err)
	assert.True(websocket.IsCloseError(err, hub.CloseStatusCapacityExceeded))

	// Case 1: the survivor is unaffected
	sendFrame(t, first, map[string]interface{}{"type": "ping"})
	assert.Equal("pong", readFrame(t, first)["type"])
}

func TestWebSocketSlowConsumerDisconnect(t *testing.T) {
	assert := assert.New(t)

	// Bare upgrade endpoint handing the server side connection to the test.
	// The write pump is deliberately not started, so the outbound buffer
	// fills the way it would behind a stalled peer.
	serverConns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			assert.Nil(err)
			serverConns <- conn
		},
	))
	defer server.Close()

	wsURL := strings.Replace(server.URL, "http", "ws", 1)
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(err)
	defer func() { _ = client.Close() }()
	serverConn := <-serverConns

	uut := newWSTransport(serverConn, 2, log.Fields{"test": t.Name()})
	assert.True(uut.Open())

	// Case 0: sends within the buffer bound succeed
	assert.Nil(uut.Send([]byte(`{"type":"pong"}`)))
	assert.Nil(uut.Send([]byte(`{"type":"pong"}`)))

	// Case 1: the send overflowing the buffer disconnects the peer
	assert.NotNil(uut.Send([]byte(`{"type":"pong"}`)))
	assert.False(uut.Open())
	assert.Nil(client.SetReadDeadline(time.Now().Add(time.Second * 3)))
	_, _, err = client.ReadMessage()
	assert.NotNil(err)
	assert.True(websocket.IsCloseError(err, hub.CloseStatusSlowConsumer))

	// Case 2: later sends fail fast
	assert.NotNil(uut.Send([]byte(`{"type":"pong"}`)))
}

func TestWebSocketAuthGate(t *testing.T) {
	assert := assert.New(t)

	cfg := wsBaseConfig()
	cfg.Auth = common.AuthenticationConfig{
		Enabled: true, Mode: "static", Token: "ws-ut-token",
	}
	stack := defineWSTestServer(t, cfg)
	defer stack.shutdown()

	conn := dialWS(t, stack)
	defer func() { _ = conn.Close() }()
	welcome := readFrame(t, conn)
	assert.Equal(true, welcome["auth_required"])

	// Case 0: data frame before auth is refused
	sendFrame(t, conn, map[string]interface{}{
		"type": "sensor_data", "payload": map[string]interface{}{"temperature": 20.1},
	})
	reply := readFrame(t, conn)
	assert.Equal("error", reply["type"])
	assert.Equal("authentication required", reply["message"])

	// Case 1: authenticate, then the same frame passes
	sendFrame(t, conn, map[string]interface{}{"type": "auth", "token": "ws-ut-token"})
	reply = readFrame(t, conn)
	assert.Equal("auth_response", reply["type"])
	assert.Equal(true, reply["success"])

	sendFrame(t, conn, map[string]interface{}{
		"type": "sensor_data", "payload": map[string]interface{}{"temperature": 20.1},
	})
	reply = readFrame(t, conn)
	assert.Equal("data_response", reply["type"])
	assert.Equal(true, reply["success"])
}
