package dataplane

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/hubmq/common"
	"github.com/alwitt/hubmq/hub"
	"github.com/alwitt/hubmq/storage"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// gatedFeedStore feed source whose subscribe attempts wait on a gate, and
// whose first attempt can be made to fail
type gatedFeedStore struct {
	countingStore
	lock     sync.Mutex
	gate     chan struct{}
	failNext bool
	attempts int
}

func (s *gatedFeedStore) Subscribe(
	ctxt context.Context, resource string, filter storage.Filter, onChange storage.OnChangeFunc,
) (storage.CancelFunc, error) {
	<-s.gate
	s.lock.Lock()
	defer s.lock.Unlock()
	s.attempts++
	if s.failNext {
		s.failNext = false
		return nil, fmt.Errorf("feed backend unavailable")
	}
	return func() {}, nil
}

func (s *gatedFeedStore) attemptCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.attempts
}

func TestBridgeLiveFeedFanOut(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	var cfg common.SystemConfig
	cfg.Database.DefaultResource = "sensor_data"
	store, err := storage.GetInMemoryBackend()
	assert.Nil(err)
	stack := defineRouterTestStack(t, cfg, store)
	defer stack.shutdown()

	ctxt := context.Background()
	first, firstTP := connectClient(t, stack, "first", true)
	second, secondTP := connectClient(t, stack, "second", true)

	// Case 0: both sessions subscribe, the backend supplies a live feed
	for _, client := range []*ClientBinding{first, second} {
		assert.Nil(stack.router.HandleInbound(ctxt, client, frameBytes(t, map[string]interface{}{
			"type": "db_subscribe", "table": "telemetry",
		})))
	}
	for _, transport := range []*loopTransport{firstTP, secondTP} {
		reply := transport.lastFrame(assert)
		assert.Equal("db_subscribe_response", reply["type"])
		assert.Equal(true, reply["success"])
		assert.Equal(true, reply["live_feed"])
	}

	// Case 1: a write bypassing the router still reaches both subscribers
	// through the change feed
	recordID, err := store.Write(
		ctxt, "telemetry", storage.Record{"sensor": "basement", "temperature": 12.0},
	)
	assert.Nil(err)
	for _, transport := range []*loopTransport{firstTP, secondTP} {
		events := transport.framesOfType(assert, "db_realtime")
		assert.Len(events, 1)
		event, ok := events[0]["event"].(map[string]interface{})
		assert.True(ok)
		assert.Equal("create", event["action"])
		assert.Equal("telemetry", event["resource"])
		assert.Equal(recordID, event["record_id"])
	}

	// Case 2: one subscriber leaving keeps the feed alive for the other
	assert.Nil(stack.router.HandleInbound(ctxt, first, frameBytes(t, map[string]interface{}{
		"type": "db_unsubscribe", "table": "telemetry",
	})))
	_, err = store.Write(ctxt, "telemetry", storage.Record{"sensor": "attic"})
	assert.Nil(err)
	assert.Len(firstTP.framesOfType(assert, "db_realtime"), 1)
	assert.Len(secondTP.framesOfType(assert, "db_realtime"), 2)

	// Case 3: the last subscriber leaving cancels the feed
	assert.Nil(stack.router.HandleInbound(ctxt, second, frameBytes(t, map[string]interface{}{
		"type": "db_unsubscribe", "table": "telemetry",
	})))
	_, err = store.Write(ctxt, "telemetry", storage.Record{"sensor": "garage"})
	assert.Nil(err)
	assert.Len(secondTP.framesOfType(assert, "db_realtime"), 2)
}

func TestBridgeFeedFailureRollback(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	sessionHub, err := hub.GetHub(
		hub.Config{MaxConnections: 4, HeartbeatEnabled: false}, nil, wg, ctxt,
	)
	assert.Nil(err)
	defer func() {
		cancel()
		wg.Wait()
	}()

	store := &gatedFeedStore{gate: make(chan struct{}), failNext: true}
	bridge := GetFeedBridge(sessionHub, store, ctxt)

	firstInfo, err := sessionHub.Accept(ctxt, newLoopTransport(), "127.0.0.1:0", "first")
	assert.Nil(err)
	secondInfo, err := sessionHub.Accept(ctxt, newLoopTransport(), "127.0.0.1:0", "second")
	assert.Nil(err)

	// Case 0: one subscriber arrives while the other's feed attempt is still
	// pending and about to fail. The failed attempt must not leave the other
	// subscriber acknowledged against a room with no feed.
	type outcome struct {
		live bool
		err  error
	}
	results := make(chan outcome, 2)
	for _, sessionID := range []string{firstInfo.ID, secondInfo.ID} {
		go func(sessionID string) {
			live, err := bridge.Subscribe(context.Background(), sessionID, "telemetry", nil)
			results <- outcome{live: live, err: err}
		}(sessionID)
	}
	time.Sleep(time.Millisecond * 20)
	close(store.gate)

	outcomes := []outcome{<-results, <-results}
	failures := 0
	for _, result := range outcomes {
		if result.err != nil {
			failures++
			assert.False(result.live)
		} else {
			assert.True(result.live)
		}
	}
	assert.Equal(1, failures)
	// The survivor re-created the room and opened its own feed
	assert.Equal(2, store.attemptCount())
	report, err := sessionHub.Status(ctxt)
	assert.Nil(err)
	assert.Len(report.Rooms, 1)
	assert.Equal(hub.ResourceRoomID("telemetry"), report.Rooms[0].ID)
	assert.Equal(1, report.Rooms[0].MemberCount)
}

func TestBridgeWithoutFeedSource(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := &sync.WaitGroup{}
	sessionHub, err := hub.GetHub(
		hub.Config{MaxConnections: 4, HeartbeatEnabled: false}, nil, wg, ctxt,
	)
	assert.Nil(err)
	defer func() {
		cancel()
		wg.Wait()
	}()

	// countingStore does not implement the feed source interface
	bridge := GetFeedBridge(sessionHub, &countingStore{}, ctxt)

	transport := newLoopTransport()
	info, err := sessionHub.Accept(ctxt, transport, "127.0.0.1:0", "plain")
	assert.Nil(err)

	// Case 0: subscription succeeds but reports no live feed
	liveFeed, err := bridge.Subscribe(ctxt, info.ID, "telemetry", nil)
	assert.Nil(err)
	assert.False(liveFeed)

	// Case 1: the room exists regardless, so fanned out writes still arrive
	report, err := sessionHub.Status(ctxt)
	assert.Nil(err)
	assert.Len(report.Rooms, 1)
	assert.Equal(hub.ResourceRoomID("telemetry"), report.Rooms[0].ID)

	// Case 2: unsubscribe tears the room down
	assert.Nil(bridge.Unsubscribe(ctxt, info.ID, "telemetry"))
	report, err = sessionHub.Status(ctxt)
	assert.Nil(err)
	assert.Empty(report.Rooms)
}
