package hub

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/hubmq/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// resourceRoomPrefix prefixes the synthetic rooms fanning out storage resources
const resourceRoomPrefix = "db:"

// ResourceRoomID the deterministic room ID fanning out a storage resource.
// Unrelated subscribers of the same resource converge on one room, and so on
// one underlying change feed.
func ResourceRoomID(resource string) string {
	return resourceRoomPrefix + resource
}

// Config hub operating parameters
type Config struct {
	// MaxConnections is the concurrent session ceiling
	MaxConnections int `validate:"gte=1"`
	// HeartbeatEnabled controls per-session liveness checks
	HeartbeatEnabled bool
	// HeartbeatInterval is the duration between liveness probes. A session
	// silent for more than twice this is torn down.
	HeartbeatInterval time.Duration
}

// Hub tracks the live client sessions and their room memberships, and fans
// frames out to them. All shared bookkeeping is mutated on a single event
// loop; public methods submit requests to that loop and wait for the result.
type Hub interface {
	// Accept admit a new client connection. If the connection ceiling is
	// reached the transport is closed immediately and no session is created.
	Accept(ctxt context.Context, transport SessionTransport, remoteAddr, label string) (SessionInfo, error)
	// Teardown end a session: deregister it, drop its room memberships, stop
	// its heartbeat, and close its transport. Idempotent.
	Teardown(ctxt context.Context, sessionID string, statusCode int, reason string) error
	// MarkAuthenticated flip the session's authenticated flag after a
	// successful credential check
	MarkAuthenticated(ctxt context.Context, sessionID string) error
	// RecordActivity note an inbound frame from the session, refreshing its
	// liveness timestamp and message counter
	RecordActivity(ctxt context.Context, sessionID string) error
	// Join add the session to a room, creating the room if absent. Re-joining
	// is a no-op.
	Join(ctxt context.Context, roomID, sessionID string) error
	// Leave remove the session from a room. The room is destroyed when its
	// last member leaves. Leaving an unjoined room is a no-op.
	Leave(ctxt context.Context, roomID, sessionID string) error
	// JoinResourceRoom add the session to the resource's fan-out room.
	// Reports whether this membership created the room, in which case the
	// caller should establish the resource's change feed.
	JoinResourceRoom(ctxt context.Context, sessionID, resource string) (string, bool, error)
	// AttachFeedCancel hand the room the cancel handle of the change feed
	// keeping it live. If the room is already gone the handle is invoked
	// immediately.
	AttachFeedCancel(ctxt context.Context, roomID string, cancel func()) error
	// BroadcastToRoom deliver the payload to every live member of the room,
	// returning the number of successful deliveries
	BroadcastToRoom(ctxt context.Context, roomID string, payload []byte) (int, error)
	// BroadcastToAll deliver the payload to every live session
	BroadcastToAll(ctxt context.Context, payload []byte) (int, error)
	// Status snapshot the hub state
	Status(ctxt context.Context) (StatusReport, error)
	// Stop halt the hub event loop
	Stop() error
}

// hubImpl implements Hub
type hubImpl struct {
	common.Component
	config           Config
	monitor          Monitor
	tp               common.TaskProcessor
	wg               *sync.WaitGroup
	operationContext context.Context
	sessions         map[string]*session
	rooms            map[string]*room
}

// GetHub define a new Hub and start its event loop
func GetHub(
	config Config, monitor Monitor, wg *sync.WaitGroup, ctxt context.Context,
) (Hub, error) {
	logTags := log.Fields{
		"module": "hub", "component": "session-hub",
	}
	if monitor == nil {
		monitor = NewLogMonitor()
	}
	tp, err := common.GetNewTaskProcessorInstance("hub", config.MaxConnections*4, ctxt)
	if err != nil {
		return nil, err
	}
	instance := hubImpl{
		Component:        common.Component{LogTags: logTags},
		config:           config,
		monitor:          monitor,
		tp:               tp,
		wg:               wg,
		operationContext: ctxt,
		sessions:         make(map[string]*session),
		rooms:            make(map[string]*room),
	}

	// Add handlers
	for taskType, handler := range map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(hubAcceptReq{}):        instance.processAcceptRequest,
		reflect.TypeOf(hubTeardownReq{}):      instance.processTeardownRequest,
		reflect.TypeOf(hubAuthenticatedReq{}): instance.processAuthenticatedRequest,
		reflect.TypeOf(hubActivityReq{}):      instance.processActivityRequest,
		reflect.TypeOf(hubJoinReq{}):          instance.processJoinRequest,
		reflect.TypeOf(hubLeaveReq{}):         instance.processLeaveRequest,
		reflect.TypeOf(hubAttachFeedReq{}):    instance.processAttachFeedRequest,
		reflect.TypeOf(hubBroadcastReq{}):     instance.processBroadcastRequest,
		reflect.TypeOf(hubStatusReq{}):        instance.processStatusRequest,
		reflect.TypeOf(heartbeatCheckReq{}):   instance.processHeartbeatCheck,
	} {
		if err := tp.AddToTaskExecutionMap(taskType, handler); err != nil {
			return nil, err
		}
	}

	if err := tp.StartEventLoop(wg); err != nil {
		return nil, err
	}
	return &instance, nil
}

// Stop halt the hub event loop
func (h *hubImpl) Stop() error {
	return h.tp.StopEventLoop()
}

// ----------------------------------------------------------------------------------------
// Session acceptance

type hubAcceptReq struct {
	transport  SessionTransport
	remoteAddr string
	label      string
	resultCB   func(SessionInfo, error)
}

// Accept admit a new client connection
func (h *hubImpl) Accept(
	ctxt context.Context, transport SessionTransport, remoteAddr, label string,
) (SessionInfo, error) {
	complete := make(chan bool, 1)
	var info SessionInfo
	var processError error
	request := hubAcceptReq{
		transport:  transport,
		remoteAddr: remoteAddr,
		label:      label,
		resultCB: func(i SessionInfo, err error) {
			info = i
			processError = err
			complete <- true
		},
	}
	if err := h.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Failed to submit accept request")
		return SessionInfo{}, err
	}
	<-complete
	return info, processError
}

func (h *hubImpl) processAcceptRequest(param interface{}) error {
	request, ok := param.(hubAcceptReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session accept", reflect.TypeOf(param),
		)
	}

	// Enforce the connection ceiling before creating any state
	if len(h.sessions) >= h.config.MaxConnections {
		log.WithFields(h.LogTags).Warnf(
			"Rejecting connection from %s: %d sessions at ceiling",
			request.remoteAddr,
			len(h.sessions),
		)
		if err := request.transport.Close(
			CloseStatusCapacityExceeded, "connection ceiling reached",
		); err != nil {
			log.WithError(err).WithFields(h.LogTags).Error("Failed to close rejected connection")
		}
		err := fmt.Errorf("connection ceiling %d reached", h.config.MaxConnections)
		request.resultCB(SessionInfo{}, err)
		return err
	}

	now := time.Now()
	newSession := &session{
		id:           uuid.New().String(),
		remoteAddr:   request.remoteAddr,
		label:        request.label,
		state:        StateOpen,
		connectedAt:  now,
		lastLiveness: now,
		transport:    request.transport,
		joinedRooms:  make(map[string]bool),
	}
	h.sessions[newSession.id] = newSession

	if h.config.HeartbeatEnabled {
		timer, err := common.GetIntervalTimerInstance(
			newSession.id, h.operationContext, h.wg,
		)
		if err != nil {
			delete(h.sessions, newSession.id)
			request.resultCB(SessionInfo{}, err)
			return err
		}
		newSession.heartbeat = timer
		sessionID := newSession.id
		if err := timer.Start(h.config.HeartbeatInterval, func() error {
			return h.tp.Submit(h.operationContext, heartbeatCheckReq{sessionID: sessionID})
		}, false); err != nil {
			delete(h.sessions, newSession.id)
			request.resultCB(SessionInfo{}, err)
			return err
		}
	}

	newSession.state = StateActive
	info := newSession.snapshot()
	log.WithFields(h.LogTags).Infof(
		"Accepted session %s from %s (%d live)", info.ID, info.RemoteAddr, len(h.sessions),
	)
	h.monitor.ConnectionOpened(info)
	request.resultCB(info, nil)
	return nil
}

// ----------------------------------------------------------------------------------------
// Session teardown

type hubTeardownReq struct {
	sessionID  string
	statusCode int
	reason     string
	resultCB   func(error)
}

// Teardown end a session. Idempotent; a teardown for an unknown session is a
// no-op, so the transport close path and the heartbeat timeout path may both
// request it.
func (h *hubImpl) Teardown(
	ctxt context.Context, sessionID string, statusCode int, reason string,
) error {
	complete := make(chan bool, 1)
	var processError error
	request := hubTeardownReq{
		sessionID:  sessionID,
		statusCode: statusCode,
		reason:     reason,
		resultCB: func(err error) {
			processError = err
			complete <- true
		},
	}
	if err := h.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Failed to submit teardown request")
		return err
	}
	<-complete
	return processError
}

func (h *hubImpl) processTeardownRequest(param interface{}) error {
	request, ok := param.(hubTeardownReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session teardown", reflect.TypeOf(param),
		)
	}
	h.teardownSession(request.sessionID, request.statusCode, request.reason)
	request.resultCB(nil)
	return nil
}

// teardownSession remove one session from everything. Runs on the event loop.
func (h *hubImpl) teardownSession(sessionID string, statusCode int, reason string) {
	target, ok := h.sessions[sessionID]
	if !ok {
		// Already gone; the other teardown trigger won
		return
	}
	target.state = StateClosing

	if target.heartbeat != nil {
		if err := target.heartbeat.Stop(); err != nil {
			log.WithError(err).WithFields(h.LogTags).Errorf(
				"Failed to stop heartbeat timer of %s", sessionID,
			)
		}
	}

	for roomID := range target.joinedRooms {
		h.removeMember(roomID, sessionID)
	}

	delete(h.sessions, sessionID)

	if err := target.transport.Close(statusCode, reason); err != nil {
		log.WithError(err).WithFields(h.LogTags).Debugf(
			"Transport close of %s reported failure", sessionID,
		)
	}
	target.state = StateClosed

	info := target.snapshot()
	log.WithFields(h.LogTags).Infof(
		"Torn down session %s (%s, %d live)", sessionID, reason, len(h.sessions),
	)
	h.monitor.ConnectionClosed(info, time.Since(target.connectedAt), reason)
}

// ----------------------------------------------------------------------------------------
// Session flags and counters

type hubAuthenticatedReq struct {
	sessionID string
	resultCB  func(error)
}

// MarkAuthenticated flip the session's authenticated flag
func (h *hubImpl) MarkAuthenticated(ctxt context.Context, sessionID string) error {
	complete := make(chan bool, 1)
	var processError error
	request := hubAuthenticatedReq{
		sessionID: sessionID,
		resultCB: func(err error) {
			processError = err
			complete <- true
		},
	}
	if err := h.tp.Submit(ctxt, request); err != nil {
		return err
	}
	<-complete
	return processError
}

func (h *hubImpl) processAuthenticatedRequest(param interface{}) error {
	request, ok := param.(hubAuthenticatedReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session auth", reflect.TypeOf(param),
		)
	}
	target, present := h.sessions[request.sessionID]
	if !present {
		err := fmt.Errorf("session %s not active", request.sessionID)
		request.resultCB(err)
		return err
	}
	target.authenticated = true
	target.state = StateAuthenticated
	request.resultCB(nil)
	return nil
}

type hubActivityReq struct {
	sessionID string
	resultCB  func(error)
}

// RecordActivity note an inbound frame from the session
func (h *hubImpl) RecordActivity(ctxt context.Context, sessionID string) error {
	complete := make(chan bool, 1)
	var processError error
	request := hubActivityReq{
		sessionID: sessionID,
		resultCB: func(err error) {
			processError = err
			complete <- true
		},
	}
	if err := h.tp.Submit(ctxt, request); err != nil {
		return err
	}
	<-complete
	return processError
}

func (h *hubImpl) processActivityRequest(param interface{}) error {
	request, ok := param.(hubActivityReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session activity", reflect.TypeOf(param),
		)
	}
	target, present := h.sessions[request.sessionID]
	if !present {
		err := fmt.Errorf("session %s not active", request.sessionID)
		request.resultCB(err)
		return err
	}
	target.lastLiveness = time.Now()
	target.received++
	if target.state == StateAuthenticated {
		target.state = StateActive
	}
	request.resultCB(nil)
	return nil
}

// ----------------------------------------------------------------------------------------
// Room membership

type hubJoinReq struct {
	roomID    string
	sessionID string
	resource  string
	resultCB  func(createdRoom bool, err error)
}

// Join add the session to a room
func (h *hubImpl) Join(ctxt context.Context, roomID, sessionID string) error {
	_, err := h.join(ctxt, roomID, sessionID, "")
	return err
}

// JoinResourceRoom add the session to the resource's fan-out room
func (h *hubImpl) JoinResourceRoom(
	ctxt context.Context, sessionID, resource string,
) (string, bool, error) {
	roomID := ResourceRoomID(resource)
	created, err := h.join(ctxt, roomID, sessionID, resource)
	return roomID, created, err
}

func (h *hubImpl) join(
	ctxt context.Context, roomID, sessionID, resource string,
) (bool, error) {
	complete := make(chan bool, 1)
	var createdRoom bool
	var processError error
	request := hubJoinReq{
		roomID:    roomID,
		sessionID: sessionID,
		resource:  resource,
		resultCB: func(created bool, err error) {
			createdRoom = created
			processError = err
			complete <- true
		},
	}
	if err := h.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Failed to submit join request")
		return false, err
	}
	<-complete
	return createdRoom, processError
}

func (h *hubImpl) processJoinRequest(param interface{}) error {
	request, ok := param.(hubJoinReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for room join", reflect.TypeOf(param),
		)
	}
	target, present := h.sessions[request.sessionID]
	if !present {
		err := fmt.Errorf("session %s not active", request.sessionID)
		request.resultCB(false, err)
		return err
	}
	theRoom, roomExisted := h.rooms[request.roomID]
	if !roomExisted {
		theRoom = &room{
			id:       request.roomID,
			members:  make(map[string]bool),
			resource: request.resource,
		}
		h.rooms[request.roomID] = theRoom
		log.WithFields(h.LogTags).Infof("Created room '%s'", request.roomID)
	}
	theRoom.members[request.sessionID] = true
	target.joinedRooms[request.roomID] = true
	request.resultCB(!roomExisted, nil)
	return nil
}

type hubLeaveReq struct {
	roomID    string
	sessionID string
	resultCB  func(error)
}

// Leave remove the session from a room
func (h *hubImpl) Leave(ctxt context.Context, roomID, sessionID string) error {
	complete := make(chan bool, 1)
	var processError error
	request := hubLeaveReq{
		roomID:    roomID,
		sessionID: sessionID,
		resultCB: func(err error) {
			processError = err
			complete <- true
		},
	}
	if err := h.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Failed to submit leave request")
		return err
	}
	<-complete
	return processError
}

func (h *hubImpl) processLeaveRequest(param interface{}) error {
	request, ok := param.(hubLeaveReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for room leave", reflect.TypeOf(param),
		)
	}
	if target, present := h.sessions[request.sessionID]; present {
		delete(target.joinedRooms, request.roomID)
	}
	h.removeMember(request.roomID, request.sessionID)
	request.resultCB(nil)
	return nil
}

// removeMember drop a member from a room, destroying the room when emptied.
// Runs on the event loop.
func (h *hubImpl) removeMember(roomID, sessionID string) {
	theRoom, present := h.rooms[roomID]
	if !present {
		return
	}
	delete(theRoom.members, sessionID)
	if len(theRoom.members) > 0 {
		return
	}
	delete(h.rooms, roomID)
	log.WithFields(h.LogTags).Infof("Destroyed empty room '%s'", roomID)
	if theRoom.feedCancel != nil {
		cancel := theRoom.feedCancel
		theRoom.feedCancel = nil
		cancel()
	}
}

// ----------------------------------------------------------------------------------------
// Change feed handle attachment

type hubAttachFeedReq struct {
	roomID   string
	cancel   func()
	resultCB func(error)
}

// AttachFeedCancel hand a room the cancel handle of its change feed
func (h *hubImpl) AttachFeedCancel(ctxt context.Context, roomID string, cancel func()) error {
	complete := make(chan bool, 1)
	var processError error
	request := hubAttachFeedReq{
		roomID: roomID,
		cancel: cancel,
		resultCB: func(err error) {
			processError = err
			complete <- true
		},
	}
	if err := h.tp.Submit(ctxt, request); err != nil {
		return err
	}
	<-complete
	return processError
}

func (h *hubImpl) processAttachFeedRequest(param interface{}) error {
	request, ok := param.(hubAttachFeedReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for feed attach", reflect.TypeOf(param),
		)
	}
	theRoom, present := h.rooms[request.roomID]
	if !present {
		// Subscribers left while the feed was being established
		log.WithFields(h.LogTags).Infof(
			"Room '%s' gone before feed attach; cancelling feed", request.roomID,
		)
		request.cancel()
		request.resultCB(nil)
		return nil
	}
	if theRoom.feedCancel != nil {
		err := fmt.Errorf("room '%s' already holds a feed handle", request.roomID)
		request.resultCB(err)
		return err
	}
	theRoom.feedCancel = request.cancel
	request.resultCB(nil)
	return nil
}

// ----------------------------------------------------------------------------------------
// Broadcast

type hubBroadcastReq struct {
	// roomID empty means broadcast to every live session
	roomID   string
	toAll    bool
	payload  []byte
	resultCB func(delivered int, err error)
}

// BroadcastToRoom deliver the payload to every live member of the room
func (h *hubImpl) BroadcastToRoom(
	ctxt context.Context, roomID string, payload []byte,
) (int, error) {
	return h.broadcast(ctxt, hubBroadcastReq{roomID: roomID, payload: payload})
}

// BroadcastToAll deliver the payload to every live session
func (h *hubImpl) BroadcastToAll(ctxt context.Context, payload []byte) (int, error) {
	return h.broadcast(ctxt, hubBroadcastReq{toAll: true, payload: payload})
}

func (h *hubImpl) broadcast(ctxt context.Context, request hubBroadcastReq) (int, error) {
	complete := make(chan bool, 1)
	var delivered int
	var processError error
	request.resultCB = func(count int, err error) {
		delivered = count
		processError = err
		complete <- true
	}
	if err := h.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Failed to submit broadcast request")
		return 0, err
	}
	<-complete
	return delivered, processError
}

func (h *hubImpl) processBroadcastRequest(param interface{}) error {
	request, ok := param.(hubBroadcastReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for broadcast", reflect.TypeOf(param),
		)
	}

	// Snapshot the recipient identities at dispatch time. Members joining
	// after this point do not receive the frame.
	targets := []string{}
	if request.toAll {
		for sessionID := range h.sessions {
			targets = append(targets, sessionID)
		}
	} else {
		theRoom, present := h.rooms[request.roomID]
		if !present {
			request.resultCB(0, nil)
			return nil
		}
		for sessionID := range theRoom.members {
			targets = append(targets, sessionID)
		}
	}

	delivered := 0
	for _, sessionID := range targets {
		// Membership is by identity; the session may be gone already
		target, present := h.sessions[sessionID]
		if !present {
			continue
		}
		if !target.transport.Open() {
			continue
		}
		if err := target.transport.Send(request.payload); err != nil {
			// A failed recipient never aborts delivery to the rest
			log.WithError(err).WithFields(h.LogTags).Warnf(
				"Dropped broadcast frame towards %s", sessionID,
			)
			continue
		}
		delivered++
	}
	request.resultCB(delivered, nil)
	return nil
}

// ----------------------------------------------------------------------------------------
// Status

type hubStatusReq struct {
	resultCB func(StatusReport, error)
}

// Status snapshot the hub state
func (h *hubImpl) Status(ctxt context.Context) (StatusReport, error) {
	complete := make(chan bool, 1)
	var report StatusReport
	var processError error
	request := hubStatusReq{
		resultCB: func(r StatusReport, err error) {
			report = r
			processError = err
			complete <- true
		},
	}
	if err := h.tp.Submit(ctxt, request); err != nil {
		return StatusReport{}, err
	}
	<-complete
	return report, processError
}

func (h *hubImpl) processStatusRequest(param interface{}) error {
	request, ok := param.(hubStatusReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for status", reflect.TypeOf(param),
		)
	}
	report := StatusReport{
		SessionCount: len(h.sessions),
		MaxSessions:  h.config.MaxConnections,
		Sessions:     []SessionInfo{},
		Rooms:        []RoomInfo{},
	}
	for _, liveSession := range h.sessions {
		report.Sessions = append(report.Sessions, liveSession.snapshot())
	}
	for _, liveRoom := range h.rooms {
		members := []string{}
		for sessionID := range liveRoom.members {
			members = append(members, sessionID)
		}
		sort.Strings(members)
		report.Rooms = append(report.Rooms, RoomInfo{
			ID:          liveRoom.id,
			Resource:    liveRoom.resource,
			MemberCount: len(liveRoom.members),
			Members:     members,
		})
	}
	sort.Slice(report.Sessions, func(i, j int) bool {
		return report.Sessions[i].ID < report.Sessions[j].ID
	})
	sort.Slice(report.Rooms, func(i, j int) bool {
		return report.Rooms[i].ID < report.Rooms[j].ID
	})
	request.resultCB(report, nil)
	return nil
}
