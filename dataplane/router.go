package dataplane

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alwitt/hubmq/common"
	"github.com/alwitt/hubmq/hub"
	"github.com/alwitt/hubmq/storage"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
)

// ClientBinding is the router's view of one connected client. The transport
// is the same one registered with the hub, so direct responses to the sender
// bypass the broadcast path.
type ClientBinding struct {
	// SessionID is the hub session ID of this client
	SessionID string
	// Transport sends frames directly to this client
	Transport hub.SessionTransport
	// authenticated is flipped once by a successful auth frame
	authenticated bool
}

/*
NewClientBinding define the router-side state for one connected client

 @param sessionID string - the hub session ID
 @param transport hub.SessionTransport - direct transport to the client
 @param preAuthenticated bool - whether the client starts authenticated
 @return new client binding
*/
func NewClientBinding(
	sessionID string, transport hub.SessionTransport, preAuthenticated bool,
) *ClientBinding {
	return &ClientBinding{
		SessionID: sessionID, Transport: transport, authenticated: preAuthenticated,
	}
}

// MessageRouter processes inbound client frames: decode, gate on
// authentication, and dispatch by frame kind
type MessageRouter interface {
	/*
		HandleInbound process one raw frame from a client

		 @param ctxt context.Context - the operation context
		 @param client *ClientBinding - the sending client
		 @param raw []byte - the raw frame
		 @return an error only when the connection itself has failed; protocol
		   level problems are reported back to the client instead
	*/
	HandleInbound(ctxt context.Context, client *ClientBinding, raw []byte) error
}

// messageRouterImpl implements MessageRouter
type messageRouterImpl struct {
	common.Component
	auth       common.AuthenticationConfig
	validation common.ValidationConfig
	database   common.DatabaseConfig
	broadcast  common.BroadcastConfig
	hub        hub.Hub
	store      storage.Backend
	bridge     FeedBridge
	monitor    hub.Monitor
}

/*
GetMessageRouter define a new inbound message router

 @param cfg common.SystemConfig - the system config
 @param sessionHub hub.Hub - the connection hub
 @param store storage.Backend - the storage backend
 @param bridge FeedBridge - the change feed bridge
 @param monitor hub.Monitor - the event observer
 @return new MessageRouter instance
*/
func GetMessageRouter(
	cfg common.SystemConfig,
	sessionHub hub.Hub,
	store storage.Backend,
	bridge FeedBridge,
	monitor hub.Monitor,
) (MessageRouter, error) {
	logTags := log.Fields{"module": "dataplane", "component": "message-router"}
	return &messageRouterImpl{
		Component:  common.Component{LogTags: logTags},
		auth:       cfg.Auth,
		validation: cfg.Validation,
		database:   cfg.Database,
		broadcast:  cfg.Broadcast,
		hub:        sessionHub,
		store:      store,
		bridge:     bridge,
		monitor:    monitor,
	}, nil
}

// HandleInbound process one raw frame from a client
func (r *messageRouterImpl) HandleInbound(
	ctxt context.Context, client *ClientBinding, raw []byte,
) error {
	// Any inbound traffic counts as liveness
	if err := r.hub.RecordActivity(ctxt, client.SessionID); err != nil {
		log.WithError(err).WithFields(r.LogTags).Debugf(
			"Liveness update for %s failed", client.SessionID,
		)
	}

	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.WithError(err).WithFields(r.LogTags).Debugf(
			"Malformed frame from %s", client.SessionID,
		)
		return r.respond(client, ErrorFrame("malformed frame"))
	}
	kind, err := parseMessageKind(frame.Type)
	if err != nil {
		return r.respond(client, ErrorFrame(err.Error()))
	}

	if r.auth.Enabled && !client.authenticated && !preAuthKind(kind) {
		return r.respond(client, ErrorFrame("authentication required"))
	}

	switch kind {
	case KindAuth:
		return r.handleAuth(ctxt, client, &frame)
	case KindSensorData:
		return r.handleSensorData(ctxt, client, &frame)
	case KindHeartbeat:
		return r.respond(client, newResponseFrame("heartbeat_response", true, ""))
	case KindPing:
		return r.respond(client, newResponseFrame("pong", true, ""))
	case KindDBCreate:
		return r.handleDBCreate(ctxt, client, &frame)
	case KindDBRead:
		return r.handleDBRead(ctxt, client, &frame)
	case KindDBUpdate:
		return r.handleDBUpdate(ctxt, client, &frame)
	case KindDBDelete:
		return r.handleDBDelete(ctxt, client, &frame)
	case KindDBSubscribe:
		return r.handleDBSubscribe(ctxt, client, &frame)
	case KindDBUnsubscribe:
		return r.handleDBUnsubscribe(ctxt, client, &frame)
	case KindJoinRoom:
		return r.handleJoinRoom(ctxt, client, &frame)
	case KindLeaveRoom:
		return r.handleLeaveRoom(ctxt, client, &frame)
	}
	return r.respond(client, ErrorFrame(
		fmt.Sprintf("unrecognized message type '%s'", frame.Type),
	))
}

// preAuthKind frame kinds allowed before a session authenticates
func preAuthKind(kind MessageKind) bool {
	return kind == KindAuth || kind == KindHeartbeat || kind == KindPing
}

// respond send a frame directly back to the sender
func (r *messageRouterImpl) respond(client *ClientBinding, payload []byte) error {
	if err := client.Transport.Send(payload); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to respond to %s", client.SessionID,
		)
		return err
	}
	return nil
}

// ==========================================================================
// Authentication

func (r *messageRouterImpl) handleAuth(
	ctxt context.Context, client *ClientBinding, frame *InboundFrame,
) error {
	if !r.auth.Enabled || client.authenticated {
		return r.respond(client, newResponseFrame("auth_response", true, ""))
	}
	if err := r.verifyToken(frame.Token); err != nil {
		log.WithError(err).WithFields(r.LogTags).Infof(
			"Rejected credential from %s", client.SessionID,
		)
		return r.respond(
			client, newResponseFrame("auth_response", false, "invalid token"),
		)
	}
	if err := r.hub.MarkAuthenticated(ctxt, client.SessionID); err != nil {
		return r.respond(
			client, newResponseFrame("auth_response", false, "session not found"),
		)
	}
	client.authenticated = true
	return r.respond(client, newResponseFrame("auth_response", true, ""))
}

// verifyToken check one presented credential against the configured mode
func (r *messageRouterImpl) verifyToken(token string) error {
	if token == "" {
		return fmt.Errorf("no token presented")
	}
	switch r.auth.Mode {
	case "static":
		if token != r.auth.Token {
			return fmt.Errorf("token mismatch")
		}
		return nil
	case "jwt":
		parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return []byte(r.auth.JWTSecret), nil
		})
		if err != nil {
			return err
		}
		if !parsed.Valid {
			return fmt.Errorf("token invalid")
		}
		return nil
	}
	return fmt.Errorf("unsupported authentication mode '%s'", r.auth.Mode)
}

// ==========================================================================
// Data messages

func (r *messageRouterImpl) handleSensorData(
	ctxt context.Context, client *ClientBinding, frame *InboundFrame,
) error {
	if err := r.checkRequiredFields(frame.Payload); err != nil {
		r.monitor.WriteFailed(client.SessionID, r.database.DefaultResource, err)
		return r.respond(
			client, newResponseFrame("data_response", false, err.Error()),
		)
	}
	resource := r.database.DefaultResource
	recordID := ""
	if r.database.SyncEnabled {
		stored, err := r.store.Write(ctxt, resource, storage.Record(frame.Payload))
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Unable to store data message on %s", resource,
			)
			r.monitor.WriteFailed(client.SessionID, resource, err)
			return r.respond(
				client, newResponseFrame("data_response", false, "storage failure"),
			)
		}
		recordID = stored
	}
	r.monitor.WriteSucceeded(client.SessionID, resource, recordID)
	if err := r.respond(client, mustMarshal(recordResponseFrame{
		outboundBase: newOutboundBase("data_response"),
		Success:      true,
		RecordID:     recordID,
	})); err != nil {
		return err
	}
	if r.broadcast.RoomEnabled {
		r.fanOutChange(
			ctxt, resource,
			ChangeBroadcastFrame(string(storage.ChangeActionCreate), resource, recordID, frame.Payload, nil),
		)
	}
	return nil
}

// checkRequiredFields verify a data payload carries every configured required
// field with a non-empty value
func (r *messageRouterImpl) checkRequiredFields(payload map[string]interface{}) error {
	if !r.validation.Enabled {
		return nil
	}
	if payload == nil {
		return fmt.Errorf("payload missing")
	}
	for _, field := range r.validation.RequiredFields {
		value, present := payload[field]
		if !present || value == nil || value == "" {
			return fmt.Errorf("payload missing required field '%s'", field)
		}
	}
	return nil
}

// fanOutChange broadcast one write to the matching resource room
func (r *messageRouterImpl) fanOutChange(
	ctxt context.Context, resource string, payload []byte,
) {
	delivered, err := r.hub.BroadcastToRoom(
		ctxt, hub.ResourceRoomID(resource), payload,
	)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to fan out write on %s", resource,
		)
		return
	}
	log.WithFields(r.LogTags).Debugf(
		"Fanned out write on %s to %d sessions", resource, delivered,
	)
}

// ==========================================================================
// Storage operations

// targetResource resolve the resource a db_* frame operates on
func (r *messageRouterImpl) targetResource(frame *InboundFrame) (string, error) {
	resource := frame.Table
	if resource == "" {
		resource = r.database.DefaultResource
	}
	if err := storage.ValidateResourceName(resource); err != nil {
		return "", err
	}
	return resource, nil
}

func (r *messageRouterImpl) handleDBCreate(
	ctxt context.Context, client *ClientBinding, frame *InboundFrame,
) error {
	resource, err := r.targetResource(frame)
	if err != nil {
		return r.respond(client, newResponseFrame("db_create_response", false, err.Error()))
	}
	if err := r.checkRequiredFields(frame.Data); err != nil {
		r.monitor.WriteFailed(client.SessionID, resource, err)
		return r.respond(client, newResponseFrame("db_create_response", false, err.Error()))
	}
	recordID, err := r.store.Write(ctxt, resource, storage.Record(frame.Data))
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to create record on %s", resource,
		)
		r.monitor.WriteFailed(client.SessionID, resource, err)
		return r.respond(client, newResponseFrame("db_create_response", false, "storage failure"))
	}
	r.monitor.WriteSucceeded(client.SessionID, resource, recordID)
	if err := r.respond(client, mustMarshal(recordResponseFrame{
		outboundBase: newOutboundBase("db_create_response"),
		Success:      true,
		RecordID:     recordID,
	})); err != nil {
		return err
	}
	r.fanOutChange(
		ctxt, resource,
		ChangeBroadcastFrame(string(storage.ChangeActionCreate), resource, recordID, frame.Data, nil),
	)
	return nil
}

func (r *messageRouterImpl) handleDBRead(
	ctxt context.Context, client *ClientBinding, frame *InboundFrame,
) error {
	resource, err := r.targetResource(frame)
	if err != nil {
		return r.respond(client, newResponseFrame("db_read_response", false, err.Error()))
	}
	results, err := r.store.Read(
		ctxt, resource, storage.Filter(frame.Filter), storage.ReadOptions{Limit: frame.Limit},
	)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to read records from %s", resource,
		)
		return r.respond(client, newResponseFrame("db_read_response", false, "storage failure"))
	}
	if results == nil {
		results = []storage.Record{}
	}
	return r.respond(client, mustMarshal(resultsResponseFrame{
		outboundBase: newOutboundBase("db_read_response"),
		Success:      true,
		Results:      results,
	}))
}

func (r *messageRouterImpl) handleDBUpdate(
	ctxt context.Context, client *ClientBinding, frame *InboundFrame,
) error {
	resource, err := r.targetResource(frame)
	if err != nil {
		return r.respond(client, newResponseFrame("db_update_response", false, err.Error()))
	}
	affected, err := r.store.Update(
		ctxt, resource, storage.Record(frame.Data), storage.Filter(frame.Filter),
	)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to update records on %s", resource,
		)
		r.monitor.WriteFailed(client.SessionID, resource, err)
		return r.respond(client, newResponseFrame("db_update_response", false, "storage failure"))
	}
	r.monitor.WriteSucceeded(client.SessionID, resource, "")
	if err := r.respond(client, mustMarshal(affectedResponseFrame{
		outboundBase: newOutboundBase("db_update_response"),
		Success:      true,
		Affected:     affected,
	})); err != nil {
		return err
	}
	r.fanOutChange(
		ctxt, resource,
		ChangeBroadcastFrame(string(storage.ChangeActionUpdate), resource, "", frame.Data, frame.Filter),
	)
	return nil
}

func (r *messageRouterImpl) handleDBDelete(
	ctxt context.Context, client *ClientBinding, frame *InboundFrame,
) error {
	resource, err := r.targetResource(frame)
	if err != nil {
		return r.respond(client, newResponseFrame("db_delete_response", false, err.Error()))
	}
	affected, err := r.store.Delete(ctxt, resource, storage.Filter(frame.Filter))
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to delete records from %s", resource,
		)
		r.monitor.WriteFailed(client.SessionID, resource, err)
		return r.respond(client, newResponseFrame("db_delete_response", false, "storage failure"))
	}
	r.monitor.WriteSucceeded(client.SessionID, resource, "")
	if err := r.respond(client, mustMarshal(affectedResponseFrame{
		outboundBase: newOutboundBase("db_delete_response"),
		Success:      true,
		Affected:     affected,
	})); err != nil {
		return err
	}
	r.fanOutChange(
		ctxt, resource,
		ChangeBroadcastFrame(string(storage.ChangeActionDelete), resource, "", nil, frame.Filter),
	)
	return nil
}

// ==========================================================================
// Subscriptions and rooms

func (r *messageRouterImpl) handleDBSubscribe(
	ctxt context.Context, client *ClientBinding, frame *InboundFrame,
) error {
	resource, err := r.targetResource(frame)
	if err != nil {
		return r.respond(client, newResponseFrame("db_subscribe_response", false, err.Error()))
	}
	liveFeed, err := r.bridge.Subscribe(
		ctxt, client.SessionID, resource, storage.Filter(frame.Filter),
	)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to subscribe %s to %s", client.SessionID, resource,
		)
		return r.respond(
			client, newResponseFrame("db_subscribe_response", false, "subscription failure"),
		)
	}
	return r.respond(client, mustMarshal(subscribeResponseFrame{
		outboundBase: newOutboundBase("db_subscribe_response"),
		Success:      true,
		Table:        resource,
		LiveFeed:     liveFeed,
	}))
}

func (r *messageRouterImpl) handleDBUnsubscribe(
	ctxt context.Context, client *ClientBinding, frame *InboundFrame,
) error {
	resource, err := r.targetResource(frame)
	if err != nil {
		return r.respond(client, newResponseFrame("db_unsubscribe_response", false, err.Error()))
	}
	if err := r.bridge.Unsubscribe(ctxt, client.SessionID, resource); err != nil {
		return r.respond(
			client, newResponseFrame("db_unsubscribe_response", false, err.Error()),
		)
	}
	return r.respond(client, newResponseFrame("db_unsubscribe_response", true, ""))
}

func (r *messageRouterImpl) handleJoinRoom(
	ctxt context.Context, client *ClientBinding, frame *InboundFrame,
) error {
	if frame.Room == "" {
		return r.respond(client, ErrorFrame("room name missing"))
	}
	if err := r.hub.Join(ctxt, frame.Room, client.SessionID); err != nil {
		return r.respond(client, ErrorFrame(err.Error()))
	}
	return r.respond(client, mustMarshal(roomResponseFrame{
		outboundBase: newOutboundBase("room_joined"), Success: true, Room: frame.Room,
	}))
}

func (r *messageRouterImpl) handleLeaveRoom(
	ctxt context.Context, client *ClientBinding, frame *InboundFrame,
) error {
	if frame.Room == "" {
		return r.respond(client, ErrorFrame("room name missing"))
	}
	if err := r.hub.Leave(ctxt, frame.Room, client.SessionID); err != nil {
		return r.respond(client, ErrorFrame(err.Error()))
	}
	return r.respond(client, mustMarshal(roomResponseFrame{
		outboundBase: newOutboundBase("room_left"), Success: true, Room: frame.Room,
	}))
}
