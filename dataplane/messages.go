package dataplane

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/hubmq/storage"
)

// MessageKind closed enumeration of recognized inbound frame kinds
type MessageKind int

// Recognized inbound frame kinds. Dispatch over these is exhaustive; a frame
// naming anything else is rejected without closing the connection.
const (
	KindAuth MessageKind = iota
	KindSensorData
	KindHeartbeat
	KindPing
	KindDBCreate
	KindDBRead
	KindDBUpdate
	KindDBDelete
	KindDBSubscribe
	KindDBUnsubscribe
	KindJoinRoom
	KindLeaveRoom
)

// String implement Stringer
func (k MessageKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindSensorData:
		return "sensor_data"
	case KindHeartbeat:
		return "heartbeat"
	case KindPing:
		return "ping"
	case KindDBCreate:
		return "db_create"
	case KindDBRead:
		return "db_read"
	case KindDBUpdate:
		return "db_update"
	case KindDBDelete:
		return "db_delete"
	case KindDBSubscribe:
		return "db_subscribe"
	case KindDBUnsubscribe:
		return "db_unsubscribe"
	case KindJoinRoom:
		return "join_room"
	case KindLeaveRoom:
		return "leave_room"
	}
	return "unknown"
}

// parseMessageKind map a frame type string onto the closed enumeration
func parseMessageKind(value string) (MessageKind, error) {
	kinds := map[string]MessageKind{
		"auth":           KindAuth,
		"sensor_data":    KindSensorData,
		"heartbeat":      KindHeartbeat,
		"ping":           KindPing,
		"db_create":      KindDBCreate,
		"db_read":        KindDBRead,
		"db_update":      KindDBUpdate,
		"db_delete":      KindDBDelete,
		"db_subscribe":   KindDBSubscribe,
		"db_unsubscribe": KindDBUnsubscribe,
		"join_room":      KindJoinRoom,
		"leave_room":     KindLeaveRoom,
	}
	kind, ok := kinds[value]
	if !ok {
		return kind, fmt.Errorf("unrecognized message type '%s'", value)
	}
	return kind, nil
}

// InboundFrame one decoded client frame. Which fields are meaningful depends
// on the frame kind.
type InboundFrame struct {
	// Type is the frame kind discriminator
	Type string `json:"type" validate:"required"`
	// Timestamp is the client-side send time in epoch milliseconds
	Timestamp int64 `json:"timestamp,omitempty"`
	// Token carries the credential of an auth frame
	Token string `json:"token,omitempty"`
	// Payload carries the content of a sensor_data frame
	Payload map[string]interface{} `json:"payload,omitempty"`
	// Table names the storage resource of a db_* frame
	Table string `json:"table,omitempty"`
	// Data carries the record of db_create, or the patch of db_update
	Data map[string]interface{} `json:"data,omitempty"`
	// Filter selects records for db_read, db_update, db_delete, db_subscribe
	Filter map[string]interface{} `json:"filter,omitempty"`
	// Limit caps db_read results
	Limit int `json:"limit,omitempty"`
	// Room names the target of join_room and leave_room
	Room string `json:"room,omitempty"`
}

// ==========================================================================
// Outbound frames

// outboundBase fields shared by every server frame
type outboundBase struct {
	// Type is the frame kind discriminator
	Type string `json:"type"`
	// Timestamp is the server-side send time in epoch milliseconds
	Timestamp int64 `json:"timestamp"`
}

func newOutboundBase(frameType string) outboundBase {
	return outboundBase{Type: frameType, Timestamp: time.Now().UnixMilli()}
}

// WelcomeFrame greet a newly accepted session
func WelcomeFrame(sessionID string, authRequired bool) []byte {
	return mustMarshal(struct {
		outboundBase
		SessionID    string `json:"session_id"`
		AuthRequired bool   `json:"auth_required"`
	}{
		outboundBase: newOutboundBase("welcome"),
		SessionID:    sessionID,
		AuthRequired: authRequired,
	})
}

// responseFrame a generic success / failure response to the sender
type responseFrame struct {
	outboundBase
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func newResponseFrame(frameType string, success bool, message string) []byte {
	return mustMarshal(responseFrame{
		outboundBase: newOutboundBase(frameType),
		Success:      success,
		Message:      message,
	})
}

// ErrorFrame report a protocol, authorization, or validation failure to the
// offending sender
func ErrorFrame(message string) []byte {
	return newResponseFrame("error", false, message)
}

// recordResponseFrame a response carrying a stored record ID
type recordResponseFrame struct {
	outboundBase
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	RecordID string `json:"id,omitempty"`
}

// resultsResponseFrame a response carrying read results
type resultsResponseFrame struct {
	outboundBase
	Success bool             `json:"success"`
	Message string           `json:"message,omitempty"`
	Results []storage.Record `json:"results"`
}

// affectedResponseFrame a response carrying a mutation count
type affectedResponseFrame struct {
	outboundBase
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Affected int64  `json:"affected"`
}

// subscribeResponseFrame acknowledges a db_subscribe. LiveFeed reports
// whether the storage backend supplies live change events; without it the
// subscription is membership-only.
type subscribeResponseFrame struct {
	outboundBase
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Table    string `json:"table"`
	LiveFeed bool   `json:"live_feed"`
}

// roomResponseFrame acknowledges join_room / leave_room
type roomResponseFrame struct {
	outboundBase
	Success bool   `json:"success"`
	Room    string `json:"room"`
}

// changeFrame fan-out of a write performed by any client
type changeFrame struct {
	outboundBase
	Action   string                 `json:"action"`
	Table    string                 `json:"table"`
	RecordID string                 `json:"id,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Filter   map[string]interface{} `json:"filter,omitempty"`
}

// ChangeBroadcastFrame build the db_change frame fanning out one client write
func ChangeBroadcastFrame(
	action, table, recordID string,
	data, filter map[string]interface{},
) []byte {
	return mustMarshal(changeFrame{
		outboundBase: newOutboundBase("db_change"),
		Action:       action,
		Table:        table,
		RecordID:     recordID,
		Data:         data,
		Filter:       filter,
	})
}

// realtimeFrame fan-out of a live storage feed event
type realtimeFrame struct {
	outboundBase
	Event storage.ChangeEvent `json:"event"`
}

// RealtimeBroadcastFrame build the db_realtime frame fanning out one storage
// change feed event
func RealtimeBroadcastFrame(event storage.ChangeEvent) []byte {
	return mustMarshal(realtimeFrame{
		outboundBase: newOutboundBase("db_realtime"),
		Event:        event,
	})
}

// mustMarshal serialize an outbound frame. The frame structures contain
// nothing unserializable, so failure here is a programming error.
func mustMarshal(frame interface{}) []byte {
	serialized, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	return serialized
}
