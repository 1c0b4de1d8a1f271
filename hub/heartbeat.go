package hub

import (
	"fmt"
	"reflect"
	"time"

	"github.com/apex/log"
)

// heartbeatCheckReq one liveness check tick for a session. Submitted by the
// session's interval timer; never waited on.
type heartbeatCheckReq struct {
	sessionID string
}

// processHeartbeatCheck run one liveness check on the event loop.
//
// A peer gets twice the probe interval to show signs of life, tolerating one
// missed probe before being declared dead.
func (h *hubImpl) processHeartbeatCheck(param interface{}) error {
	request, ok := param.(heartbeatCheckReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for heartbeat check", reflect.TypeOf(param),
		)
	}
	target, present := h.sessions[request.sessionID]
	if !present {
		// Torn down between tick and processing
		return nil
	}

	if !target.transport.Open() {
		log.WithFields(h.LogTags).Debugf(
			"Session %s transport already closed; cleaning up", request.sessionID,
		)
		h.teardownSession(request.sessionID, CloseStatusNormal, "transport closed")
		return nil
	}

	silentFor := time.Since(target.lastLiveness)
	if silentFor > 2*h.config.HeartbeatInterval {
		log.WithFields(h.LogTags).Infof(
			"Session %s silent for %s; declaring dead", request.sessionID, silentFor,
		)
		h.teardownSession(
			request.sessionID, CloseStatusHeartbeatTimeout, "heartbeat timeout",
		)
		return nil
	}

	if err := target.transport.Probe(); err != nil {
		log.WithError(err).WithFields(h.LogTags).Debugf(
			"Liveness probe towards %s failed", request.sessionID,
		)
	}
	return nil
}
