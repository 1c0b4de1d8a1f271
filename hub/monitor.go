package hub

import (
	"time"

	"github.com/apex/log"
)

// Monitor receives fire-and-forget notifications about hub activity, e.g. for
// a hosting process or UI. Implementations must not block; the hub never
// depends on a monitor for correctness.
type Monitor interface {
	// ServerStarted the hub began accepting connections
	ServerStarted(listenAddr string)
	// ServerStopped the hub shut down
	ServerStopped()
	// ConnectionOpened a new session was accepted
	ConnectionOpened(info SessionInfo)
	// ConnectionClosed a session ended, with its connection duration and
	// inbound frame count
	ConnectionClosed(info SessionInfo, duration time.Duration, reason string)
	// WriteSucceeded a data-plane write reached the storage collaborator
	WriteSucceeded(sessionID, resource, recordID string)
	// WriteFailed a data-plane write was rejected by the storage collaborator
	WriteFailed(sessionID, resource string, err error)
}

// logMonitor implements Monitor by writing log entries
type logMonitor struct {
	logTags log.Fields
}

// NewLogMonitor define a Monitor which reports through the process log
func NewLogMonitor() Monitor {
	return &logMonitor{
		logTags: log.Fields{"module": "hub", "component": "monitor"},
	}
}

// ServerStarted the hub began accepting connections
func (m *logMonitor) ServerStarted(listenAddr string) {
	log.WithFields(m.logTags).Infof("Serving on %s", listenAddr)
}

// ServerStopped the hub shut down
func (m *logMonitor) ServerStopped() {
	log.WithFields(m.logTags).Info("Server stopped")
}

// ConnectionOpened a new session was accepted
func (m *logMonitor) ConnectionOpened(info SessionInfo) {
	log.WithFields(m.logTags).Infof("Session %s connected from %s", info.ID, info.RemoteAddr)
}

// ConnectionClosed a session ended
func (m *logMonitor) ConnectionClosed(
	info SessionInfo, duration time.Duration, reason string,
) {
	log.WithFields(m.logTags).Infof(
		"Session %s disconnected after %s and %d messages: %s",
		info.ID,
		duration,
		info.ReceivedCount,
		reason,
	)
}

// WriteSucceeded a data-plane write reached the storage collaborator
func (m *logMonitor) WriteSucceeded(sessionID, resource, recordID string) {
	log.WithFields(m.logTags).Debugf(
		"Session %s stored record %s in '%s'", sessionID, recordID, resource,
	)
}

// WriteFailed a data-plane write was rejected by the storage collaborator
func (m *logMonitor) WriteFailed(sessionID, resource string, err error) {
	log.WithError(err).WithFields(m.logTags).Warnf(
		"Session %s failed to store record in '%s'", sessionID, resource,
	)
}
