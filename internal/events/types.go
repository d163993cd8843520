// Package events declares the event vocabulary shared by the worker
// processes and the server that supervises them.
package events

// Worker lifecycle events emitted on a session's NDJSON channel.
const (
	WorkerExited    = "dr.worker.exited"
	WorkerError     = "dr.worker.error"
	ArtifactUpdated = "dr.artifact.updated"
	Message         = "dr.message"
)

// Generic terminal and diagnostic events. These carry no session_id on the
// NDJSON wire; the owning session is implied by the stdout channel they
// arrive on, and the manager stamps one in before publishing to the bus.
const (
	TypeError    = "error"
	TypeStatus   = "status"
	TypeComplete = "complete"
	TypeLog      = "log"
)

// Status values carried by "status" events.
const (
	StatusStopped = "stopped"
	StatusError   = "error"
)

// Subject prefix for session events on the event bus. The full subject is
// SessionSubjectPrefix + session_id.
const SessionSubjectPrefix = "dr.session."

// SessionSubject returns the bus subject carrying all events for a session.
func SessionSubject(sessionID string) string {
	return SessionSubjectPrefix + sessionID
}
