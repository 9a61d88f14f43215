package turns

import "github.com/kynetic-ai/kbot/internal/sessionstore"

// EventSource is the narrow view of sessionstore.Store this package needs:
// a range read over one session's event log.
type EventSource interface {
	ReadEventsSince(sessionID string, since int, until *int) ([]sessionstore.SessionEvent, error)
}
