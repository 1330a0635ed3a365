package progress

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

// Event is one run-log entry scoped to a session.
type Event struct {
	SessionID string
	Entry     crawler.LogEntry

	// flush is set on the internal marker Hub.Flush sends through the channel.
	flush chan struct{}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.Entry.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Entry.Message == "" {
		return errors.New("message is required")
	}
	switch e.Entry.Status {
	case crawler.LogInfo, crawler.LogSuccess, crawler.LogWarning, crawler.LogRejected:
	case crawler.LogError:
		if e.Entry.Error == "" {
			return errors.New("error entry requires error text")
		}
	default:
		return fmt.Errorf("unknown log status %q", e.Entry.Status)
	}
	return nil
}
