package orchestrator

import (
	"sync"
	"time"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

// MaxSessionErrors bounds the error list kept on a session; older entries are dropped.
const MaxSessionErrors = 20

// liveSession is the mutable view of a running session. Every read returns a copy.
type liveSession struct {
	mu       sync.Mutex
	session  crawler.ScrapeSession
	index    map[string]int
	stopped  bool
	stopNote string
	done     chan struct{}
}

func newLiveSession(id string, startedAt time.Time, sources []crawler.Source) *liveSession {
	ls := &liveSession{
		session: crawler.ScrapeSession{
			ID:        id,
			Status:    crawler.SessionRunning,
			StartedAt: startedAt,
			Sources:   make([]crawler.SourceResult, 0, len(sources)),
		},
		index: make(map[string]int, len(sources)),
		done:  make(chan struct{}),
	}
	for _, src := range sources {
		ls.index[src.ID] = len(ls.session.Sources)
		ls.session.Sources = append(ls.session.Sources, crawler.SourceResult{
			SourceID: src.ID,
			State:    crawler.StatePending,
		})
	}
	return ls
}

func (ls *liveSession) snapshot() crawler.ScrapeSession {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := ls.session
	out.Sources = append([]crawler.SourceResult(nil), ls.session.Sources...)
	out.Logs = append([]crawler.LogEntry(nil), ls.session.Logs...)
	out.Errors = append([]string(nil), ls.session.Errors...)
	return out
}

func (ls *liveSession) source(id string) crawler.SourceResult {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.session.Sources[ls.index[id]]
}

// update applies fn to the source's result and refreshes the session totals.
func (ls *liveSession) update(sourceID string, fn func(*crawler.SourceResult)) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	i, ok := ls.index[sourceID]
	if !ok {
		return
	}
	fn(&ls.session.Sources[i])
	var totals crawler.Counters
	for _, r := range ls.session.Sources {
		totals.Add(r.Counters)
	}
	ls.session.Totals = totals
}

func (ls *liveSession) appendLog(entry crawler.LogEntry) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.session.Logs = append(ls.session.Logs, entry)
}

func (ls *liveSession) addError(msg string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.session.Errors = append(ls.session.Errors, msg)
	if n := len(ls.session.Errors); n > MaxSessionErrors {
		ls.session.Errors = append([]string(nil), ls.session.Errors[n-MaxSessionErrors:]...)
	}
}

// requestStop marks the session so no further sources start. It reports false
// once the session has finished.
func (ls *liveSession) requestStop(reason string) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.session.Closed() {
		return false
	}
	if !ls.stopped {
		ls.stopped = true
		ls.stopNote = reason
	}
	return true
}

func (ls *liveSession) stopRequested() (bool, string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.stopped, ls.stopNote
}

func (ls *liveSession) finish(status crawler.SessionStatus, reason string, at time.Time) crawler.ScrapeSession {
	ls.mu.Lock()
	ls.session.Status = status
	ls.session.StopReason = reason
	finished := at
	ls.session.FinishedAt = &finished
	ls.mu.Unlock()
	close(ls.done)
	return ls.snapshot()
}
