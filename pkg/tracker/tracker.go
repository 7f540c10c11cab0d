package tracker

import (
	"chatkit/pkg/holder"
	"chatkit/pkg/logger"
	"chatkit/pkg/models"
)

type state int

const (
	stateCreated state = iota
	stateLoading
	stateIdle
	stateDestroyed
)

// MessageListener receives ordered message events for the window the
// tracker currently serves. All callbacks run on the session executor.
type MessageListener interface {
	Added(m models.Message)
	Changed(old, new models.Message)
	Removed(m models.Message)
	RemovedAll()
}

// Tracker is a pagination cursor over the merged message timeline. It
// serves pages backwards from the newest message and relays live events
// for everything at or after the oldest message it handed out. One
// tracker is active per session; all methods must run on the session
// executor.
type Tracker struct {
	h        *holder.Holder
	listener MessageListener

	st              state
	messagesLoading bool

	// headMessage is the oldest message served so far; events older
	// than it stay outside the window.
	headMessage     *models.Message
	servedCurrentID map[string]bool

	// servedHistoryID maps store ids the cursor has handed out to their
	// timestamps; history events for unserved ids are absorbed silently.
	servedHistoryID map[string]int64

	// cachedCompletion is re-armed when LastMessages finds nothing
	// locally and has to wait for live data.
	cachedCompletion func([]models.Message)
	cachedLimit      int

	onDestroy func()
}

// New creates a tracker bound to the holder. The session wires it as
// the holder's listener and tears that down on Destroy via onDestroy.
func New(h *holder.Holder, listener MessageListener, onDestroy func()) *Tracker {
	return &Tracker{
		h:               h,
		listener:        listener,
		st:              stateCreated,
		servedCurrentID: map[string]bool{},
		servedHistoryID: map[string]int64{},
		onDestroy:       onDestroy,
	}
}

// Destroyed reports whether the tracker has been torn down.
func (t *Tracker) Destroyed() bool { return t.st == stateDestroyed }

// LastMessages delivers the newest page of up to limit messages: the
// tail of the open chat when one exists, otherwise the newest stored
// history. When neither side has data yet the completion is parked and
// fires on the first live arrival or once the server confirms the
// history is empty.
func (t *Tracker) LastMessages(limit int, completion func([]models.Message)) {
	if t.st == stateDestroyed {
		logger.Warn("tracker_used_after_destroy", "op", "last_messages")
		return
	}
	if t.messagesLoading {
		logger.Warn("tracker_concurrent_page_request", "op", "last_messages")
		completion(nil)
		return
	}

	current := t.h.CurrentChat()
	if len(current) > 0 {
		start := len(current) - limit
		if start < 0 {
			start = 0
		}
		page := current[start:]
		t.servePage(page)
		t.st = stateIdle
		completion(page)
		return
	}

	t.st = stateLoading
	t.messagesLoading = true
	latest, err := t.h.Store().Latest(limit)
	if err != nil {
		logger.Error("tracker_store_latest_failed", "error", err)
		latest = nil
	}
	if len(latest) > 0 {
		t.finishPage(latest, completion)
		return
	}
	if t.h.Store().ReachedEnd() {
		t.finishPage(nil, completion)
		return
	}
	// nothing local; fetch the newest history page from the server
	t.h.LatestMessages(limit, func(page []models.Message) {
		if t.st == stateDestroyed {
			return
		}
		if len(page) == 0 && !t.h.Store().ReachedEnd() {
			// still nothing: park the completion for live data. The
			// load stays in flight, so concurrent page requests keep
			// short-circuiting instead of overwriting the parked call.
			t.cachedCompletion = completion
			t.cachedLimit = limit
			return
		}
		t.finishPage(page, completion)
	})
}

// NextMessages delivers the page preceding the oldest message already
// served. Before LastMessages has run it behaves like LastMessages.
func (t *Tracker) NextMessages(limit int, completion func([]models.Message)) {
	if t.st == stateDestroyed {
		logger.Warn("tracker_used_after_destroy", "op", "next_messages")
		return
	}
	if t.st == stateCreated {
		t.LastMessages(limit, completion)
		return
	}
	if t.messagesLoading {
		logger.Warn("tracker_concurrent_page_request", "op", "next_messages")
		completion(nil)
		return
	}
	if t.headMessage == nil {
		completion(nil)
		return
	}

	t.messagesLoading = true
	before := *t.headMessage
	t.h.MessagesBefore(limit, before, func(page []models.Message) {
		if t.st == stateDestroyed {
			return
		}
		// a history fetch can overlap messages already served from the
		// open chat; those stay where the cursor first saw them
		filtered := page[:0:0]
		for _, m := range page {
			if t.servedCurrentID[m.ClientID] {
				continue
			}
			filtered = append(filtered, m)
		}
		t.finishPage(filtered, completion)
	})
}

func (t *Tracker) finishPage(page []models.Message, completion func([]models.Message)) {
	t.servePage(page)
	t.messagesLoading = false
	t.st = stateIdle
	completion(page)
}

// servePage records the new window head and which current-chat ids the
// caller has already seen.
func (t *Tracker) servePage(page []models.Message) {
	if len(page) > 0 {
		oldest := page[0]
		if t.headMessage == nil || t.olderThanHead(&oldest) {
			m := oldest.Clone()
			t.headMessage = &m
		}
	}
	for i := range page {
		if page[i].Source == models.SourceCurrentChat {
			t.servedCurrentID[page[i].ClientID] = true
		}
		if page[i].HasHistoryPosition() {
			t.servedHistoryID[page[i].History.StoreID] = page[i].TSMicros
		}
	}
}

func (t *Tracker) olderThanHead(m *models.Message) bool {
	if t.headMessage == nil {
		return true
	}
	if m.HasHistoryPosition() && t.headMessage.HasHistoryPosition() {
		return m.History.Before(*t.headMessage.History)
	}
	return m.TSMicros < t.headMessage.TSMicros
}

// inWindow reports whether a message is at or after the oldest served
// message. With no pages served yet, only live arrivals pass.
func (t *Tracker) inWindow(m *models.Message) bool {
	if t.st == stateCreated {
		return false
	}
	if t.headMessage == nil {
		return m.Source == models.SourceCurrentChat
	}
	return !t.olderThanHead(m)
}

// ResetTo moves the window head so older events stop flowing; messages
// newer than the new head keep arriving. History ids that fall below
// the new head are forgotten along with it.
func (t *Tracker) ResetTo(m models.Message) {
	if t.st == stateDestroyed {
		logger.Warn("tracker_used_after_destroy", "op", "reset_to")
		return
	}
	c := m.Clone()
	t.headMessage = &c
	for id, ts := range t.servedHistoryID {
		if ts < c.TSMicros {
			delete(t.servedHistoryID, id)
		}
	}
}

// Destroy tears the tracker down; further calls are no-ops and parked
// completions never fire. Pending outbound messages are dropped with
// the cursor so a successor never resurrects this cursor's optimistic
// sends; their in-flight completions tolerate the missing ids.
func (t *Tracker) Destroy() {
	if t.st == stateDestroyed {
		return
	}
	t.st = stateDestroyed
	t.cachedCompletion = nil
	t.messagesLoading = false
	t.h.ClearOutbound()
	if t.onDestroy != nil {
		t.onDestroy()
	}
}

// --- holder.Listener ---

// AddedNewMessage relays a live arrival and satisfies a parked
// LastMessages completion waiting for first data.
func (t *Tracker) AddedNewMessage(m models.Message) {
	if t.st == stateDestroyed {
		return
	}
	if t.cachedCompletion != nil {
		completion := t.cachedCompletion
		t.cachedCompletion = nil
		t.finishPage([]models.Message{m}, completion)
		return
	}
	if !t.inWindow(&m) {
		return
	}
	t.servedCurrentID[m.ClientID] = true
	if t.olderThanHead(&m) {
		c := m.Clone()
		t.headMessage = &c
	}
	t.listener.Added(m)
}

func (t *Tracker) ChangedCurrentChat(old, new models.Message) {
	if t.st == stateDestroyed || !t.inWindow(&old) {
		return
	}
	t.listener.Changed(old, new)
}

func (t *Tracker) DeletedCurrentChat(m models.Message) {
	if t.st == stateDestroyed || !t.inWindow(&m) {
		return
	}
	delete(t.servedCurrentID, m.ClientID)
	t.listener.Removed(m)
}

func (t *Tracker) AddedHistory(m models.Message) {
	if t.st == stateDestroyed || !t.inWindow(&m) {
		return
	}
	if m.HasHistoryPosition() {
		t.servedHistoryID[m.History.StoreID] = m.TSMicros
	}
	t.listener.Added(m)
}

func (t *Tracker) ChangedHistory(old, new models.Message) {
	if t.st == stateDestroyed || !t.inWindow(&new) {
		return
	}
	if new.HasHistoryPosition() {
		t.servedHistoryID[new.History.StoreID] = new.TSMicros
	}
	t.listener.Changed(old, new)
}

// DeletedHistory relays a deletion only for a store id the cursor has
// handed out; anything else was never visible and stays silent.
func (t *Tracker) DeletedHistory(storeID string) {
	if t.st == stateDestroyed {
		return
	}
	if _, ok := t.servedHistoryID[storeID]; !ok {
		return
	}
	delete(t.servedHistoryID, storeID)
	if t.headMessage != nil && t.headMessage.HasHistoryPosition() &&
		t.headMessage.History.StoreID == storeID {
		t.listener.Removed(*t.headMessage)
		return
	}
	// deletions carry only an id; relay as a removal with just the
	// store id populated and let the consumer match it
	t.listener.Removed(models.Message{
		Source:  models.SourceHistory,
		History: &models.HistoryPosition{StoreID: storeID},
	})
}

// ClearedAll resets the window after local data is wiped and relays a
// single bulk removal instead of one event per message.
func (t *Tracker) ClearedAll() {
	if t.st == stateDestroyed {
		return
	}
	t.headMessage = nil
	t.servedCurrentID = map[string]bool{}
	t.servedHistoryID = map[string]int64{}
	t.listener.RemovedAll()
}

// TracksHistory reports whether the cursor has handed out the stored
// message with this id.
func (t *Tracker) TracksHistory(storeID string) bool {
	if t.st != stateIdle && t.st != stateLoading {
		return false
	}
	_, ok := t.servedHistoryID[storeID]
	return ok
}
