package tracker

import (
	"testing"

	"chatkit/pkg/history"
	"chatkit/pkg/holder"
	"chatkit/pkg/models"
)

type syncRunner struct{}

func (syncRunner) RunHistory(fn func()) { fn() }
func (syncRunner) Post(fn func())       { fn() }

type fakeRemote struct {
	batches []models.HistoryBatch
	calls   int
}

func (r *fakeRemote) Before(tsMicros int64, limit int) (models.HistoryBatch, error) {
	if r.calls >= len(r.batches) {
		// an empty answer that does not confirm exhaustion, as a flaky
		// network produces
		r.calls++
		return models.HistoryBatch{HasMore: true}, nil
	}
	b := r.batches[r.calls]
	r.calls++
	return b, nil
}

type eventLog struct {
	added      []string
	changed    []string
	removed    []string
	removedAll int
}

func (l *eventLog) Added(m models.Message)      { l.added = append(l.added, m.ClientID) }
func (l *eventLog) Changed(_, m models.Message) { l.changed = append(l.changed, m.ClientID) }
func (l *eventLog) Removed(m models.Message)    { l.removed = append(l.removed, m.ClientID) }
func (l *eventLog) RemovedAll()                 { l.removedAll++ }

func liveMsg(id string, ts int64) models.Message {
	return models.Message{
		ClientID: id,
		TSMicros: ts,
		Kind:     models.KindVisitorText,
		Source:   models.SourceCurrentChat,
		Status:   models.StatusSent,
		Text:     id,
	}
}

func histMsg(id string, ts int64) models.Message {
	return models.Message{
		ClientID: id,
		History:  &models.HistoryPosition{StoreID: id, TSMicros: ts},
		TSMicros: ts,
		Kind:     models.KindOperatorText,
		Source:   models.SourceHistory,
		Status:   models.StatusSent,
		Text:     id,
	}
}

func setup(remote *fakeRemote) (*holder.Holder, *eventLog, *Tracker) {
	if remote == nil {
		remote = &fakeRemote{}
	}
	h := holder.New(history.NewMemory(), remote, syncRunner{})
	log := &eventLog{}
	t := New(h, log, func() { h.ClearListener() })
	h.SetListener(t)
	return h, log, t
}

func chatting(id string) *models.Chat {
	return &models.Chat{ID: id, State: models.ChatStateChatting}
}

func TestLastMessages_FromCurrentChat(t *testing.T) {
	h, _, tr := setup(nil)
	h.Receiving(chatting("c1"), nil, []models.Message{
		liveMsg("a", 100), liveMsg("b", 200), liveMsg("c", 300),
	})

	var page []models.Message
	tr.LastMessages(2, func(p []models.Message) { page = p })
	if len(page) != 2 || page[0].ClientID != "b" || page[1].ClientID != "c" {
		t.Fatalf("last page wrong: %v", page)
	}
}

func TestLastMessages_ParksUntilFirstData(t *testing.T) {
	_, _, tr := setup(nil)
	var page []models.Message
	fired := 0
	tr.LastMessages(10, func(p []models.Message) { page = p; fired++ })
	if fired != 0 {
		t.Fatalf("completion fired with no data (page %v)", page)
	}

	// the first live arrival satisfies the parked completion
	tr.AddedNewMessage(liveMsg("a", 100))
	if fired != 1 {
		t.Fatalf("parked completion fired %d times", fired)
	}
	if len(page) != 1 || page[0].ClientID != "a" {
		t.Fatalf("parked page wrong: %v", page)
	}
}

func TestLastMessages_ParkedLoadIsSingleFlight(t *testing.T) {
	_, _, tr := setup(nil)
	var first []models.Message
	firstFired := 0
	tr.LastMessages(10, func(p []models.Message) { first = p; firstFired++ })

	// a second request while the first is parked short-circuits empty
	// instead of replacing the parked completion
	secondFired := 0
	tr.LastMessages(10, func(p []models.Message) {
		secondFired++
		if len(p) != 0 {
			t.Fatalf("concurrent request returned data: %v", p)
		}
	})
	if secondFired != 1 {
		t.Fatal("concurrent request not answered")
	}

	tr.AddedNewMessage(liveMsg("a", 100))
	if firstFired != 1 {
		t.Fatalf("parked completion fired %d times", firstFired)
	}
	if len(first) != 1 || first[0].ClientID != "a" {
		t.Fatalf("parked page wrong: %v", first)
	}
}

func TestNextMessages_PagesBackwards(t *testing.T) {
	remote := &fakeRemote{batches: []models.HistoryBatch{{
		Messages: []models.Message{histMsg("h1", 10), histMsg("h2", 20)},
		HasMore:  false,
	}}}
	h, _, tr := setup(remote)
	h.Receiving(chatting("c1"), nil, []models.Message{liveMsg("a", 100), liveMsg("b", 200)})

	var first []models.Message
	tr.LastMessages(10, func(p []models.Message) { first = p })
	if len(first) != 2 {
		t.Fatalf("first page wrong: %v", first)
	}

	var second []models.Message
	tr.NextMessages(10, func(p []models.Message) { second = p })
	if len(second) != 2 || second[0].ClientID != "h1" || second[1].ClientID != "h2" {
		t.Fatalf("history page wrong: %v", second)
	}

	// exhausted history: further paging yields empty pages, no server hit
	calls := remote.calls
	var third []models.Message
	tr.NextMessages(10, func(p []models.Message) { third = p })
	if len(third) != 0 {
		t.Fatalf("page past the end: %v", third)
	}
	if remote.calls != calls {
		t.Fatalf("exhausted paging hit the server")
	}
}

func TestNextMessages_FiltersOverlapWithServedChat(t *testing.T) {
	// the history fetch returns a message already served from the open
	// chat; the page must not show it twice
	overlap := histMsg("b", 90)
	remote := &fakeRemote{batches: []models.HistoryBatch{{
		Messages: []models.Message{histMsg("y", 80), overlap},
		HasMore:  true,
	}}}
	h, _, tr := setup(remote)
	h.Receiving(chatting("c1"), nil, []models.Message{liveMsg("b", 90), liveMsg("a", 100)})

	tr.LastMessages(10, func([]models.Message) {})
	var page []models.Message
	tr.NextMessages(10, func(p []models.Message) { page = p })
	if len(page) != 1 || page[0].ClientID != "y" {
		t.Fatalf("overlap not filtered: %v", page)
	}
}

func TestWindow_FiltersOlderEvents(t *testing.T) {
	h, log, tr := setup(nil)
	h.Receiving(chatting("c1"), nil, []models.Message{liveMsg("a", 100), liveMsg("b", 200)})
	tr.LastMessages(1, func([]models.Message) {}) // window head is b

	// an event about a message older than the window stays silent
	tr.AddedHistory(histMsg("h1", 10))
	if len(log.added) != 0 {
		t.Fatalf("out-of-window event relayed: %v", log.added)
	}

	// a live arrival lands inside the window
	tr.AddedNewMessage(liveMsg("c", 300))
	if len(log.added) != 1 || log.added[0] != "c" {
		t.Fatalf("in-window event lost: %v", log.added)
	}
}

func TestDeletedHistory_OnlyForServedMessages(t *testing.T) {
	remote := &fakeRemote{batches: []models.HistoryBatch{{
		Messages: []models.Message{histMsg("h1", 10), histMsg("h2", 20)},
		HasMore:  true,
	}}}
	h, log, tr := setup(remote)
	h.Receiving(chatting("c1"), nil, []models.Message{liveMsg("a", 100)})
	tr.LastMessages(10, func([]models.Message) {})

	// a deletion for history the cursor never paginated to stays silent
	tr.DeletedHistory("old")
	if len(log.removed) != 0 {
		t.Fatalf("unserved deletion relayed: %v", log.removed)
	}

	tr.NextMessages(10, func([]models.Message) {})
	tr.DeletedHistory("h1")
	if len(log.removed) != 1 {
		t.Fatalf("served deletion not relayed: %v", log.removed)
	}
	// a replayed deletion is already forgotten
	tr.DeletedHistory("h1")
	if len(log.removed) != 1 {
		t.Fatalf("deletion relayed twice: %v", log.removed)
	}
}

func TestTracksHistory_OnlyServedIDs(t *testing.T) {
	remote := &fakeRemote{batches: []models.HistoryBatch{{
		Messages: []models.Message{histMsg("h1", 10)},
		HasMore:  true,
	}}}
	h, _, tr := setup(remote)
	h.Receiving(chatting("c1"), nil, []models.Message{liveMsg("a", 100)})
	tr.LastMessages(10, func([]models.Message) {})

	if tr.TracksHistory("h1") {
		t.Fatal("tracks an id it never served")
	}
	tr.NextMessages(10, func([]models.Message) {})
	if !tr.TracksHistory("h1") {
		t.Fatal("served id not tracked")
	}
	if tr.TracksHistory("h2") {
		t.Fatal("tracks an unknown id")
	}
}

func TestResetToNarrowsWindow(t *testing.T) {
	h, log, tr := setup(nil)
	h.Receiving(chatting("c1"), nil, []models.Message{
		liveMsg("a", 100), liveMsg("b", 200), liveMsg("c", 300),
	})
	tr.LastMessages(10, func([]models.Message) {})

	tr.ResetTo(liveMsg("c", 300))
	tr.ChangedCurrentChat(liveMsg("a", 100), liveMsg("a", 100))
	if len(log.changed) != 0 {
		t.Fatalf("event below the reset head relayed: %v", log.changed)
	}
	tr.ChangedCurrentChat(liveMsg("c", 300), liveMsg("c", 300))
	if len(log.changed) != 1 {
		t.Fatalf("event at the head lost: %v", log.changed)
	}
}

func TestResetTo_ForgetsOlderHistoryIDs(t *testing.T) {
	remote := &fakeRemote{batches: []models.HistoryBatch{{
		Messages: []models.Message{histMsg("h1", 10), histMsg("h2", 20)},
		HasMore:  true,
	}}}
	h, _, tr := setup(remote)
	h.Receiving(chatting("c1"), nil, []models.Message{liveMsg("a", 100)})
	tr.LastMessages(10, func([]models.Message) {})
	tr.NextMessages(10, func([]models.Message) {})

	tr.ResetTo(histMsg("h2", 20))
	if tr.TracksHistory("h1") {
		t.Fatal("id below the reset head still tracked")
	}
	if !tr.TracksHistory("h2") {
		t.Fatal("id at the reset head dropped")
	}
}

func TestDestroy_ClearsOutbound(t *testing.T) {
	h, _, tr := setup(nil)
	h.Sending(models.Message{
		ClientID: "out1",
		TSMicros: 100,
		Kind:     models.KindVisitorText,
		Source:   models.SourceCurrentChat,
		Status:   models.StatusSending,
		Text:     "hi",
	})
	tr.Destroy()
	if got := h.Outbound(); len(got) != 0 {
		t.Fatalf("outbound survived destroy: %v", got)
	}
}

func TestDestroy_SilencesEverything(t *testing.T) {
	h, log, tr := setup(nil)
	h.Receiving(chatting("c1"), nil, []models.Message{liveMsg("a", 100)})
	tr.LastMessages(10, func([]models.Message) {})

	tr.Destroy()
	if !tr.Destroyed() {
		t.Fatal("destroy did not mark the tracker")
	}
	tr.AddedNewMessage(liveMsg("b", 200))
	tr.LastMessages(10, func([]models.Message) { t.Fatal("completion after destroy") })
	tr.NextMessages(10, func([]models.Message) { t.Fatal("completion after destroy") })
	if len(log.added) != 0 {
		t.Fatalf("event after destroy: %v", log.added)
	}
	// idempotent
	tr.Destroy()
}

func TestConcurrentPageRequestRejected(t *testing.T) {
	// remote that never answers within the test: simulate by a holder
	// whose store is empty and whose remote returns nothing, so the
	// completion parks and messagesLoading clears; instead drive the
	// guard directly through a parked load
	h, _, tr := setup(nil)
	h.Receiving(chatting("c1"), nil, []models.Message{liveMsg("a", 100), liveMsg("b", 200)})
	tr.LastMessages(10, func([]models.Message) {})

	// force the loading flag and verify the re-entrancy guard answers
	// empty instead of corrupting the cursor
	tr.messagesLoading = true
	answered := false
	tr.NextMessages(10, func(p []models.Message) {
		answered = true
		if len(p) != 0 {
			t.Fatalf("concurrent request returned data: %v", p)
		}
	})
	if !answered {
		t.Fatal("concurrent request not answered")
	}
	tr.messagesLoading = false
}

func TestClearedAll(t *testing.T) {
	h, log, tr := setup(nil)
	h.Receiving(chatting("c1"), nil, []models.Message{liveMsg("a", 100)})
	tr.LastMessages(10, func([]models.Message) {})

	tr.ClearedAll()
	if log.removedAll != 1 {
		t.Fatalf("bulk removal not relayed (%d)", log.removedAll)
	}
}
