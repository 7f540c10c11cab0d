package holder

import (
	"testing"

	"chatkit/pkg/history"
	"chatkit/pkg/models"
)

// syncRunner runs everything inline; holder tests need no goroutines.
type syncRunner struct{}

func (syncRunner) RunHistory(fn func()) { fn() }
func (syncRunner) Post(fn func())       { fn() }

type fakeRemote struct {
	batches []models.HistoryBatch
	calls   int
}

func (r *fakeRemote) Before(tsMicros int64, limit int) (models.HistoryBatch, error) {
	if r.calls >= len(r.batches) {
		r.calls++
		return models.HistoryBatch{}, nil
	}
	b := r.batches[r.calls]
	r.calls++
	return b, nil
}

// recorder collects listener events in order.
type recorder struct {
	added   []models.Message
	changed [][2]models.Message
	deleted []string
	tracked map[string]bool
}

func newRecorder() *recorder { return &recorder{tracked: map[string]bool{}} }

func (r *recorder) AddedNewMessage(m models.Message) { r.added = append(r.added, m) }
func (r *recorder) ChangedCurrentChat(old, new models.Message) {
	r.changed = append(r.changed, [2]models.Message{old, new})
}
func (r *recorder) DeletedCurrentChat(m models.Message) { r.deleted = append(r.deleted, m.ClientID) }
func (r *recorder) AddedHistory(m models.Message)       { r.added = append(r.added, m) }
func (r *recorder) ChangedHistory(old, new models.Message) {
	r.changed = append(r.changed, [2]models.Message{old, new})
}
func (r *recorder) DeletedHistory(storeID string) { r.deleted = append(r.deleted, storeID) }
func (r *recorder) TracksHistory(storeID string) bool {
	if len(r.tracked) == 0 {
		return true
	}
	return r.tracked[storeID]
}

func (r *recorder) reset() {
	r.added = nil
	r.changed = nil
	r.deleted = nil
}

func liveMsg(id string, ts int64, text string) models.Message {
	return models.Message{
		ClientID: id,
		ServerID: "srv-" + id,
		TSMicros: ts,
		Kind:     models.KindVisitorText,
		Source:   models.SourceCurrentChat,
		Status:   models.StatusSent,
		Author:   "visitor",
		Text:     text,
	}
}

func openChat(id string) *models.Chat {
	return &models.Chat{ID: id, State: models.ChatStateChatting}
}

func newTestHolder(rec *recorder) (*Holder, *fakeRemote) {
	remote := &fakeRemote{}
	h := New(history.NewMemory(), remote, syncRunner{})
	h.SetListener(rec)
	return h, remote
}

func TestReceiving_AdoptAndMerge(t *testing.T) {
	rec := newRecorder()
	h, _ := newTestHolder(rec)

	chat := openChat("chat-1")
	h.Receiving(chat, nil, []models.Message{liveMsg("a", 100, "hi"), liveMsg("b", 200, "there")})
	if len(rec.added) != 2 {
		t.Fatalf("adopt emitted %d added", len(rec.added))
	}

	// same chat: positional merge replaces changed content, drops
	// messages that left the window, appends the tail
	rec.reset()
	edited := liveMsg("b", 200, "there!!")
	edited.Edited = true
	h.Receiving(chat, chat, []models.Message{edited, liveMsg("c", 300, "new")})
	if len(rec.deleted) != 1 || rec.deleted[0] != "a" {
		t.Fatalf("expected a dropped, got %v", rec.deleted)
	}
	if len(rec.changed) != 1 || rec.changed[0][1].Text != "there!!" {
		t.Fatalf("expected b changed, got %v", rec.changed)
	}
	if len(rec.added) != 1 || rec.added[0].ClientID != "c" {
		t.Fatalf("expected c added, got %v", rec.added)
	}
	if got := h.CurrentChat(); len(got) != 2 || got[0].ClientID != "b" || got[1].ClientID != "c" {
		t.Fatalf("current chat wrong: %v", got)
	}
}

func TestReceiving_ChatChangeHistorifies(t *testing.T) {
	rec := newRecorder()
	h, _ := newTestHolder(rec)

	chat := openChat("chat-1")
	positioned := liveMsg("a", 100, "kept")
	positioned.History = &models.HistoryPosition{StoreID: "a", TSMicros: 100}
	editable := liveMsg("b", 200, "editable")
	editable.CanEdit = true
	plain := liveMsg("c", 300, "plain")
	h.Receiving(chat, nil, []models.Message{positioned, editable, plain})

	rec.reset()
	next := openChat("chat-2")
	h.Receiving(next, chat, []models.Message{liveMsg("d", 400, "fresh")})

	// the positioned message transfers source with one changed event;
	// the editable one loses CanEdit; the plain one changes nothing
	var sourceFlips, editRevokes int
	for _, c := range rec.changed {
		switch {
		case c[0].ClientID == "a" && c[1].Source == models.SourceHistory:
			sourceFlips++
		case c[0].ClientID == "b" && c[0].CanEdit && !c[1].CanEdit:
			editRevokes++
		}
	}
	if sourceFlips != 1 {
		t.Fatalf("expected one source transfer, got %d (%v)", sourceFlips, rec.changed)
	}
	if editRevokes != 1 {
		t.Fatalf("expected one edit revoke, got %d (%v)", editRevokes, rec.changed)
	}
	if len(rec.deleted) != 0 {
		t.Fatalf("historify deleted messages: %v", rec.deleted)
	}
	if len(rec.added) != 1 || rec.added[0].ClientID != "d" {
		t.Fatalf("new chat not adopted: %v", rec.added)
	}
	if got := h.CurrentChat(); len(got) != 1 || got[0].ClientID != "d" {
		t.Fatalf("current chat after switch: %v", got)
	}
}

func TestOptimisticSendLifecycle(t *testing.T) {
	rec := newRecorder()
	h, _ := newTestHolder(rec)
	h.Receiving(openChat("chat-1"), nil, nil)

	out := models.NewOutbound(models.KindVisitorText, "visitor", "hello")
	h.Sending(out)
	if len(rec.added) != 1 || rec.added[0].Status != models.StatusSending {
		t.Fatalf("optimistic message not surfaced: %v", rec.added)
	}

	// server confirmation replaces the pending copy in place
	rec.reset()
	confirmed := out.Clone()
	confirmed.ServerID = "srv-1"
	confirmed.Status = models.StatusSent
	h.Receive(confirmed)
	if len(rec.added) != 0 {
		t.Fatalf("confirmation duplicated the message: %v", rec.added)
	}
	if len(rec.changed) != 1 || rec.changed[0][1].Status != models.StatusSent {
		t.Fatalf("confirmation did not flip status: %v", rec.changed)
	}
	if len(h.Outbound()) != 0 {
		t.Fatalf("outbound entry not consumed")
	}
}

func TestSendingCancelledRollsBack(t *testing.T) {
	rec := newRecorder()
	h, _ := newTestHolder(rec)

	out := models.NewOutbound(models.KindVisitorText, "visitor", "")
	h.Sending(out)
	rec.reset()
	h.SendingCancelled(out.ClientID)
	if len(rec.deleted) != 1 || rec.deleted[0] != out.ClientID {
		t.Fatalf("rollback not surfaced: %v", rec.deleted)
	}
	if len(h.Outbound()) != 0 {
		t.Fatalf("cancelled message still pending")
	}
}

func TestEditAndDeleteRollback(t *testing.T) {
	rec := newRecorder()
	h, _ := newTestHolder(rec)
	h.Receiving(openChat("chat-1"), nil, []models.Message{liveMsg("a", 100, "original")})

	oldText, ok := h.Changing("a", "edited")
	if !ok || oldText != "original" {
		t.Fatalf("changing returned %q/%v", oldText, ok)
	}
	h.ChangingCancelled("a", oldText)
	if got := h.CurrentChat(); got[0].Text != "original" {
		t.Fatalf("edit rollback failed: %q", got[0].Text)
	}

	removed, ok := h.DeletedMessage("a")
	if !ok {
		t.Fatal("delete did not find the message")
	}
	if len(h.CurrentChat()) != 0 {
		t.Fatal("optimistic delete left the message")
	}
	h.RestoreDeleted(removed)
	if got := h.CurrentChat(); len(got) != 1 || got[0].ClientID != "a" {
		t.Fatalf("delete rollback failed: %v", got)
	}
}

func TestTryMergeWithLastChat(t *testing.T) {
	rec := newRecorder()
	h, _ := newTestHolder(rec)
	h.Receiving(openChat("chat-1"), nil, []models.Message{liveMsg("a", 100, "hi")})

	fetched := liveMsg("a", 100, "hi")
	fetched.Source = models.SourceHistory
	fetched.History = &models.HistoryPosition{StoreID: "store-a", TSMicros: 100}
	if !h.TryMergeWithLastChat(fetched) {
		t.Fatal("position transfer refused")
	}
	got := h.CurrentChat()
	if got[0].History == nil || got[0].History.StoreID != "store-a" {
		t.Fatalf("position not transferred: %+v", got[0].History)
	}
	if got[0].Source != models.SourceCurrentChat {
		t.Fatalf("current-chat message changed source: %s", got[0].Source)
	}
}

func TestMessagesBefore_CurrentChatSlice(t *testing.T) {
	rec := newRecorder()
	h, _ := newTestHolder(rec)
	h.Receiving(openChat("chat-1"), nil, []models.Message{
		liveMsg("a", 100, "1"), liveMsg("b", 200, "2"), liveMsg("c", 300, "3"),
	})

	var page []models.Message
	h.MessagesBefore(5, h.CurrentChat()[2], func(p []models.Message) { page = p })
	if len(page) != 2 || page[0].ClientID != "a" || page[1].ClientID != "b" {
		t.Fatalf("slice page wrong: %v", page)
	}
}

func TestMessagesBefore_RemoteFetchFoldsIntoStore(t *testing.T) {
	rec := newRecorder()
	h, remote := newTestHolder(rec)
	remote.batches = []models.HistoryBatch{{
		Messages: []models.Message{
			{ClientID: "h1", History: &models.HistoryPosition{StoreID: "h1", TSMicros: 10}, TSMicros: 10, Text: "old", Kind: models.KindOperatorText},
			{ClientID: "h2", History: &models.HistoryPosition{StoreID: "h2", TSMicros: 20}, TSMicros: 20, Text: "older", Kind: models.KindOperatorText},
		},
		HasMore: true,
	}}
	h.Receiving(openChat("chat-1"), nil, []models.Message{liveMsg("a", 100, "live")})

	var page []models.Message
	h.MessagesBefore(5, h.CurrentChat()[0], func(p []models.Message) { page = p })
	if len(page) != 2 || page[0].ClientID != "h1" || page[1].ClientID != "h2" {
		t.Fatalf("remote page wrong: %v", page)
	}
	for _, m := range page {
		if m.Source != models.SourceHistory {
			t.Fatalf("fetched message not history-owned: %+v", m)
		}
	}

	// the fetched page is now local; the same request is served from the
	// store without touching the server again
	calls := remote.calls
	var local []models.Message
	h.MessagesBefore(5, models.Message{
		Source:  models.SourceHistory,
		History: &models.HistoryPosition{StoreID: "h2", TSMicros: 20},
	}, func(p []models.Message) { local = p })
	if remote.calls != calls {
		t.Fatalf("second page hit the server")
	}
	if len(local) != 1 || local[0].ClientID != "h1" {
		t.Fatalf("local page wrong: %v", local)
	}
}

func TestReceiveHistoryUpdate_OverlapWithCurrentChat(t *testing.T) {
	rec := newRecorder()
	h, _ := newTestHolder(rec)
	h.Receiving(openChat("chat-1"), nil, []models.Message{liveMsg("a", 100, "live")})
	rec.reset()

	overlap := liveMsg("a", 100, "live")
	overlap.Source = models.SourceHistory
	overlap.History = &models.HistoryPosition{StoreID: "store-a", TSMicros: 100}
	fresh := models.Message{
		ClientID: "b",
		History:  &models.HistoryPosition{StoreID: "b", TSMicros: 50},
		TSMicros: 50, Text: "hist", Kind: models.KindOperatorText,
		Source: models.SourceHistory,
	}
	h.ReceiveHistoryUpdate([]models.Message{fresh, overlap}, nil)

	// the overlapping message only transfers its position; it must not
	// surface as a second add
	for _, m := range rec.added {
		if m.ClientID == "a" {
			t.Fatalf("overlap surfaced twice: %v", rec.added)
		}
	}
	got := h.CurrentChat()
	if got[0].History == nil || got[0].History.StoreID != "store-a" {
		t.Fatalf("position not transferred: %+v", got[0].History)
	}
}
