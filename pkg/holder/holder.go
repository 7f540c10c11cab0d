package holder

import (
	"chatkit/pkg/history"
	"chatkit/pkg/logger"
	"chatkit/pkg/models"
)

// Holder owns the in-memory current-chat list and the outbound list,
// and is the only component allowed to mutate a message's source or
// history position. All methods must run on the session executor; the
// holder itself takes no locks.
type Holder struct {
	store  history.Store
	remote RemoteHistory
	run    Runner

	chat     *models.Chat
	current  []models.Message
	outbound []models.Message
	listener Listener
}

// New creates a holder over the given history store and remote fetcher.
func New(store history.Store, remote RemoteHistory, run Runner) *Holder {
	return &Holder{store: store, remote: remote, run: run}
}

// SetListener attaches the active tracker. Replacing a live listener is
// a caller bug; the previous one simply stops receiving events.
func (h *Holder) SetListener(l Listener) { h.listener = l }

// ClearListener detaches the active tracker.
func (h *Holder) ClearListener() { h.listener = nil }

// Chat returns the current chat envelope, nil before the first delta.
func (h *Holder) Chat() *models.Chat { return h.chat }

// CurrentChat returns a copy of the live message list.
func (h *Holder) CurrentChat() []models.Message {
	out := make([]models.Message, 0, len(h.current))
	for i := range h.current {
		out = append(out, h.current[i].Clone())
	}
	return out
}

// Outbound returns a copy of the pending outbound list.
func (h *Holder) Outbound() []models.Message {
	out := make([]models.Message, 0, len(h.outbound))
	for i := range h.outbound {
		out = append(out, h.outbound[i].Clone())
	}
	return out
}

// ClearOutbound drops all pending outbound messages without events.
// The tracker calls it on destroy.
func (h *Holder) ClearOutbound() { h.outbound = nil }

// Store exposes the history store for the tracker's local paging.
func (h *Holder) Store() history.Store { return h.store }

// Receiving applies a live-chat snapshot change. An empty current list
// adopts the snapshot wholesale; a changed chat identity historifies the
// old list first; otherwise the snapshot is merged positionally against
// the existing list.
func (h *Holder) Receiving(chat, previousChat *models.Chat, newMessages []models.Message) {
	h.chat = chat
	incoming := make([]models.Message, 0, len(newMessages))
	for _, m := range newMessages {
		m.Source = models.SourceCurrentChat
		if m.Status == "" {
			m.Status = models.StatusSent
		}
		incoming = append(incoming, m)
	}

	switch {
	case len(h.current) == 0:
		h.current = incoming
		for _, m := range incoming {
			h.notifyAdded(m)
		}
	case !models.SameIdentity(chat, previousChat) || !chat.Open():
		h.Historify()
		h.current = incoming
		for _, m := range incoming {
			h.notifyAdded(m)
		}
	default:
		h.mergeSnapshot(incoming)
	}
}

// mergeSnapshot walks the stored list against the snapshot: matching
// ids at overlapping positions are kept (replaced if content differs),
// stored messages missing from the snapshot fell out of the live window
// and are removed, and the snapshot's tail is appended.
func (h *Holder) mergeSnapshot(incoming []models.Message) {
	out := make([]models.Message, 0, len(incoming))
	j := 0
	for i := 0; i < len(h.current); i++ {
		if j >= len(incoming) {
			h.notifyDeleted(h.current[i])
			continue
		}
		if h.current[i].ClientID == incoming[j].ClientID {
			if !h.current[i].ContentEqual(&incoming[j]) {
				h.notifyChanged(h.current[i], incoming[j])
			}
			out = append(out, incoming[j])
			j++
			continue
		}
		h.notifyDeleted(h.current[i])
	}
	for ; j < len(incoming); j++ {
		out = append(out, incoming[j])
		h.notifyAdded(incoming[j])
	}
	h.current = out
}

// Historify transfers ownership of the current-chat list to history:
// messages that already have a history position flip their source (one
// "changed" event when the cursor tracks them), and editable messages
// with no position lose their edit capability because the chat that
// could edit them has ended.
func (h *Holder) Historify() {
	for i := range h.current {
		m := &h.current[i]
		if m.HasHistoryPosition() {
			old := m.Clone()
			m.Source = models.SourceHistory
			if h.listener != nil && h.listener.TracksHistory(m.History.StoreID) {
				h.listener.ChangedHistory(old, m.Clone())
			}
			continue
		}
		if m.CanEdit {
			old := m.Clone()
			m.CanEdit = false
			h.notifyChanged(old, m.Clone())
		}
	}
	h.current = nil
}

// Sending registers an optimistic outbound message.
func (h *Holder) Sending(m models.Message) {
	h.outbound = append(h.outbound, m)
	h.notifyAdded(m)
}

// SendingCancelled rolls back an optimistic send after a definitive
// failure: the message leaves the outbound list and the cursor sees it
// removed.
func (h *Holder) SendingCancelled(clientID string) {
	for i := range h.outbound {
		if h.outbound[i].ClientID == clientID {
			m := h.outbound[i]
			h.outbound = append(h.outbound[:i], h.outbound[i+1:]...)
			h.notifyDeleted(m)
			return
		}
	}
	logger.Debug("sending_cancelled_unknown_id", "client_id", clientID)
}

// Changing applies an optimistic edit and returns the previous text for
// rollback. ok is false when the id is not in current chat.
func (h *Holder) Changing(clientID, newText string) (string, bool) {
	for i := range h.current {
		if h.current[i].ClientID != clientID {
			continue
		}
		old := h.current[i].Clone()
		h.current[i].Text = newText
		h.current[i].Edited = true
		h.notifyChanged(old, h.current[i].Clone())
		return old.Text, true
	}
	logger.Debug("changing_unknown_id", "client_id", clientID)
	return "", false
}

// ChangingCancelled restores the pre-edit text after a server rejection.
func (h *Holder) ChangingCancelled(clientID, oldText string) {
	for i := range h.current {
		if h.current[i].ClientID != clientID {
			continue
		}
		old := h.current[i].Clone()
		h.current[i].Text = oldText
		h.current[i].Edited = old.Edited && oldText != old.Text
		h.notifyChanged(old, h.current[i].Clone())
		return
	}
}

// DeletedMessage applies an optimistic delete and returns the removed
// message for rollback.
func (h *Holder) DeletedMessage(clientID string) (models.Message, bool) {
	for i := range h.current {
		if h.current[i].ClientID != clientID {
			continue
		}
		m := h.current[i]
		h.current = append(h.current[:i], h.current[i+1:]...)
		h.notifyDeleted(m)
		return m, true
	}
	return models.Message{}, false
}

// RestoreDeleted reinserts a message after the server rejected its
// deletion, keeping timestamp order.
func (h *Holder) RestoreDeleted(m models.Message) {
	i := len(h.current)
	for i > 0 && h.current[i-1].TSMicros > m.TSMicros {
		i--
	}
	h.current = append(h.current, models.Message{})
	copy(h.current[i+1:], h.current[i:])
	h.current[i] = m
	h.notifyAdded(m)
}

// Receive appends one live message. A message confirming a pending
// outbound send replaces it (a single "changed" event) instead of
// appearing as a second copy.
func (h *Holder) Receive(m models.Message) {
	m.Source = models.SourceCurrentChat
	if m.Status == "" {
		m.Status = models.StatusSent
	}
	for i := range h.outbound {
		if h.outbound[i].ClientID == m.ClientID {
			old := h.outbound[i]
			h.outbound = append(h.outbound[:i], h.outbound[i+1:]...)
			h.current = append(h.current, m)
			h.notifyChanged(old, m)
			return
		}
	}
	for i := range h.current {
		if h.current[i].ClientID == m.ClientID {
			if !h.current[i].ContentEqual(&m) {
				old := h.current[i].Clone()
				// keep an already-merged history position
				if h.current[i].History != nil && m.History == nil {
					m.History = h.current[i].History
				}
				h.current[i] = m
				h.notifyChanged(old, m)
			}
			return
		}
	}
	h.current = append(h.current, m)
	h.notifyAdded(m)
}

// ReceiveMany appends a batch in arrival order.
func (h *Holder) ReceiveMany(msgs []models.Message) {
	for _, m := range msgs {
		h.Receive(m)
	}
}

// RemoveCurrent drops a message deleted server-side from current chat.
func (h *Holder) RemoveCurrent(clientID string) {
	for i := range h.current {
		if h.current[i].ClientID == clientID {
			m := h.current[i]
			h.current = append(h.current[:i], h.current[i+1:]...)
			h.notifyDeleted(m)
			return
		}
	}
}

// ReceiveHistoryUpdate folds the history slice of a delta batch into
// the store and relays the merge's add/change/delete events. A history
// message still present in the open chat only transfers its position
// onto the live object; it never surfaces as a second copy.
func (h *Holder) ReceiveHistoryUpdate(msgs []models.Message, deletedIDs []string) {
	ev, err := h.store.ReceiveUpdate(msgs, deletedIDs)
	if err != nil {
		logger.Error("history_update_failed", "count", len(msgs), "error", err)
		return
	}
	inCurrent := map[string]bool{}
	for _, m := range msgs {
		if h.TryMergeWithLastChat(m) {
			inCurrent[m.ClientID] = true
		}
	}
	if h.listener == nil {
		return
	}
	for _, m := range ev.Added {
		if inCurrent[m.ClientID] {
			continue
		}
		h.listener.AddedHistory(m)
	}
	for _, c := range ev.Changed {
		if inCurrent[c.New.ClientID] {
			continue
		}
		if h.listener.TracksHistory(storeIDOf(&c.New)) {
			h.listener.ChangedHistory(c.Old, c.New)
		}
	}
	for _, m := range ev.Deleted {
		h.listener.DeletedHistory(storeIDOf(&m))
	}
}

// TryMergeWithLastChat reconciles a message present both in a fetched
// history batch and the still-open current chat: the history position
// transfers onto the existing current-chat object so the two never
// surface as duplicates. Reports whether a transfer happened.
func (h *Holder) TryMergeWithLastChat(m models.Message) bool {
	if !m.HasHistoryPosition() {
		return false
	}
	for i := range h.current {
		if h.current[i].ClientID != m.ClientID {
			continue
		}
		if h.current[i].History == nil {
			pos := *m.History
			h.current[i].History = &pos
		}
		return true
	}
	return false
}

// MessagesBefore is the pagination dispatcher: it serves the page of up
// to limit messages strictly before the given message, from the
// in-memory list, the local store, or a remote fetch, and invokes
// completion on the session executor. Contract violations degrade to an
// empty page.
func (h *Holder) MessagesBefore(limit int, before models.Message, completion func([]models.Message)) {
	if limit <= 0 {
		completion(nil)
		return
	}

	if before.Source == models.SourceCurrentChat {
		idx := -1
		for i := range h.current {
			if h.current[i].ClientID == before.ClientID {
				idx = i
				break
			}
		}
		switch {
		case idx < 0:
			logger.Warn("pagination_boundary_not_in_current_chat", "client_id", before.ClientID)
			completion(nil)
		case idx == 0:
			// the boundary is the head of live chat; continue into history
			h.headOfChatPage(limit, before, completion)
		default:
			start := idx - limit
			if start < 0 {
				start = 0
			}
			completion(h.CurrentChat()[start:idx])
		}
		return
	}

	if !before.HasHistoryPosition() {
		logger.Warn("pagination_history_message_without_position", "client_id", before.ClientID)
		completion(nil)
		return
	}
	h.historyBefore(*before.History, limit, completion)
}

// LatestMessages fetches the newest history page from the server; the
// cursor uses it for the initial load when nothing is cached locally.
func (h *Holder) LatestMessages(limit int, completion func([]models.Message)) {
	h.remoteBefore(models.NowMicros(), limit, completion)
}

// headOfChatPage pages past the first current-chat message: local store
// first, then a remote fetch anchored at the boundary timestamp.
func (h *Holder) headOfChatPage(limit int, first models.Message, completion func([]models.Message)) {
	if first.HasHistoryPosition() {
		h.historyBefore(*first.History, limit, completion)
		return
	}
	local, err := h.store.Latest(limit)
	if err != nil {
		logger.Error("history_latest_failed", "error", err)
		completion(nil)
		return
	}
	if len(local) > 0 || h.store.ReachedEnd() {
		completion(local)
		return
	}
	h.remoteBefore(first.TSMicros, limit, completion)
}

// historyBefore serves a page anchored at a history position: local
// store if it can satisfy the page, otherwise the server, unless the
// server already confirmed exhaustion.
func (h *Holder) historyBefore(pos models.HistoryPosition, limit int, completion func([]models.Message)) {
	local, err := h.store.Before(pos, limit)
	if err != nil {
		logger.Error("history_before_failed", "store_id", pos.StoreID, "error", err)
		completion(nil)
		return
	}
	if len(local) > 0 || h.store.ReachedEnd() {
		completion(local)
		return
	}
	h.remoteBefore(pos.TSMicros, limit, completion)
}

// remoteBefore fetches a history page from the server on the history
// worker, folds it into the local store, reconciles overlap with the
// open chat, and completes back on the session executor.
func (h *Holder) remoteBefore(tsMicros int64, limit int, completion func([]models.Message)) {
	h.run.RunHistory(func() {
		batch, err := h.remote.Before(tsMicros, limit)
		h.run.Post(func() {
			if err != nil {
				logger.Warn("remote_history_fetch_failed", "before_ts", tsMicros, "error", err)
				completion(nil)
				return
			}
			if err := h.store.ReceiveBefore(batch.Messages, batch.HasMore); err != nil {
				logger.Error("history_store_receive_before_failed", "error", err)
			}
			page := make([]models.Message, 0, len(batch.Messages))
			for _, m := range batch.Messages {
				h.TryMergeWithLastChat(m)
				m.Source = models.SourceHistory
				page = append(page, m)
			}
			completion(page)
		})
	})
}

func (h *Holder) notifyAdded(m models.Message) {
	if h.listener == nil {
		return
	}
	if m.Source == models.SourceHistory {
		h.listener.AddedHistory(m)
		return
	}
	h.listener.AddedNewMessage(m)
}

func (h *Holder) notifyChanged(old, new models.Message) {
	if h.listener == nil {
		return
	}
	if new.Source == models.SourceHistory {
		h.listener.ChangedHistory(old, new)
		return
	}
	h.listener.ChangedCurrentChat(old, new)
}

func (h *Holder) notifyDeleted(m models.Message) {
	if h.listener == nil {
		return
	}
	if m.Source == models.SourceHistory {
		h.listener.DeletedHistory(storeIDOf(&m))
		return
	}
	h.listener.DeletedCurrentChat(m)
}

func storeIDOf(m *models.Message) string {
	if m.History != nil && m.History.StoreID != "" {
		return m.History.StoreID
	}
	return m.ClientID
}
