package holder

import "chatkit/pkg/models"

// Listener receives every change the holder makes to the unified
// message view. The active tracker is the one implementation; at most
// one listener is attached at a time.
type Listener interface {
	AddedNewMessage(m models.Message)
	ChangedCurrentChat(old, new models.Message)
	DeletedCurrentChat(m models.Message)
	AddedHistory(m models.Message)
	ChangedHistory(old, new models.Message)
	DeletedHistory(storeID string)

	// TracksHistory reports whether the listener already exposes the
	// given history store id, so historify can reconcile a source
	// transfer into a single "changed" event instead of add+remove.
	TracksHistory(storeID string) bool
}

// Runner abstracts the session's scheduling surface: blocking remote
// work runs on the history worker, completions come back on the session
// executor.
type Runner interface {
	RunHistory(fn func())
	Post(fn func())
}

// RemoteHistory fetches history pages from the server. Calls block the
// history worker, never the session executor.
type RemoteHistory interface {
	Before(tsMicros int64, limit int) (models.HistoryBatch, error)
}
