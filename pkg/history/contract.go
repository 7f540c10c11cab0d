package history

import "chatkit/pkg/models"

// Change pairs the previous and replacement content of an edited
// history message.
type Change struct {
	Old models.Message
	New models.Message
}

// Events reports what a merge did, so the holder can forward precise
// add/change/delete notifications instead of re-diffing the store.
type Events struct {
	Added   []models.Message
	Changed []Change
	Deleted []models.Message
}

// Empty reports whether the merge produced no observable change.
func (e Events) Empty() bool {
	return len(e.Added) == 0 && len(e.Changed) == 0 && len(e.Deleted) == 0
}

// Store is the history persistence contract. Any key-ordered backend
// qualifies; the engine ships an in-memory reference implementation and
// a pebble-backed one. Invariants: the store is always sorted by
// message timestamp ascending (ties keep arrival order), and message
// identity is the history store id, never object identity.
type Store interface {
	// Latest returns the most recent limit messages in ascending time
	// order, or fewer if the store is smaller.
	Latest(limit int) ([]models.Message, error)

	// Before returns up to limit messages strictly before pos by
	// timestamp, ascending. Empty if pos is unknown to the store or the
	// store is exhausted.
	Before(pos models.HistoryPosition, limit int) ([]models.Message, error)

	// ReceiveBefore prepends a batch fetched from the server. hasMore ==
	// false marks end-of-history reached; the mark is sticky.
	ReceiveBefore(msgs []models.Message, hasMore bool) error

	// ReceiveUpdate folds a batch of since-revision changes into the
	// store and reports the resulting events. Replaying an already
	// merged batch produces no observable change.
	ReceiveUpdate(msgs []models.Message, deleteIDs []string) (Events, error)

	// Clear drops all stored messages. The end-of-history mark and the
	// version tag survive.
	Clear() error

	// Version is a monotonic tag bumped on every observable mutation.
	Version() uint64

	// ReachedEnd reports whether the server has confirmed there is no
	// older history to fetch.
	ReachedEnd() bool
}
