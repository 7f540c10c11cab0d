package auth

import "sync"

// State is the (page id, token) pair every authenticated request must
// carry. States are compared by structural equality and replaced
// wholesale when the server reissues credentials; fields are never
// partially mutated.
type State struct {
	PageID string
	Token  string
}

// IsZero reports whether the state carries no credentials.
func (s State) IsZero() bool { return s.PageID == "" && s.Token == "" }

// Holder is the serialized accessor around the current authorization
// state. It is the only chat state touched from outside the session
// executor (the delta pipeline pushes rotated credentials into it), so
// reads and writes go through a dedicated mutex rather than executor
// confinement.
type Holder struct {
	mu   sync.Mutex
	cur  *State
	last *State
}

// NewHolder returns an empty holder.
func NewHolder() *Holder { return &Holder{} }

// Get returns the current state and whether one is present.
func (h *Holder) Get() (State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cur == nil {
		return State{}, false
	}
	return *h.cur, true
}

// Set replaces the current state atomically. A zero state is ignored.
func (h *Holder) Set(s State) {
	if s.IsZero() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cur = &s
	h.last = &s
}

// LastKnown returns the most recently set state even after Clear marked
// it stale. The delta loop keeps polling on it so rotated credentials
// can arrive in-band while the actions loop waits for a fresh state.
func (h *Holder) LastKnown() (State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return State{}, false
	}
	return *h.last, true
}

// Clear marks the current state stale. Request loops call this when the
// server reports stale authorization, then block until Set publishes a
// replacement. The last-known state remains readable via LastKnown.
func (h *Holder) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cur = nil
}

// Forget wipes both the current and the last-known state. Used when a
// session is destroyed with its local data.
func (h *Holder) Forget() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cur = nil
	h.last = nil
}
