package models

// ChatState mirrors the server's view of the visitor's chat.
type ChatState string

const (
	ChatStateNone     ChatState = "none"
	ChatStateQueue    ChatState = "queue"
	ChatStateChatting ChatState = "chatting"
	ChatStateClosed   ChatState = "closed_by_operator"
)

// Chat is the live conversation envelope delivered with every delta
// snapshot. Identity is the server-assigned ID; a changed ID means the
// previous chat ended and a new one replaced it.
type Chat struct {
	ID       string    `json:"id"`
	State    ChatState `json:"state,omitempty"`
	Operator string    `json:"operator,omitempty"`
	// UnreadByVisitorTS is the timestamp (micros) of the oldest message
	// the visitor has not read yet, zero when everything is read.
	UnreadByVisitorTS int64 `json:"unread_by_visitor_ts,omitempty"`
}

// Open reports whether the chat can still accept visitor actions.
func (c *Chat) Open() bool {
	return c != nil && c.State != ChatStateClosed && c.State != ChatStateNone
}

// SameIdentity reports whether two chat snapshots refer to the same
// server-side chat.
func SameIdentity(a, b *Chat) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}
