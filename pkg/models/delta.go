package models

// DeltaBatch is one decoded response from the delta/since protocol: the
// chat envelope, message add/change events, ids deleted server-side, and
// the revision token to resume from. When HasMore is set the poller
// re-requests immediately instead of sleeping out the polling interval.
type DeltaBatch struct {
	Chat       *Chat     `json:"chat,omitempty"`
	Messages   []Message `json:"messages,omitempty"`
	DeletedIDs []string  `json:"deleted_ids,omitempty"`
	HasMore    bool      `json:"has_more,omitempty"`
	Revision   string    `json:"revision"`
	// Auth carries rotated credentials when the server reissues them.
	Auth *AuthUpdate `json:"auth,omitempty"`
}

// AuthUpdate is the session-parameter callback payload: a replacement
// (page id, token) pair issued by the server.
type AuthUpdate struct {
	PageID string `json:"page_id"`
	Token  string `json:"auth_token"`
}

// HistoryBatch is one decoded response from a history fetch: messages in
// ascending time order plus whether older history remains server-side.
type HistoryBatch struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}
