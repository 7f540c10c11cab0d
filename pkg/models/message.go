package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageSource identifies which sub-list currently owns a message: the
// live in-memory current chat or the persisted history store. A single
// logical message can transfer between the two as it ages out of the
// live chat window.
type MessageSource string

const (
	SourceCurrentChat MessageSource = "current_chat"
	SourceHistory     MessageSource = "history"
)

// SendStatus tracks delivery of an outbound message. Messages created
// locally start as StatusSending and flip to StatusSent once the server
// confirms them (or arrive as StatusSent when produced by the server).
type SendStatus string

const (
	StatusSending SendStatus = "sending"
	StatusSent    SendStatus = "sent"
)

// MessageKind classifies chat events.
type MessageKind string

const (
	KindVisitorText  MessageKind = "visitor_text"
	KindVisitorFile  MessageKind = "visitor_file"
	KindOperatorText MessageKind = "operator_text"
	KindOperatorFile MessageKind = "operator_file"
	KindSystem       MessageKind = "system"
	KindKeyboard     MessageKind = "keyboard"
	KindSticker      MessageKind = "sticker"
)

// HistoryPosition identifies a message's place in persisted history as a
// (store-local id, microsecond timestamp) pair. Equality is by StoreID,
// ordering by TSMicros.
type HistoryPosition struct {
	StoreID  string `json:"store_id"`
	TSMicros int64  `json:"ts"`
}

// IsZero reports whether the position is unset.
func (p HistoryPosition) IsZero() bool { return p.StoreID == "" }

// Equal compares two positions by store id.
func (p HistoryPosition) Equal(o HistoryPosition) bool { return p.StoreID == o.StoreID }

// Before orders positions by microsecond timestamp.
func (p HistoryPosition) Before(o HistoryPosition) bool { return p.TSMicros < o.TSMicros }

// Attachment describes a file payload attached to a message.
type Attachment struct {
	URL         string `json:"url,omitempty"`
	FileName    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Message is one chat event. ClientID is generated locally and stable
// for the message's lifetime; ServerID is assigned once the server
// accepts the message. History is set if and only if the message has
// ever been persisted to the history store.
type Message struct {
	ClientID string           `json:"client_id"`
	ServerID string           `json:"server_id,omitempty"`
	History  *HistoryPosition `json:"history,omitempty"`
	// TSMicros is the message timestamp in microseconds. It is the
	// primary order key everywhere; ties are broken by arrival order.
	TSMicros int64         `json:"ts"`
	Kind     MessageKind   `json:"kind"`
	Source   MessageSource `json:"source"`
	Status   SendStatus    `json:"status"`
	// Author is an opaque sender id (clients manage meaning).
	Author string `json:"author,omitempty"`
	Text   string `json:"text,omitempty"`
	// Optional reply-to message ID
	ReplyTo    string      `json:"reply_to,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`

	// Mutable display flags.
	Read     bool `json:"read,omitempty"`
	Edited   bool `json:"edited,omitempty"`
	CanEdit  bool `json:"can_edit,omitempty"`
	CanReply bool `json:"can_reply,omitempty"`
	// Reactions is a map of reaction key -> count.
	Reactions map[string]int `json:"reactions,omitempty"`
}

// HasHistoryPosition reports whether the message has been persisted to
// history at least once.
func (m *Message) HasHistoryPosition() bool {
	return m.History != nil && !m.History.IsZero()
}

// ContentEqual reports whether two messages carry the same content for
// notification purposes: id, text, sender, kind, timestamp, and the
// mutable display flags. Merge steps emit a "changed" event only when
// content differs; object identity never matters.
func (m *Message) ContentEqual(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.ClientID != o.ClientID || m.Text != o.Text || m.Author != o.Author ||
		m.Kind != o.Kind || m.TSMicros != o.TSMicros {
		return false
	}
	if m.Read != o.Read || m.Edited != o.Edited || m.CanEdit != o.CanEdit || m.CanReply != o.CanReply {
		return false
	}
	if len(m.Reactions) != len(o.Reactions) {
		return false
	}
	for k, v := range m.Reactions {
		if o.Reactions[k] != v {
			return false
		}
	}
	return true
}

// Clone returns a deep copy. Holder code hands out copies, not shared
// objects, so listener callbacks can safely retain what they receive.
func (m *Message) Clone() Message {
	out := *m
	if m.History != nil {
		h := *m.History
		out.History = &h
	}
	if m.Attachment != nil {
		a := *m.Attachment
		out.Attachment = &a
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string]int, len(m.Reactions))
		for k, v := range m.Reactions {
			out.Reactions[k] = v
		}
	}
	return out
}

// NowMicros returns the current wall clock in microseconds.
func NowMicros() int64 {
	return time.Now().UTC().UnixMicro()
}

// GenClientID generates a new client-side message id.
func GenClientID() string {
	return uuid.NewString()
}

// NewOutbound constructs a visitor-initiated message: status sending,
// owned by current chat, no server id and no history position yet.
func NewOutbound(kind MessageKind, author, text string) Message {
	return Message{
		ClientID: GenClientID(),
		TSMicros: NowMicros(),
		Kind:     kind,
		Source:   SourceCurrentChat,
		Status:   StatusSending,
		Author:   author,
		Text:     text,
		CanEdit:  true,
		CanReply: true,
	}
}
