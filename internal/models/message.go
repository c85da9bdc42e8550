package models

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a message.
type MessageType string

const (
	MessageTypeRegular   MessageType = "regular"
	MessageTypeDeleted   MessageType = "deleted"
	MessageTypeError     MessageType = "error"
	MessageTypeEphemeral MessageType = "ephemeral"
)

// LocalState marks messages that exist only on the client so far.
type LocalState string

const (
	LocalStateNone        LocalState = ""
	LocalStatePendingSync LocalState = "pending_sync"
)

const localIDPrefix = "local-"

// User is a chat participant.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// DisplayName returns the name, or the id when no name is set.
func (u User) DisplayName() string {
	if strings.TrimSpace(u.Name) != "" {
		return u.Name
	}
	return u.ID
}

// Attachment is a file, image or link preview attached to a message.
type Attachment struct {
	Type     string `json:"type"`
	Title    string `json:"title,omitempty"`
	URL      string `json:"url,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Reaction is a single user's reaction to a message.
type Reaction struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	MessageID string    `json:"message_id"`
	Score     int       `json:"score,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is replaced as a whole whenever it changes.
type Message struct {
	ID             string         `json:"id"`
	Author         User           `json:"user"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at,omitempty"`
	Text           string         `json:"text"`
	Type           MessageType    `json:"type"`
	ParentID       string         `json:"parent_id,omitempty"`
	ShowInChannel  bool           `json:"show_in_channel,omitempty"`
	ReplyCount     int            `json:"reply_count,omitempty"`
	LocalState     LocalState     `json:"local_state,omitempty"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	ReactionCounts map[string]int `json:"reaction_counts,omitempty"`
	OwnReactions   []Reaction     `json:"own_reactions,omitempty"`
}

// NewLocalMessage builds a client-side message that has not been synced yet.
func NewLocalMessage(author User, text string, now time.Time) Message {
	return Message{
		ID:         localIDPrefix + uuid.NewString(),
		Author:     author,
		CreatedAt:  now,
		Text:       text,
		Type:       MessageTypeRegular,
		LocalState: LocalStatePendingSync,
	}
}

// IsLocal reports whether the id is a client placeholder.
func (m Message) IsLocal() bool {
	return strings.HasPrefix(m.ID, localIDPrefix)
}

// IsOwn reports whether currentUserID authored the message.
func (m Message) IsOwn(currentUserID string) bool {
	return currentUserID != "" && m.Author.ID == currentUserID
}

// IsReply reports whether the message belongs to a thread.
func (m Message) IsReply() bool {
	return m.ParentID != ""
}

// IsEmpty reports whether there is nothing to render.
func (m Message) IsEmpty() bool {
	if m.Type == MessageTypeDeleted || m.Type == MessageTypeError {
		return false
	}
	return strings.TrimSpace(m.Text) == "" && len(m.Attachments) == 0
}

// HasOwnReaction reports whether the current user already reacted with reactionType.
func (m Message) HasOwnReaction(reactionType string) bool {
	return slices.ContainsFunc(m.OwnReactions, func(r Reaction) bool { return r.Type == reactionType })
}

// Equal compares all fields, including reactions and attachments.
func (m Message) Equal(other Message) bool {
	if m.ID != other.ID || m.Author != other.Author || m.Text != other.Text || m.Type != other.Type {
		return false
	}
	if !m.CreatedAt.Equal(other.CreatedAt) || !m.UpdatedAt.Equal(other.UpdatedAt) {
		return false
	}
	if m.ParentID != other.ParentID || m.ShowInChannel != other.ShowInChannel || m.ReplyCount != other.ReplyCount {
		return false
	}
	if m.LocalState != other.LocalState {
		return false
	}
	if !slices.Equal(m.Attachments, other.Attachments) {
		return false
	}
	if len(m.ReactionCounts) != len(other.ReactionCounts) {
		return false
	}
	for k, v := range m.ReactionCounts {
		if ov, ok := other.ReactionCounts[k]; !ok || ov != v {
			return false
		}
	}
	return slices.EqualFunc(m.OwnReactions, other.OwnReactions, func(a, b Reaction) bool {
		return a.Type == b.Type && a.UserID == b.UserID && a.MessageID == b.MessageID && a.Score == b.Score && a.CreatedAt.Equal(b.CreatedAt)
	})
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	m.Attachments = slices.Clone(m.Attachments)
	m.OwnReactions = slices.Clone(m.OwnReactions)
	if m.ReactionCounts != nil {
		counts := make(map[string]int, len(m.ReactionCounts))
		for k, v := range m.ReactionCounts {
			counts[k] = v
		}
		m.ReactionCounts = counts
	}
	return m
}

// WithReaction returns a copy with the reaction added to OwnReactions.
func (m Message) WithReaction(r Reaction) Message {
	if m.HasOwnReaction(r.Type) {
		return m
	}
	m.OwnReactions = append(slices.Clone(m.OwnReactions), r)
	return m
}

// WithoutReaction returns a copy with reactionType removed from OwnReactions.
func (m Message) WithoutReaction(reactionType string) Message {
	m.OwnReactions = slices.DeleteFunc(slices.Clone(m.OwnReactions), func(r Reaction) bool { return r.Type == reactionType })
	return m
}
