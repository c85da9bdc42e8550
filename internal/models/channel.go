package models

import "time"

// ChannelConfig holds the per-channel feature switches.
type ChannelConfig struct {
	TypingEvents bool `json:"typing_events"`
	ReadEvents   bool `json:"read_events"`
	Replies      bool `json:"replies"`
}

// DefaultChannelConfig enables every feature.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{TypingEvents: true, ReadEvents: true, Replies: true}
}

// Channel is the metadata of a conversation.
type Channel struct {
	ID          string        `json:"id"`
	Type        string        `json:"type"`
	Name        string        `json:"name,omitempty"`
	MemberCount int           `json:"member_count,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at,omitempty"`
	Config      ChannelConfig `json:"config"`
}

// Member is a channel member.
type Member struct {
	User     User      `json:"user"`
	Role     string    `json:"role,omitempty"`
	JoinedAt time.Time `json:"created_at,omitempty"`
}

// MessageRead is a read receipt: the user has seen everything up to LastReadAt.
type MessageRead struct {
	User       User      `json:"user"`
	LastReadAt time.Time `json:"last_read"`
}

// FetchResponse is one page of channel history.
type FetchResponse struct {
	Channel  Channel       `json:"channel"`
	Messages []Message     `json:"messages"`
	Reads    []MessageRead `json:"read,omitempty"`
	Members  []Member      `json:"members,omitempty"`
}
