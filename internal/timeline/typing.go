package timeline

import (
	"fmt"
	"slices"
	"time"

	"chat-timeline/internal/models"
)

// TypingTimeout is how long a typing.start stays visible without a stop.
const TypingTimeout = 30 * time.Second

// TypingUser is a user currently typing.
type TypingUser struct {
	User      models.User `json:"user"`
	StartedAt time.Time   `json:"started_at"`
}

// TypingSet is the set of users typing in the current scope.
type TypingSet struct {
	currentUserID string
	enabled       bool
	now           func() time.Time
	users         []TypingUser
}

// NewTypingSet builds a set that ignores currentUserID.
func NewTypingSet(currentUserID string, enabled bool, now func() time.Time) *TypingSet {
	if now == nil {
		now = time.Now
	}
	return &TypingSet{currentUserID: currentUserID, enabled: enabled, now: now}
}

// SetEnabled toggles typing tracking; disabling clears the set.
func (s *TypingSet) SetEnabled(enabled bool) {
	s.enabled = enabled
	if !enabled {
		s.users = nil
	}
}

func (s *TypingSet) Enabled() bool {
	return s.enabled
}

// OnTypingStart adds user unless already present. Repeated starts keep the first StartedAt.
func (s *TypingSet) OnTypingStart(user models.User) bool {
	if !s.enabled {
		return false
	}
	changed := s.purge()
	if user.ID == "" || user.ID == s.currentUserID || s.contains(user.ID) {
		return changed
	}
	s.users = append(s.users, TypingUser{User: user, StartedAt: s.now()})
	return true
}

// OnTypingStop removes user.
func (s *TypingSet) OnTypingStop(user models.User) bool {
	if !s.enabled {
		return false
	}
	changed := s.purge()
	before := len(s.users)
	s.users = slices.DeleteFunc(s.users, func(t TypingUser) bool { return t.User.ID == user.ID })
	return changed || len(s.users) != before
}

// Users lists the non-expired entries without mutating the set.
func (s *TypingSet) Users() []TypingUser {
	now := s.now()
	out := make([]TypingUser, 0, len(s.users))
	for _, t := range s.users {
		if !expired(t, now) {
			out = append(out, t)
		}
	}
	return out
}

// Text renders the typing footer, or "" when nobody is typing.
func (s *TypingSet) Text() string {
	users := s.Users()
	switch len(users) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing...", users[0].User.DisplayName())
	case 2:
		return fmt.Sprintf("%s and %s are typing...", users[0].User.DisplayName(), users[1].User.DisplayName())
	default:
		return fmt.Sprintf("%s and %d others are typing...", users[0].User.DisplayName(), len(users)-1)
	}
}

func (s *TypingSet) Reset() {
	s.users = nil
}

func (s *TypingSet) contains(userID string) bool {
	return slices.ContainsFunc(s.users, func(t TypingUser) bool { return t.User.ID == userID })
}

func (s *TypingSet) purge() bool {
	now := s.now()
	before := len(s.users)
	s.users = slices.DeleteFunc(s.users, func(t TypingUser) bool { return expired(t, now) })
	return len(s.users) != before
}

func expired(t TypingUser, now time.Time) bool {
	return now.Sub(t.StartedAt) > TypingTimeout
}

// TypingNotifier tracks the current user's own typing state so that only
// edges are sent to the server.
type TypingNotifier struct {
	enabled bool
	typing  bool
}

// NewTypingNotifier builds a notifier; a disabled one never emits.
func NewTypingNotifier(enabled bool) *TypingNotifier {
	return &TypingNotifier{enabled: enabled}
}

// SetTyping returns the event to send, or "" when the state did not flip.
func (n *TypingNotifier) SetTyping(typing bool) models.EventType {
	if !n.enabled || n.typing == typing {
		return ""
	}
	n.typing = typing
	if typing {
		return models.EventTypingStart
	}
	return models.EventTypingStop
}
