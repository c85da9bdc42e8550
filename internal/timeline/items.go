package timeline

import (
	"errors"
	"fmt"
	"slices"

	"chat-timeline/internal/models"
)

// ItemKind tags an Item.
type ItemKind string

const (
	KindMessage ItemKind = "message"
	KindStatus  ItemKind = "status"
	KindLoading ItemKind = "loading"
)

var (
	ErrInvariantViolation = errors.New("timeline invariant violated")
	ErrDuplicateMessage   = fmt.Errorf("%w: duplicate message id", ErrInvariantViolation)
	ErrDuplicateLoading   = fmt.Errorf("%w: second loading indicator", ErrInvariantViolation)
	ErrEphemeralInList    = fmt.Errorf("%w: ephemeral message in list", ErrInvariantViolation)
	ErrIndexOutOfRange    = fmt.Errorf("%w: index out of range", ErrInvariantViolation)
)

// InvariantError reports which list operation broke an invariant.
type InvariantError struct {
	Op    string
	Index int
	Err   error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s at %d: %v", e.Op, e.Index, e.Err)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}

// Item is one row of the timeline.
type Item struct {
	Kind ItemKind `json:"kind"`

	Message *models.Message `json:"message,omitempty"`
	ReadBy  []models.User   `json:"read_by,omitempty"`

	Title       string `json:"title,omitempty"`
	Subtitle    string `json:"subtitle,omitempty"`
	Highlighted bool   `json:"highlighted,omitempty"`

	AtTop bool `json:"at_top,omitempty"`
}

// MessageItem wraps a message row.
func MessageItem(msg models.Message, readBy ...models.User) Item {
	return Item{Kind: KindMessage, Message: &msg, ReadBy: slices.Clone(readBy)}
}

// StatusItem builds a separator row.
func StatusItem(title, subtitle string, highlighted bool) Item {
	return Item{Kind: KindStatus, Title: title, Subtitle: subtitle, Highlighted: highlighted}
}

// LoadingItem builds the loading indicator row.
func LoadingItem(atTop bool) Item {
	return Item{Kind: KindLoading, AtTop: atTop}
}

// MessageID returns the id of a message row, or "".
func (it Item) MessageID() string {
	if it.Kind != KindMessage || it.Message == nil {
		return ""
	}
	return it.Message.ID
}

// IsReadBy reports whether userID is in the row's readers.
func (it Item) IsReadBy(userID string) bool {
	return slices.ContainsFunc(it.ReadBy, func(u models.User) bool { return u.ID == userID })
}

func (it Item) withReader(user models.User) Item {
	if it.IsReadBy(user.ID) {
		return it
	}
	it.ReadBy = append(slices.Clone(it.ReadBy), user)
	return it
}

func (it Item) withoutReader(userID string) Item {
	it.ReadBy = slices.DeleteFunc(slices.Clone(it.ReadBy), func(u models.User) bool { return u.ID == userID })
	if len(it.ReadBy) == 0 {
		it.ReadBy = nil
	}
	return it
}

func (it Item) withMessage(msg models.Message) Item {
	it.Message = &msg
	return it
}

// Equal compares every field of both rows.
func (it Item) Equal(other Item) bool {
	if it.Kind != other.Kind {
		return false
	}
	switch it.Kind {
	case KindMessage:
		if (it.Message == nil) != (other.Message == nil) {
			return false
		}
		if it.Message != nil && !it.Message.Equal(*other.Message) {
			return false
		}
		return slices.Equal(it.ReadBy, other.ReadBy)
	case KindStatus:
		return it.Title == other.Title && it.Subtitle == other.Subtitle && it.Highlighted == other.Highlighted
	default:
		return it.AtTop == other.AtTop
	}
}

// ItemList is the ordered timeline. It is not safe for concurrent use.
type ItemList struct {
	items []Item
}

// NewItemList creates an empty list.
func NewItemList() *ItemList {
	return &ItemList{}
}

func (l *ItemList) Len() int {
	return len(l.items)
}

// At returns the row at i.
func (l *ItemList) At(i int) (Item, bool) {
	if i < 0 || i >= len(l.items) {
		return Item{}, false
	}
	return l.items[i], true
}

// Snapshot returns a copy of all rows.
func (l *ItemList) Snapshot() []Item {
	return slices.Clone(l.items)
}

// IndexOf returns the row holding messageID, or -1.
func (l *ItemList) IndexOf(messageID string) int {
	if messageID == "" {
		return -1
	}
	for i := len(l.items) - 1; i >= 0; i-- {
		if l.items[i].MessageID() == messageID {
			return i
		}
	}
	return -1
}

// LoadingIndex returns the row of the loading indicator, or -1.
func (l *ItemList) LoadingIndex() int {
	return slices.IndexFunc(l.items, func(it Item) bool { return it.Kind == KindLoading })
}

// LastMessage returns the newest message row.
func (l *ItemList) LastMessage() (models.Message, bool) {
	for i := len(l.items) - 1; i >= 0; i-- {
		if l.items[i].Kind == KindMessage && l.items[i].Message != nil {
			return *l.items[i].Message, true
		}
	}
	return models.Message{}, false
}

// Insert places item at index at, shifting later rows.
func (l *ItemList) Insert(at int, item Item) error {
	if at < 0 || at > len(l.items) {
		return &InvariantError{Op: "insert", Index: at, Err: ErrIndexOutOfRange}
	}
	if err := l.check(item, -1); err != nil {
		return &InvariantError{Op: "insert", Index: at, Err: err}
	}
	l.items = slices.Insert(l.items, at, item)
	return nil
}

// Append inserts item after the last row.
func (l *ItemList) Append(item Item) error {
	return l.Insert(len(l.items), item)
}

// Replace swaps the row at index at.
func (l *ItemList) Replace(at int, item Item) error {
	if at < 0 || at >= len(l.items) {
		return &InvariantError{Op: "replace", Index: at, Err: ErrIndexOutOfRange}
	}
	if err := l.check(item, at); err != nil {
		return &InvariantError{Op: "replace", Index: at, Err: err}
	}
	l.items[at] = item
	return nil
}

// Remove deletes the row at index at.
func (l *ItemList) Remove(at int) error {
	if at < 0 || at >= len(l.items) {
		return &InvariantError{Op: "remove", Index: at, Err: ErrIndexOutOfRange}
	}
	l.items = slices.Delete(l.items, at, at+1)
	return nil
}

// Reset drops every row.
func (l *ItemList) Reset() {
	l.items = nil
}

// check validates item against every row except skip.
func (l *ItemList) check(item Item, skip int) error {
	switch item.Kind {
	case KindMessage:
		if item.Message == nil {
			return fmt.Errorf("%w: message row without message", ErrInvariantViolation)
		}
		if item.Message.Type == models.MessageTypeEphemeral {
			return ErrEphemeralInList
		}
		if i := l.IndexOf(item.Message.ID); i >= 0 && i != skip {
			return ErrDuplicateMessage
		}
	case KindLoading:
		if i := l.LoadingIndex(); i >= 0 && i != skip {
			return ErrDuplicateLoading
		}
	}
	return nil
}
