package timeline

import (
	"slices"
	"time"

	"chat-timeline/internal/models"
)

// ReadTracker maps each reader to the newest own message they have read.
// A reader appears in the ReadBy of at most one row.
type ReadTracker struct {
	currentUserID string
	enabled       bool
	targets       map[string]string
	users         map[string]models.User
	ownReadAt     time.Time
}

// NewReadTracker builds a tracker for currentUserID's messages.
func NewReadTracker(currentUserID string, enabled bool) *ReadTracker {
	return &ReadTracker{
		currentUserID: currentUserID,
		enabled:       enabled,
		targets:       make(map[string]string),
		users:         make(map[string]models.User),
	}
}

func (r *ReadTracker) Enabled() bool {
	return r.enabled
}

func (r *ReadTracker) SetEnabled(enabled bool) {
	r.enabled = enabled
}

// Target returns the message id userID is pinned to.
func (r *ReadTracker) Target(userID string) (string, bool) {
	id, ok := r.targets[userID]
	return id, ok
}

// OwnReadAt is the latest receipt of the current user.
func (r *ReadTracker) OwnReadAt() time.Time {
	return r.ownReadAt
}

// MarkOwnRead moves the current user's read position forward.
func (r *ReadTracker) MarkOwnRead(at time.Time) {
	if at.After(r.ownReadAt) {
		r.ownReadAt = at
	}
}

// ApplyRead moves user to the newest own message created at or before
// lastReadAt and returns the rows that changed, previous row first.
func (r *ReadTracker) ApplyRead(list *ItemList, user models.User, lastReadAt time.Time) ([]int, error) {
	if user.ID == "" {
		return nil, nil
	}
	if user.ID == r.currentUserID {
		r.MarkOwnRead(lastReadAt)
		return nil, nil
	}
	if !r.enabled {
		return nil, nil
	}

	target := -1
	for i := list.Len() - 1; i >= 0; i-- {
		it, _ := list.At(i)
		if it.Kind != KindMessage || !it.Message.IsOwn(r.currentUserID) {
			continue
		}
		if !it.Message.CreatedAt.After(lastReadAt) {
			target = i
			break
		}
	}
	if target < 0 {
		return nil, nil
	}
	targetItem, _ := list.At(target)

	prev := -1
	if prevID, ok := r.targets[user.ID]; ok {
		if prevID == targetItem.MessageID() {
			if targetItem.IsReadBy(user.ID) {
				return nil, nil
			}
		} else {
			prev = list.IndexOf(prevID)
		}
	}
	if prev >= 0 {
		prevItem, _ := list.At(prev)
		if prevItem.Message.CreatedAt.After(targetItem.Message.CreatedAt) {
			return nil, nil
		}
	}

	var rows []int
	if prev >= 0 {
		prevItem, _ := list.At(prev)
		if err := list.Replace(prev, prevItem.withoutReader(user.ID)); err != nil {
			return nil, err
		}
		rows = append(rows, prev)
	}
	if err := list.Replace(target, targetItem.withReader(user)); err != nil {
		return rows, err
	}
	rows = append(rows, target)
	r.targets[user.ID] = targetItem.MessageID()
	r.users[user.ID] = user
	return rows, nil
}

// ApplyReceipts seeds positions from a history page. Each receipt is used once.
func (r *ReadTracker) ApplyReceipts(list *ItemList, reads []models.MessageRead) error {
	for _, read := range reads {
		if _, err := r.ApplyRead(list, read.User, read.LastReadAt); err != nil {
			return err
		}
	}
	return nil
}

// Rematerialize puts every known reader back onto its target row after the
// list was rebuilt without resetting positions.
func (r *ReadTracker) Rematerialize(list *ItemList) error {
	userIDs := make([]string, 0, len(r.targets))
	for userID := range r.targets {
		userIDs = append(userIDs, userID)
	}
	slices.Sort(userIDs)
	for _, userID := range userIDs {
		i := list.IndexOf(r.targets[userID])
		if i < 0 {
			continue
		}
		it, _ := list.At(i)
		if it.IsReadBy(userID) {
			continue
		}
		if err := list.Replace(i, it.withReader(r.users[userID])); err != nil {
			return err
		}
	}
	return nil
}

// Reset forgets every position.
func (r *ReadTracker) Reset() {
	r.targets = make(map[string]string)
	r.users = make(map[string]models.User)
}
