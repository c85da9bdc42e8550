package timeline

import (
	"errors"
	"slices"

	"chat-timeline/internal/models"
)

// ErrNotEphemeral is returned when a non-ephemeral message is put in the overlay.
var ErrNotEphemeral = errors.New("message is not ephemeral")

// Ephemeral is the single-slot overlay for a transient message. The message
// is never stored in the list; it is layered onto snapshots.
type Ephemeral struct {
	msg *models.Message
}

// Message returns the overlaid message.
func (e *Ephemeral) Message() (models.Message, bool) {
	if e.msg == nil {
		return models.Message{}, false
	}
	return *e.msg, true
}

// Set puts msg in the slot.
func (e *Ephemeral) Set(list *ItemList, msg models.Message) (plan, error) {
	if msg.Type != models.MessageTypeEphemeral {
		return nonePlan(), ErrNotEphemeral
	}
	if e.msg != nil && e.msg.Equal(msg) {
		return nonePlan(), nil
	}
	if i := list.IndexOf(msg.ID); i >= 0 {
		appended := e.appended(list)
		e.msg = &msg
		if appended {
			// The tail row moved into row i; two rows changed shape.
			return reloadedPlan(i), nil
		}
		return updatedPlan(i), nil
	}
	replacing := e.appended(list)
	e.msg = &msg
	if replacing {
		return updatedPlan(list.Len()), nil
	}
	return addedPlan(list.Len(), NoRow, true), nil
}

// Clear empties the slot.
func (e *Ephemeral) Clear(list *ItemList) plan {
	if e.msg == nil {
		return nonePlan()
	}
	appended := e.appended(list)
	i := list.IndexOf(e.msg.ID)
	e.msg = nil
	if appended {
		return removedPlan(list.Len())
	}
	return updatedPlan(i)
}

// Overlay returns items with the slot applied.
func (e *Ephemeral) Overlay(list *ItemList) []Item {
	items := list.Snapshot()
	if e.msg == nil {
		return items
	}
	if i := list.IndexOf(e.msg.ID); i >= 0 {
		items[i] = items[i].withMessage(*e.msg)
		return items
	}
	return append(slices.Clip(items), MessageItem(*e.msg))
}

func (e *Ephemeral) appended(list *ItemList) bool {
	return e.msg != nil && list.IndexOf(e.msg.ID) < 0
}
