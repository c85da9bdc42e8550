package timeline

import (
	"chat-timeline/internal/models"
)

// ApplyEvent folds one live event into the list. An event equal to the
// previous one returns the previous change with OutcomeDuplicate and does
// not touch the list.
func (p *Presenter) ApplyEvent(ev models.Event) (Change, Outcome) {
	if p.lastEvent != nil && p.lastEvent.Equal(ev) {
		return p.lastChange, OutcomeDuplicate
	}

	pl, outcome, err := p.applyEvent(ev)
	var change Change
	if err != nil {
		change = p.emit.violation(err)
	} else {
		change = p.describe(pl)
	}
	cached := ev.Clone()
	p.lastEvent = &cached
	p.lastChange = change
	return change, outcome
}

func (p *Presenter) applyEvent(ev models.Event) (plan, Outcome, error) {
	if ev.ChannelID != "" && ev.ChannelID != p.scope.ChannelID {
		return nonePlan(), OutcomeDropped, nil
	}

	switch ev.Type {
	case models.EventTypingStart, models.EventTypingStop:
		if ev.User == nil {
			return nonePlan(), OutcomeDropped, nil
		}
		var changed bool
		if ev.Type == models.EventTypingStart {
			changed = p.typing.OnTypingStart(*ev.User)
		} else {
			changed = p.typing.OnTypingStop(*ev.User)
		}
		if changed {
			return footerPlan(), OutcomeApplied, nil
		}
		return nonePlan(), OutcomeApplied, nil

	case models.EventMessageNew:
		if ev.Message == nil || ev.Message.Type == models.MessageTypeEphemeral || !p.inScope(*ev.Message) {
			return nonePlan(), OutcomeDropped, nil
		}
		if p.items.IndexOf(ev.Message.ID) >= 0 {
			pl, err := p.replaceMessage(*ev.Message)
			return pl, OutcomeApplied, err
		}
		pl, err := p.insertMessage(*ev.Message)
		return pl, OutcomeApplied, err

	case models.EventMessageUpdated, models.EventMessageDeleted:
		if ev.Message == nil {
			return nonePlan(), OutcomeDropped, nil
		}
		msg := *ev.Message
		if ev.Type == models.EventMessageDeleted {
			msg.Type = models.MessageTypeDeleted
		}
		if p.isParent(msg) {
			return p.updateParent(msg), OutcomeApplied, nil
		}
		if !p.inScope(msg) {
			return nonePlan(), OutcomeDropped, nil
		}
		pl, err := p.replaceMessage(msg)
		return pl, OutcomeApplied, err

	case models.EventReactionNew, models.EventReactionDeleted:
		if ev.Message == nil || ev.Reaction == nil || !p.inScope(*ev.Message) {
			return nonePlan(), OutcomeDropped, nil
		}
		pl, err := p.applyReaction(ev.Type, *ev.Message, *ev.Reaction)
		return pl, OutcomeApplied, err

	case models.EventMessageRead:
		if ev.User == nil {
			return nonePlan(), OutcomeDropped, nil
		}
		rows, err := p.reads.ApplyRead(p.items, *ev.User, ev.LastReadAt)
		if err != nil {
			return nonePlan(), OutcomeApplied, err
		}
		if ev.User.ID == p.opts.CurrentUser.ID {
			p.recountUnread()
		}
		return updatedPlan(rows...), OutcomeApplied, nil

	case models.EventChannelUpdated:
		if ev.Channel == nil {
			return nonePlan(), OutcomeDropped, nil
		}
		p.updateChannel(*ev.Channel)
		return nonePlan(), OutcomeApplied, nil
	}
	return nonePlan(), OutcomeApplied, nil
}

// insertMessage places m after every message created at or before it. Day
// separators in front of the next message stay with that message unless m
// shares its day.
func (p *Presenter) insertMessage(m models.Message) (plan, error) {
	at := p.items.Len()
	for i := at - 1; i >= p.headOffset(); i-- {
		row, _ := p.items.At(i)
		if row.Kind != KindMessage {
			continue
		}
		if !row.Message.CreatedAt.After(m.CreatedAt) {
			break
		}
		at = i
	}
	if next, ok := p.items.At(at); ok && next.Kind == KindMessage && !p.sameLocalDay(next.Message.CreatedAt, m.CreatedAt) {
		for at > p.headOffset() {
			row, _ := p.items.At(at - 1)
			if row.Kind != KindStatus || row.Title == StartOfThreadTitle {
				break
			}
			at--
		}
	}
	if err := p.items.Insert(at, MessageItem(m)); err != nil {
		return nonePlan(), err
	}

	regroup := NoRow
	if at > 0 {
		if prev, _ := p.items.At(at - 1); prev.Kind == KindMessage && prev.Message.Author.ID == m.Author.ID {
			regroup = at - 1
		}
	}
	own := m.IsOwn(p.opts.CurrentUser.ID)
	if !own {
		p.unread++
	}
	return addedPlan(at, regroup, own), nil
}

// replaceMessage swaps the row holding m.ID, keeping its readers.
func (p *Presenter) replaceMessage(m models.Message) (plan, error) {
	i := p.items.IndexOf(m.ID)
	if i < 0 {
		return nonePlan(), nil
	}
	current, _ := p.items.At(i)
	next := current.withMessage(m)
	if next.Equal(current) {
		return nonePlan(), nil
	}
	if err := p.items.Replace(i, next); err != nil {
		return nonePlan(), err
	}
	return updatedPlan(i), nil
}

func (p *Presenter) applyReaction(kind models.EventType, m models.Message, r models.Reaction) (plan, error) {
	i := p.items.IndexOf(m.ID)
	if i < 0 {
		return nonePlan(), nil
	}
	current, _ := p.items.At(i)
	m.OwnReactions = current.Message.OwnReactions
	if r.UserID == p.opts.CurrentUser.ID {
		if kind == models.EventReactionNew {
			m = m.WithReaction(r)
		} else {
			m = m.WithoutReaction(r.Type)
		}
	}
	return p.replaceMessage(m)
}

func (p *Presenter) isParent(m models.Message) bool {
	return p.parent != nil && m.ID == p.parent.ID
}

// updateParent refreshes the thread header row.
func (p *Presenter) updateParent(m models.Message) plan {
	if p.parent.Equal(m) {
		return nonePlan()
	}
	p.parent = &m
	if p.headOffset() == 0 {
		return nonePlan()
	}
	current, ok := p.items.At(0)
	if !ok || current.MessageID() != m.ID {
		return nonePlan()
	}
	_ = p.items.Replace(0, current.withMessage(m))
	return updatedPlan(0)
}
