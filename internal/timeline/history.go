package timeline

import (
	"slices"
	"time"

	"chat-timeline/internal/models"
)

const (
	yesterdayTitle = "Yesterday"
	todayTitle     = "Today"
)

// MergeHistory folds one fetched page into the list.
func (p *Presenter) MergeHistory(resp models.FetchResponse, isFirstPage bool) Change {
	p.updateChannel(resp.Channel)
	if len(resp.Members) > 0 {
		p.members = resp.Members
	}
	// The list is rebuilt or extended, so a replayed event is no longer a no-op.
	p.lastEvent = nil

	before := p.items.Len()
	if isFirstPage {
		p.paginator.BeginInitialLoad(p.items)
		p.seedHeader()
		if p.reads.Enabled() && p.online {
			p.reads.Reset()
		}
	}

	batch, replaced, err := p.buildBatch(resp.Messages)
	if err != nil {
		return p.emit.violation(err)
	}
	pagePlan, err := p.paginator.ApplyPage(p.items, batch, resp.Messages, isFirstPage, p.headOffset())
	if err != nil {
		return p.emit.violation(err)
	}
	if err := p.reads.Rematerialize(p.items); err != nil {
		return p.emit.violation(err)
	}
	if err := p.reads.ApplyReceipts(p.items, resp.Reads); err != nil {
		return p.emit.violation(err)
	}
	if !isFirstPage {
		if err := p.collapseSeparators(); err != nil {
			return p.emit.violation(err)
		}
	}
	if isFirstPage && !p.reads.OwnReadAt().IsZero() {
		p.recountUnread()
	}

	after := p.items.Len()
	switch {
	case isFirstPage:
		if after == 0 {
			if before == 0 {
				return p.describe(nonePlan())
			}
			return p.describe(reloadedPlan(NoRow))
		}
		return p.describe(reloadedPlan(after - 1))
	case pagePlan.Inserted > 0:
		// Keep the newest row of the older page in view.
		row := pagePlan.InsertedAt + pagePlan.Inserted - 1
		if pagePlan.IndicatorAt >= 0 && pagePlan.IndicatorAt <= pagePlan.InsertedAt {
			row++
		}
		return p.describe(reloadedPlan(min(max(row, 0), after-1)))
	case pagePlan.RemovedIndicator >= 0 && pagePlan.IndicatorAt < 0:
		return p.describe(removedPlan(pagePlan.RemovedIndicator))
	case replaced > 0:
		return p.describe(reloadedPlan(NoRow))
	default:
		return p.describe(nonePlan())
	}
}

// buildBatch turns a page into rows. Messages already in the list are
// replaced in place and counted in replaced instead of being returned.
func (p *Presenter) buildBatch(messages []models.Message) ([]Item, int, error) {
	sorted := slices.Clone(messages)
	slices.SortStableFunc(sorted, func(a, b models.Message) int { return a.CreatedAt.Compare(b.CreatedAt) })

	var (
		batch          []Item
		replaced       int
		yesterdayAdded bool
		todayAdded     bool
	)
	for _, m := range sorted {
		if m.IsEmpty() || m.Type == models.MessageTypeEphemeral || !p.inScope(m) {
			continue
		}
		if i := p.items.IndexOf(m.ID); i >= 0 {
			it, _ := p.items.At(i)
			if !it.Message.Equal(m) {
				if err := p.items.Replace(i, it.withMessage(m)); err != nil {
					return nil, replaced, err
				}
				replaced++
			}
			continue
		}
		if j := slices.IndexFunc(batch, func(it Item) bool { return it.MessageID() == m.ID }); j >= 0 {
			batch[j] = batch[j].withMessage(m)
			continue
		}
		if !p.opts.DisableDaySeparators {
			switch p.dayTitle(m.CreatedAt) {
			case yesterdayTitle:
				if !yesterdayAdded {
					batch = append(batch, StatusItem(yesterdayTitle, p.atTime(m.CreatedAt), false))
					yesterdayAdded = true
				}
			case todayTitle:
				if !todayAdded {
					batch = append(batch, StatusItem(todayTitle, p.atTime(m.CreatedAt), false))
					todayAdded = true
				}
			}
		}
		batch = append(batch, MessageItem(m))
	}
	return batch, replaced, nil
}

// collapseSeparators keeps the first day separator of each title.
func (p *Presenter) collapseSeparators() error {
	seen := map[string]bool{}
	for i := 0; i < p.items.Len(); {
		it, _ := p.items.At(i)
		if it.Kind != KindStatus || it.Title == StartOfThreadTitle {
			i++
			continue
		}
		if seen[it.Title] {
			if err := p.items.Remove(i); err != nil {
				return err
			}
			continue
		}
		seen[it.Title] = true
		i++
	}
	return nil
}

func (p *Presenter) dayTitle(t time.Time) string {
	now := p.opts.Now().In(p.opts.Location)
	t = t.In(p.opts.Location)
	if sameDay(t, now) {
		return todayTitle
	}
	if sameDay(t, now.AddDate(0, 0, -1)) {
		return yesterdayTitle
	}
	return ""
}

func (p *Presenter) atTime(t time.Time) string {
	return "at " + t.In(p.opts.Location).Format("15:04")
}

func (p *Presenter) sameLocalDay(a, b time.Time) bool {
	return sameDay(a.In(p.opts.Location), b.In(p.opts.Location))
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
