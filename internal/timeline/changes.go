package timeline

import (
	"fmt"
	"log/slog"

	"chat-timeline/internal/models"
)

// ChangeKind tags a Change.
type ChangeKind string

const (
	ChangeNone          ChangeKind = "none"
	ChangeItemsAdded    ChangeKind = "items_added"
	ChangeItemsUpdated  ChangeKind = "items_updated"
	ChangeItemRemoved   ChangeKind = "item_removed"
	ChangeReloaded      ChangeKind = "reloaded"
	ChangeFooterUpdated ChangeKind = "footer_updated"
	ChangeError         ChangeKind = "error"
)

// NoRow marks an absent row index.
const NoRow = -1

// Change describes how the rendered list must be updated after one merge.
// Row is the added row, the removed row or the scroll target depending on Kind.
type Change struct {
	Kind         ChangeKind       `json:"kind"`
	Row          int              `json:"row"`
	RegroupRow   int              `json:"regroup_row"`
	IsOwnMessage bool             `json:"is_own_message,omitempty"`
	Rows         []int            `json:"rows,omitempty"`
	Messages     []models.Message `json:"messages,omitempty"`
	Snapshot     []Item           `json:"snapshot,omitempty"`
	Err          error            `json:"-"`
	ErrorText    string           `json:"error,omitempty"`
}

// NoChange is the descriptor of a no-op merge.
func NoChange() Change {
	return Change{Kind: ChangeNone, Row: NoRow, RegroupRow: NoRow}
}

// ErrorChange wraps a failure that left the list untouched.
func ErrorChange(err error) Change {
	return Change{Kind: ChangeError, Row: NoRow, RegroupRow: NoRow, Err: err, ErrorText: err.Error()}
}

func (c Change) IsNone() bool {
	return c.Kind == ChangeNone || c.Kind == ""
}

// plan is the raw outcome of a mutation before validation.
type plan struct {
	kind       ChangeKind
	row        int
	regroupRow int
	own        bool
	rows       []int
}

func nonePlan() plan {
	return plan{kind: ChangeNone, row: NoRow, regroupRow: NoRow}
}

func addedPlan(row, regroupRow int, own bool) plan {
	return plan{kind: ChangeItemsAdded, row: row, regroupRow: regroupRow, own: own}
}

func updatedPlan(rows ...int) plan {
	if len(rows) == 0 {
		return nonePlan()
	}
	return plan{kind: ChangeItemsUpdated, row: NoRow, regroupRow: NoRow, rows: rows}
}

func removedPlan(row int) plan {
	return plan{kind: ChangeItemRemoved, row: row, regroupRow: NoRow}
}

func reloadedPlan(row int) plan {
	return plan{kind: ChangeReloaded, row: row, regroupRow: NoRow}
}

func footerPlan() plan {
	return plan{kind: ChangeFooterUpdated, row: NoRow, regroupRow: NoRow}
}

// emitter turns plans into validated descriptors.
type emitter struct {
	strict bool
	logger *slog.Logger
}

func (e emitter) describe(p plan, snapshot []Item) Change {
	if err := validate(p, len(snapshot)); err != nil {
		return e.violation(err)
	}
	switch p.kind {
	case ChangeNone, "":
		return NoChange()
	case ChangeFooterUpdated:
		return Change{Kind: ChangeFooterUpdated, Row: NoRow, RegroupRow: NoRow}
	case ChangeItemsUpdated:
		msgs := make([]models.Message, 0, len(p.rows))
		for _, row := range p.rows {
			if it := snapshot[row]; it.Kind == KindMessage && it.Message != nil {
				msgs = append(msgs, *it.Message)
			}
		}
		return Change{Kind: ChangeItemsUpdated, Row: NoRow, RegroupRow: NoRow, Rows: p.rows, Messages: msgs, Snapshot: snapshot}
	default:
		return Change{Kind: p.kind, Row: p.row, RegroupRow: p.regroupRow, IsOwnMessage: p.own, Snapshot: snapshot}
	}
}

func (e emitter) violation(err error) Change {
	if e.strict {
		panic(err)
	}
	logger := e.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("timeline change rejected", "error", err)
	return ErrorChange(err)
}

func validate(p plan, n int) error {
	inRange := func(i int) bool { return i >= 0 && i < n }
	switch p.kind {
	case ChangeItemsAdded:
		if !inRange(p.row) {
			return fmt.Errorf("%w: added row %d of %d", ErrIndexOutOfRange, p.row, n)
		}
		if p.regroupRow != NoRow && !inRange(p.regroupRow) {
			return fmt.Errorf("%w: regroup row %d of %d", ErrIndexOutOfRange, p.regroupRow, n)
		}
	case ChangeItemsUpdated:
		for _, row := range p.rows {
			if !inRange(row) {
				return fmt.Errorf("%w: updated row %d of %d", ErrIndexOutOfRange, row, n)
			}
		}
	case ChangeItemRemoved:
		if p.row < 0 || p.row > n {
			return fmt.Errorf("%w: removed row %d of %d", ErrIndexOutOfRange, p.row, n)
		}
	case ChangeReloaded:
		if p.row != NoRow && !inRange(p.row) {
			return fmt.Errorf("%w: scroll row %d of %d", ErrIndexOutOfRange, p.row, n)
		}
	}
	return nil
}
