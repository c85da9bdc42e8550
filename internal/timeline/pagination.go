package timeline

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"chat-timeline/internal/models"
)

const (
	// DefaultFirstPageSize is the limit of the first history request.
	DefaultFirstPageSize = 25
	// DefaultNextPageSize is the limit of every following request.
	DefaultNextPageSize = 50
)

// Direction is the side of the timeline that pagination grows.
type Direction int

const (
	// Older loads history above the first row.
	Older Direction = iota
	// Newer loads messages below the last row.
	Newer
)

func (d Direction) String() string {
	if d == Newer {
		return "newer"
	}
	return "older"
}

// CursorPayload is the decoded form of a page token.
type CursorPayload struct {
	IDLessThan    string `json:"id_lt,omitempty"`
	IDGreaterThan string `json:"id_gt,omitempty"`
}

// EncodeCursor builds an opaque page token.
func EncodeCursor(payload CursorPayload) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeCursor parses a token produced by EncodeCursor. An empty token is the first page.
func DecodeCursor(token string) (CursorPayload, error) {
	var cp CursorPayload
	if token == "" {
		return cp, nil
	}
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return cp, fmt.Errorf("decode base64: %w", err)
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("decode cursor JSON: %w", err)
	}
	return cp, nil
}

// Cursor is the pagination state after the last page.
type Cursor struct {
	NextPageToken string `json:"next_page_token,omitempty"`
	PageSize      int    `json:"page_size"`
	HasMore       bool   `json:"has_more"`
}

// PageRequest is what the transport needs to fetch the next page.
type PageRequest struct {
	Limit int
	Token string
	First bool
}

// PagePlan records what ApplyPage did to the list.
type PagePlan struct {
	InsertedAt       int
	Inserted         int
	RemovedIndicator int
	IndicatorAt      int
}

// Paginator owns the cursor and the loading indicator.
type Paginator struct {
	direction     Direction
	firstPageSize int
	nextPageSize  int
	cursor        Cursor
	loaded        bool
}

// NewPaginator builds a paginator; non-positive sizes fall back to the defaults.
func NewPaginator(direction Direction, firstPageSize, nextPageSize int) *Paginator {
	if firstPageSize <= 0 {
		firstPageSize = DefaultFirstPageSize
	}
	if nextPageSize <= 0 {
		nextPageSize = DefaultNextPageSize
	}
	p := &Paginator{direction: direction, firstPageSize: firstPageSize, nextPageSize: nextPageSize}
	p.Invalidate()
	return p
}

func (p *Paginator) Direction() Direction {
	return p.direction
}

func (p *Paginator) Cursor() Cursor {
	return p.cursor
}

// HasMore reports whether another page may exist.
func (p *Paginator) HasMore() bool {
	return p.cursor.HasMore
}

// FirstRequest describes a first page without touching the cursor; the
// cursor is only reset once that page is applied.
func (p *Paginator) FirstRequest() PageRequest {
	return PageRequest{Limit: p.firstPageSize, First: true}
}

// NextRequest describes the next page to fetch.
func (p *Paginator) NextRequest() PageRequest {
	if !p.loaded {
		return p.FirstRequest()
	}
	return PageRequest{Limit: p.nextPageSize, Token: p.cursor.NextPageToken}
}

// Invalidate forgets the cursor so the next request starts from scratch.
func (p *Paginator) Invalidate() {
	p.loaded = false
	p.cursor = Cursor{PageSize: p.firstPageSize, HasMore: true}
}

// BeginInitialLoad resets the cursor and clears the list.
func (p *Paginator) BeginInitialLoad(list *ItemList) {
	p.Invalidate()
	list.Reset()
}

// ApplyPage removes any stale indicator, inserts batch at the paginated
// boundary and re-inserts the indicator when the page came back full.
// page is the raw server page; batch is what survived filtering.
func (p *Paginator) ApplyPage(list *ItemList, batch []Item, page []models.Message, isFirstPage bool, headOffset int) (PagePlan, error) {
	plan := PagePlan{InsertedAt: -1, RemovedIndicator: -1, IndicatorAt: -1}
	requested := p.nextPageSize
	if isFirstPage || !p.loaded {
		requested = p.firstPageSize
	}

	if i := list.LoadingIndex(); i >= 0 {
		if err := list.Remove(i); err != nil {
			return plan, err
		}
		plan.RemovedIndicator = i
	}

	at := list.Len()
	if p.direction == Older && !isFirstPage {
		at = min(headOffset, list.Len())
	}
	if len(batch) > 0 {
		plan.InsertedAt = at
	}
	for i, item := range batch {
		if err := list.Insert(at+i, item); err != nil {
			return plan, err
		}
	}
	plan.Inserted = len(batch)

	p.loaded = true
	p.cursor.PageSize = requested
	if len(page) == 0 || len(page) < requested {
		p.cursor.HasMore = false
		p.cursor.NextPageToken = ""
		return plan, nil
	}

	p.cursor.HasMore = true
	p.cursor.NextPageToken = p.tokenFor(page)
	indicator := LoadingItem(p.direction == Older)
	plan.IndicatorAt = list.Len()
	if p.direction == Older {
		plan.IndicatorAt = min(headOffset, list.Len())
	}
	if err := list.Insert(plan.IndicatorAt, indicator); err != nil {
		return plan, err
	}
	return plan, nil
}

func (p *Paginator) tokenFor(page []models.Message) string {
	oldest, newest := page[0], page[0]
	for _, m := range page[1:] {
		if m.CreatedAt.Before(oldest.CreatedAt) {
			oldest = m
		}
		if !m.CreatedAt.Before(newest.CreatedAt) {
			newest = m
		}
	}
	if p.direction == Newer {
		return EncodeCursor(CursorPayload{IDGreaterThan: newest.ID})
	}
	return EncodeCursor(CursorPayload{IDLessThan: oldest.ID})
}
