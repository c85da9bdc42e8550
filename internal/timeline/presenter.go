// Package timeline merges paginated history and live events into one
// ordered, deduplicated list of rows and describes every change to it.
//
// A Presenter is owned by a single goroutine; see package session for the
// serialization of concurrent producers.
package timeline

import (
	"log/slog"
	"time"

	"chat-timeline/internal/models"
)

// Scope identifies what a presenter shows: a channel, or a thread inside it.
type Scope struct {
	ChannelID string `json:"channel_id"`
	ParentID  string `json:"parent_id,omitempty"`
}

func (s Scope) IsThread() bool {
	return s.ParentID != ""
}

func (s Scope) String() string {
	if s.IsThread() {
		return s.ChannelID + "/" + s.ParentID
	}
	return s.ChannelID
}

// StartOfThreadTitle is the separator shown under a thread's parent message.
const StartOfThreadTitle = "Start of thread"

// Options configures a Presenter.
type Options struct {
	CurrentUser          models.User
	Direction            Direction
	FirstPageSize        int
	NextPageSize         int
	DisableDaySeparators bool
	// StrictInvariants panics on invariant violations instead of emitting an error change.
	StrictInvariants bool
	Now              func() time.Time
	Location         *time.Location
	Logger           *slog.Logger
}

// Outcome says what ApplyEvent did with an event.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeDuplicate
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeDropped:
		return "dropped"
	default:
		return "applied"
	}
}

// Presenter is the timeline state of one scope.
type Presenter struct {
	opts    Options
	scope   Scope
	channel models.Channel
	members []models.Member
	parent  *models.Message

	items     *ItemList
	paginator *Paginator
	typing    *TypingSet
	reads     *ReadTracker
	ephemeral Ephemeral
	notifier  *TypingNotifier
	emit      emitter

	lastEvent  *models.Event
	lastChange Change

	unread int
	online bool
}

// NewPresenter builds the presenter of a channel.
func NewPresenter(channel models.Channel, opts Options) *Presenter {
	return newPresenter(Scope{ChannelID: channel.ID}, channel, nil, opts)
}

// NewThreadPresenter builds the presenter of the thread under parent.
func NewThreadPresenter(channel models.Channel, parent models.Message, opts Options) *Presenter {
	return newPresenter(Scope{ChannelID: channel.ID, ParentID: parent.ID}, channel, &parent, opts)
}

// NewScopePresenter builds the presenter of scope. parent may be nil for a
// thread whose parent message is not known yet; the header is then omitted.
func NewScopePresenter(scope Scope, channel models.Channel, parent *models.Message, opts Options) *Presenter {
	if channel.ID == "" {
		channel.ID = scope.ChannelID
	}
	return newPresenter(scope, channel, parent, opts)
}

// NewPresenterFromResponse builds a channel presenter from its first page.
func NewPresenterFromResponse(resp models.FetchResponse, opts Options) (*Presenter, Change) {
	p := NewPresenter(resp.Channel, opts)
	return p, p.MergeHistory(resp, true)
}

func newPresenter(scope Scope, channel models.Channel, parent *models.Message, opts Options) *Presenter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Presenter{
		opts:      opts,
		scope:     scope,
		channel:   channel,
		parent:    parent,
		items:     NewItemList(),
		paginator: NewPaginator(opts.Direction, opts.FirstPageSize, opts.NextPageSize),
		typing:    NewTypingSet(opts.CurrentUser.ID, channel.Config.TypingEvents && !scope.IsThread(), opts.Now),
		reads:     NewReadTracker(opts.CurrentUser.ID, channel.Config.ReadEvents),
		notifier:  NewTypingNotifier(channel.Config.TypingEvents && !scope.IsThread()),
		emit:      emitter{strict: opts.StrictInvariants, logger: opts.Logger},
		online:    true,
	}
	p.seedHeader()
	return p
}

func (p *Presenter) Scope() Scope {
	return p.scope
}

func (p *Presenter) Channel() models.Channel {
	return p.channel
}

func (p *Presenter) Members() []models.Member {
	return p.members
}

// Parent returns the thread parent in thread scope.
func (p *Presenter) Parent() (models.Message, bool) {
	if p.parent == nil {
		return models.Message{}, false
	}
	return *p.parent, true
}

// Items returns the rows with the ephemeral overlay applied.
func (p *Presenter) Items() []Item {
	return p.ephemeral.Overlay(p.items)
}

func (p *Presenter) Len() int {
	return p.items.Len()
}

func (p *Presenter) Cursor() Cursor {
	return p.paginator.Cursor()
}

func (p *Presenter) HasMore() bool {
	return p.paginator.HasMore()
}

// NextRequest describes the next page to fetch.
func (p *Presenter) NextRequest() PageRequest {
	return p.paginator.NextRequest()
}

// FirstRequest describes a reload of the first page.
func (p *Presenter) FirstRequest() PageRequest {
	return p.paginator.FirstRequest()
}

// FindMessage returns the message with id from the list.
func (p *Presenter) FindMessage(id string) (models.Message, bool) {
	it, ok := p.items.At(p.items.IndexOf(id))
	if !ok || it.Message == nil {
		return models.Message{}, false
	}
	return *it.Message, true
}

func (p *Presenter) TypingUsers() []TypingUser {
	return p.typing.Users()
}

func (p *Presenter) TypingText() string {
	return p.typing.Text()
}

func (p *Presenter) UnreadCount() int {
	return p.unread
}

// LastMessage returns the newest message in the list.
func (p *Presenter) LastMessage() (models.Message, bool) {
	return p.items.LastMessage()
}

// CanReply reports whether rows can open a thread.
func (p *Presenter) CanReply() bool {
	return !p.scope.IsThread() && p.channel.Config.Replies
}

// SetOnline records network availability. It decides whether a first page
// may discard the known read positions.
func (p *Presenter) SetOnline(online bool) {
	p.online = online
}

func (p *Presenter) Online() bool {
	return p.online
}

// MarkRead clears the unread counter. It reports whether anything was unread.
func (p *Presenter) MarkRead() bool {
	had := p.unread > 0
	p.reads.MarkOwnRead(p.opts.Now())
	p.unread = 0
	return had
}

// SetTyping records the current user's typing state and returns the event
// to send, or "" when nothing must be sent.
func (p *Presenter) SetTyping(typing bool) models.EventType {
	return p.notifier.SetTyping(typing)
}

// SetEphemeral shows msg in the overlay slot.
func (p *Presenter) SetEphemeral(msg models.Message) (Change, error) {
	pl, err := p.ephemeral.Set(p.items, msg)
	if err != nil {
		return NoChange(), err
	}
	return p.describe(pl), nil
}

// ClearEphemeral empties the overlay slot.
func (p *Presenter) ClearEphemeral() Change {
	return p.describe(p.ephemeral.Clear(p.items))
}

func (p *Presenter) Ephemeral() (models.Message, bool) {
	return p.ephemeral.Message()
}

func (p *Presenter) describe(pl plan) Change {
	return p.emit.describe(pl, p.Items())
}

func (p *Presenter) headOffset() int {
	if p.scope.IsThread() && p.parent != nil {
		return 2
	}
	return 0
}

func (p *Presenter) seedHeader() {
	if p.headOffset() == 0 {
		return
	}
	_ = p.items.Append(MessageItem(*p.parent))
	_ = p.items.Append(StatusItem(StartOfThreadTitle, "", false))
}

func (p *Presenter) updateChannel(ch models.Channel) {
	if ch.ID == "" {
		return
	}
	if p.channel.ID != "" && ch.ID != p.channel.ID {
		p.paginator.Invalidate()
	}
	p.channel = ch
	p.scope.ChannelID = ch.ID
	typing := ch.Config.TypingEvents && !p.scope.IsThread()
	p.typing.SetEnabled(typing)
	p.notifier.enabled = typing
	p.reads.SetEnabled(ch.Config.ReadEvents)
}

// inScope filters messages that do not belong to this presenter.
func (p *Presenter) inScope(m models.Message) bool {
	if p.scope.IsThread() {
		return m.ParentID == p.scope.ParentID
	}
	return !m.IsReply() || m.ShowInChannel
}

func (p *Presenter) recountUnread() {
	readAt := p.reads.OwnReadAt()
	n := 0
	for _, it := range p.items.Snapshot() {
		if it.Kind != KindMessage || it.Message.IsOwn(p.opts.CurrentUser.ID) {
			continue
		}
		if it.Message.CreatedAt.After(readAt) {
			n++
		}
	}
	p.unread = n
}
