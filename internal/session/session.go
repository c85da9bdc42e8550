// Package session serializes history fetches, live events and user actions
// onto the single goroutine that owns a timeline.Presenter.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chat-timeline/internal/models"
	"chat-timeline/internal/observability"
	"chat-timeline/internal/timeline"
)

const (
	// DefaultMaxRetries is how often a failed fetch is retried before giving up.
	DefaultMaxRetries    = 3
	DefaultRetryInterval = 250 * time.Millisecond
	defaultQueueSize     = 64
)

var (
	ErrClosed  = errors.New("session closed")
	ErrNoScope = errors.New("no scope selected")
)

// Config configures a Session.
type Config struct {
	Presenter     timeline.Options
	MaxRetries    int
	RetryInterval time.Duration
	QueueSize     int
	// EventFilter drops live events for which it returns false.
	EventFilter func(models.Event) bool
	Logger      *slog.Logger
}

type op func(ctx context.Context)

// Session owns one presenter at a time. Every mutation runs on the Run
// goroutine in arrival order.
type Session struct {
	fetcher Fetcher
	events  EventSource
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer

	ops     chan op
	stopped chan struct{}

	// Fields below are only touched on the Run goroutine.
	runCtx      context.Context
	presenter   *timeline.Presenter
	gen         uint64
	fetchID     uint64
	fetching    bool
	fetchCancel context.CancelFunc
	subCancel   context.CancelFunc
	observers   []Observer
	seq         uint64
	online      bool
}

// New builds a session. events may be nil when no live stream is available.
func New(fetcher Fetcher, events EventSource, cfg Config) *Session {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		fetcher: fetcher,
		events:  events,
		cfg:     cfg,
		logger:  cfg.Logger,
		tracer:  otel.Tracer("chat-timeline/session"),
		ops:     make(chan op, cfg.QueueSize),
		stopped: make(chan struct{}),
		online:  true,
	}
}

// Run processes operations until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx
	defer close(s.stopped)
	defer s.cancelProducers()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-s.ops:
			fn(ctx)
		}
	}
}

// AddObserver registers o for every following update.
func (s *Session) AddObserver(ctx context.Context, o Observer) error {
	return s.do(ctx, func(context.Context) error {
		s.observers = append(s.observers, o)
		return nil
	})
}

// SwitchScope drops the current presenter, cancels its fetch and
// subscription and starts loading scope. parent is the thread parent and may
// be nil; it is then looked up in the current list.
func (s *Session) SwitchScope(ctx context.Context, scope timeline.Scope, parent *models.Message) error {
	return s.do(ctx, func(ctx context.Context) error {
		s.switchScope(ctx, scope, parent)
		return nil
	})
}

// LoadMore requests the next page. It is ignored while a fetch is in flight
// or when the last page was reached.
func (s *Session) LoadMore(ctx context.Context) error {
	return s.do(ctx, func(context.Context) error {
		return s.startFetch(false)
	})
}

// Reload refetches the first page of the current scope.
func (s *Session) Reload(ctx context.Context) error {
	return s.do(ctx, func(context.Context) error {
		return s.startFetch(true)
	})
}

// SetEphemeral shows msg in the overlay slot.
func (s *Session) SetEphemeral(ctx context.Context, msg models.Message) error {
	return s.do(ctx, func(ctx context.Context) error {
		if s.presenter == nil {
			return ErrNoScope
		}
		change, err := s.presenter.SetEphemeral(msg)
		if err != nil {
			return err
		}
		s.emit(ctx, "ephemeral", change)
		return nil
	})
}

// ClearEphemeral empties the overlay slot.
func (s *Session) ClearEphemeral(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		if s.presenter == nil {
			return ErrNoScope
		}
		s.emit(ctx, "ephemeral", s.presenter.ClearEphemeral())
		return nil
	})
}

// MarkRead clears the unread counter and tells the server when something was unread.
func (s *Session) MarkRead(ctx context.Context) error {
	return s.do(ctx, func(context.Context) error {
		if s.presenter == nil {
			return ErrNoScope
		}
		if !s.presenter.MarkRead() || !s.presenter.Channel().Config.ReadEvents {
			return nil
		}
		channelID := s.presenter.Scope().ChannelID
		go func() {
			if err := s.fetcher.MarkRead(s.runCtx, channelID); err != nil {
				s.logger.Warn("mark read failed", "channel_id", channelID, "error", err)
			}
		}()
		return nil
	})
}

// SetTyping sends typing.start or typing.stop when the current user's state flips.
func (s *Session) SetTyping(ctx context.Context, typing bool) error {
	return s.do(ctx, func(context.Context) error {
		if s.presenter == nil {
			return ErrNoScope
		}
		eventType := s.presenter.SetTyping(typing)
		if eventType == "" {
			return nil
		}
		channelID := s.presenter.Scope().ChannelID
		go func() {
			if err := s.fetcher.SendEvent(s.runCtx, channelID, eventType); err != nil {
				s.logger.Warn("send typing event failed", "channel_id", channelID, "event_type", eventType, "error", err)
			}
		}()
		return nil
	})
}

// SetOnline overrides network availability.
func (s *Session) SetOnline(ctx context.Context, online bool) error {
	return s.do(ctx, func(context.Context) error {
		s.setOnline(online)
		return nil
	})
}

// Snapshot returns the current state.
func (s *Session) Snapshot(ctx context.Context) (State, error) {
	var state State
	err := s.do(ctx, func(context.Context) error {
		if s.presenter == nil {
			return ErrNoScope
		}
		p := s.presenter
		state = State{
			Seq:         s.seq,
			Scope:       p.Scope(),
			Channel:     p.Channel(),
			Members:     p.Members(),
			Items:       p.Items(),
			Cursor:      p.Cursor(),
			TypingUsers: p.TypingUsers(),
			TypingText:  p.TypingText(),
			UnreadCount: p.UnreadCount(),
			CanReply:    p.CanReply(),
			Fetching:    s.fetching,
			Online:      s.online,
		}
		return nil
	})
	return state, err
}

// do runs fn on the session goroutine and waits for it.
func (s *Session) do(ctx context.Context, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)
	wrapped := func(loopCtx context.Context) { result <- fn(loopCtx) }

	select {
	case s.ops <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrClosed
	}
}

// enqueue is used by producer goroutines; it gives up once Run has returned.
func (s *Session) enqueue(fn op) bool {
	select {
	case s.ops <- fn:
		return true
	case <-s.stopped:
		return false
	}
}

func (s *Session) switchScope(ctx context.Context, scope timeline.Scope, parent *models.Message) {
	s.cancelProducers()
	s.gen++
	s.fetching = false

	channel := models.Channel{ID: scope.ChannelID, Config: models.DefaultChannelConfig()}
	if s.presenter != nil {
		if s.presenter.Channel().ID == scope.ChannelID {
			channel = s.presenter.Channel()
		}
		if parent == nil && scope.IsThread() {
			if m, ok := s.presenter.FindMessage(scope.ParentID); ok {
				parent = &m
			}
		}
	}
	s.presenter = timeline.NewScopePresenter(scope, channel, parent, s.cfg.Presenter)
	s.presenter.SetOnline(s.online)
	s.logger.Info("timeline scope switched", "channel_id", scope.ChannelID, "parent_id", scope.ParentID)

	items := s.presenter.Items()
	row := timeline.NoRow
	if len(items) > 0 {
		row = len(items) - 1
	}
	s.emit(ctx, "scope", timeline.Change{Kind: timeline.ChangeReloaded, Row: row, RegroupRow: timeline.NoRow, Snapshot: items})

	s.subscribe()
	if err := s.startFetch(true); err != nil {
		s.logger.Error("initial fetch not started", "error", err)
	}
}

func (s *Session) cancelProducers() {
	if s.fetchCancel != nil {
		s.fetchCancel()
		s.fetchCancel = nil
	}
	if s.subCancel != nil {
		s.subCancel()
		s.subCancel = nil
	}
}

func (s *Session) subscribe() {
	if s.events == nil {
		return
	}
	subCtx, cancel := context.WithCancel(s.runCtx)
	s.subCancel = cancel
	gen := s.gen
	scope := s.presenter.Scope()

	go func() {
		ch, err := s.events.Subscribe(subCtx, scope)
		if err != nil {
			s.logger.Warn("event subscription failed", "channel_id", scope.ChannelID, "error", err)
			s.enqueue(func(context.Context) { s.setOnlineFor(gen, false) })
			return
		}
		s.enqueue(func(context.Context) { s.setOnlineFor(gen, true) })
		for ev := range ch {
			ev := ev
			if !s.enqueue(func(ctx context.Context) { s.onEvent(ctx, gen, ev) }) {
				return
			}
		}
		if subCtx.Err() == nil {
			s.logger.Warn("event stream closed", "channel_id", scope.ChannelID)
			s.enqueue(func(context.Context) { s.setOnlineFor(gen, false) })
		}
	}()
}

func (s *Session) startFetch(first bool) error {
	if s.presenter == nil {
		return ErrNoScope
	}
	if s.fetching {
		if !first {
			s.logger.Debug("load more ignored, fetch in flight")
			return nil
		}
		s.fetchCancel()
	}
	if !first && !s.presenter.HasMore() {
		s.logger.Debug("load more ignored, no more pages")
		return nil
	}
	req := s.presenter.NextRequest()
	if first {
		req = s.presenter.FirstRequest()
	}
	fetchCtx, cancel := context.WithCancel(s.runCtx)
	s.fetchCancel = cancel
	s.fetching = true
	s.fetchID++
	id := s.fetchID
	scope := s.presenter.Scope()

	go func() {
		resp, err := s.fetchWithRetry(fetchCtx, scope, req)
		s.enqueue(func(ctx context.Context) { s.onFetched(ctx, id, scope, req, resp, err) })
	}()
	return nil
}

func (s *Session) fetchWithRetry(ctx context.Context, scope timeline.Scope, req timeline.PageRequest) (models.FetchResponse, error) {
	ctx, span := s.tracer.Start(ctx, "timeline.fetch", trace.WithAttributes(
		attribute.String("channel_id", scope.ChannelID),
		attribute.String("parent_id", scope.ParentID),
		attribute.Bool("first_page", req.First),
		attribute.Int("limit", req.Limit),
	))
	defer span.End()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.RetryInterval), uint64(s.cfg.MaxRetries)),
		ctx,
	)
	resp, err := backoff.RetryNotifyWithData(func() (models.FetchResponse, error) {
		resp, err := s.fetcher.Fetch(ctx, scope, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return resp, backoff.Permanent(ctx.Err())
		}
		var temp interface{ Temporary() bool }
		if errors.As(err, &temp) && !temp.Temporary() {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	}, policy, func(err error, wait time.Duration) {
		observability.IncFetchAttempt("retry")
		s.logger.Warn("history fetch failed, retrying", "channel_id", scope.ChannelID, "error", err, "wait", wait)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.IncFetchAttempt("error")
		return resp, err
	}
	observability.IncFetchAttempt("ok")
	return resp, nil
}

func (s *Session) onFetched(ctx context.Context, id uint64, scope timeline.Scope, req timeline.PageRequest, resp models.FetchResponse, err error) {
	if id != s.fetchID {
		observability.IncStaleResult("fetch")
		s.logger.Debug("stale page discarded", "channel_id", scope.ChannelID, "parent_id", scope.ParentID)
		return
	}
	s.fetching = false
	s.fetchCancel = nil

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error("history fetch failed", "channel_id", scope.ChannelID, "error", err)
		s.emit(ctx, "history", timeline.ErrorChange(fmt.Errorf("fetch %s: %w", scope, err)))
		return
	}

	_, span := s.tracer.Start(ctx, "timeline.merge_history", trace.WithAttributes(
		attribute.Int("messages", len(resp.Messages)),
		attribute.Bool("first_page", req.First),
	))
	change := s.presenter.MergeHistory(resp, req.First)
	span.End()
	s.emit(ctx, "history", change)
}

func (s *Session) onEvent(ctx context.Context, gen uint64, ev models.Event) {
	if gen != s.gen {
		observability.IncStaleResult("event")
		return
	}
	if s.cfg.EventFilter != nil && !s.cfg.EventFilter(ev) {
		observability.IncLiveEvent(string(ev.Type), "filtered")
		return
	}
	change, outcome := s.presenter.ApplyEvent(ev)
	observability.IncLiveEvent(string(ev.Type), outcome.String())
	if outcome == timeline.OutcomeDuplicate {
		s.logger.Debug("duplicate event suppressed", "event_type", ev.Type, "channel_id", ev.ChannelID)
		return
	}
	s.emit(ctx, "event", change)
}

func (s *Session) setOnlineFor(gen uint64, online bool) {
	if gen == s.gen {
		s.setOnline(online)
	}
}

func (s *Session) setOnline(online bool) {
	s.online = online
	if s.presenter != nil {
		s.presenter.SetOnline(online)
	}
}

func (s *Session) emit(ctx context.Context, source string, change timeline.Change) {
	if s.presenter != nil {
		observability.SetTimelineRows(s.presenter.Len())
	}
	if change.IsNone() {
		return
	}
	observability.IncChange(source, string(change.Kind))
	s.seq++
	update := Update{Seq: s.seq, Scope: s.presenter.Scope(), Source: source, Change: change}
	for _, o := range s.observers {
		o.OnChange(ctx, update)
	}
}
