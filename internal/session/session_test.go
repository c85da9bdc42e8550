package session_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-timeline/internal/mocks"
	"chat-timeline/internal/models"
	"chat-timeline/internal/session"
	"chat-timeline/internal/timeline"
)

var (
	me      = models.User{ID: "me", Name: "Me"}
	alice   = models.User{ID: "alice", Name: "Alice"}
	bob     = models.User{ID: "bob", Name: "Bob"}
	general = timeline.Scope{ChannelID: "general"}
	random  = timeline.Scope{ChannelID: "random"}
	base    = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
)

type recorder struct {
	updates chan session.Update
}

func (r *recorder) OnChange(_ context.Context, u session.Update) {
	r.updates <- u
}

func (r *recorder) next(t *testing.T) session.Update {
	t.Helper()
	select {
	case u := <-r.updates:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	return session.Update{}
}

func (r *recorder) quiet(t *testing.T) {
	t.Helper()
	select {
	case u := <-r.updates:
		t.Fatalf("unexpected update %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func start(t *testing.T, fetcher session.Fetcher, events session.EventSource, cfg session.Config) (*session.Session, *recorder) {
	t.Helper()
	cfg.Presenter.CurrentUser = me
	cfg.Presenter.DisableDaySeparators = true
	cfg.Presenter.StrictInvariants = true
	cfg.Presenter.Location = time.UTC
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Millisecond
	}

	s := session.New(fetcher, events, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	rec := &recorder{updates: make(chan session.Update, 256)}
	require.NoError(t, s.AddObserver(context.Background(), rec))
	return s, rec
}

func msg(id string, author models.User, minute int) models.Message {
	return models.Message{
		ID:        id,
		Author:    author,
		Text:      "text " + id,
		Type:      models.MessageTypeRegular,
		CreatedAt: base.Add(time.Duration(minute) * time.Minute),
	}
}

func response(channelID string, msgs ...models.Message) models.FetchResponse {
	return models.FetchResponse{
		Channel:  models.Channel{ID: channelID, Name: channelID, Config: models.DefaultChannelConfig()},
		Messages: msgs,
	}
}

func fullPage(n int) []models.Message {
	msgs := make([]models.Message, n)
	for i := range msgs {
		msgs[i] = msg(fmt.Sprintf("m%02d", i), alice, i)
	}
	return msgs
}

func ids(items []timeline.Item) []string {
	var out []string
	for _, it := range items {
		if it.Kind == timeline.KindMessage {
			out = append(out, it.MessageID())
		}
	}
	return out
}

func firstPage(r timeline.PageRequest) bool {
	return r.First
}

func TestOperationsNeedScope(t *testing.T) {
	s, _ := start(t, new(mocks.FetcherMock), nil, session.Config{})
	ctx := context.Background()

	_, err := s.Snapshot(ctx)
	assert.ErrorIs(t, err, session.ErrNoScope)
	assert.ErrorIs(t, s.LoadMore(ctx), session.ErrNoScope)
	assert.ErrorIs(t, s.MarkRead(ctx), session.ErrNoScope)
	assert.ErrorIs(t, s.SetTyping(ctx, true), session.ErrNoScope)
	assert.ErrorIs(t, s.ClearEphemeral(ctx), session.ErrNoScope)
}

func TestClosedSessionRejectsCalls(t *testing.T) {
	s := session.New(new(mocks.FetcherMock), nil, session.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.ErrorIs(t, s.Reload(context.Background()), session.ErrClosed)
}

func TestInitialLoad(t *testing.T) {
	fetcher := new(mocks.FetcherMock)
	fetcher.On("Fetch", mock.Anything, general, mock.MatchedBy(firstPage)).
		Return(response("general", msg("m1", alice, 1), msg("m2", bob, 2), msg("m3", alice, 3)), nil).Once()
	s, rec := start(t, fetcher, nil, session.Config{})

	require.NoError(t, s.SwitchScope(context.Background(), general, nil))

	scope := rec.next(t)
	assert.Equal(t, "scope", scope.Source)
	assert.Equal(t, timeline.ChangeReloaded, scope.Change.Kind)

	history := rec.next(t)
	assert.Equal(t, "history", history.Source)
	assert.Equal(t, timeline.ChangeReloaded, history.Change.Kind)
	assert.Equal(t, 2, history.Change.Row)
	assert.Equal(t, scope.Seq+1, history.Seq)

	state, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(state.Items))
	assert.False(t, state.Cursor.HasMore)
	assert.False(t, state.Fetching)
	assert.True(t, state.CanReply)
	assert.Equal(t, history.Seq, state.Seq)
	fetcher.AssertExpectations(t)
}

func TestLiveEventsMergeAndDuplicatesAreSuppressed(t *testing.T) {
	fetcher := new(mocks.FetcherMock)
	fetcher.On("Fetch", mock.Anything, general, mock.Anything).Return(response("general", msg("m1", alice, 1)), nil).Once()
	events := new(mocks.EventSourceMock)
	stream := make(chan models.Event, 8)
	events.On("Subscribe", mock.Anything, general).Return(stream, nil).Once()
	s, rec := start(t, fetcher, events, session.Config{})

	require.NoError(t, s.SwitchScope(context.Background(), general, nil))
	rec.next(t)
	rec.next(t)

	m2 := msg("m2", bob, 2)
	ev := models.Event{Type: models.EventMessageNew, ChannelID: "general", Message: &m2, CreatedAt: m2.CreatedAt}
	stream <- ev
	stream <- ev
	m3 := msg("m3", alice, 3)
	stream <- models.Event{Type: models.EventMessageNew, ChannelID: "general", Message: &m3, CreatedAt: m3.CreatedAt}

	added := rec.next(t)
	assert.Equal(t, "event", added.Source)
	assert.Equal(t, timeline.ChangeItemsAdded, added.Change.Kind)
	assert.Equal(t, 1, added.Change.Row)

	next := rec.next(t)
	assert.Equal(t, added.Seq+1, next.Seq)
	assert.Equal(t, 2, next.Change.Row)

	state, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(state.Items))
	assert.Equal(t, 2, state.UnreadCount)
	assert.True(t, state.Online)
}

func TestEventStreamCloseMarksOffline(t *testing.T) {
	fetcher := new(mocks.FetcherMock)
	fetcher.On("Fetch", mock.Anything, general, mock.Anything).Return(response("general"), nil).Once()
	events := new(mocks.EventSourceMock)
	stream := make(chan models.Event)
	events.On("Subscribe", mock.Anything, general).Return(stream, nil).Once()
	s, _ := start(t, fetcher, events, session.Config{})

	require.NoError(t, s.SwitchScope(context.Background(), general, nil))
	close(stream)

	require.Eventually(t, func() bool {
		state, err := s.Snapshot(context.Background())
		return err == nil && !state.Online
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventFilter(t *testing.T) {
	fetcher := new(mocks.FetcherMock)
	fetcher.On("Fetch", mock.Anything, general, mock.Anything).Return(response("general"), nil).Once()
	events := new(mocks.EventSourceMock)
	stream := make(chan models.Event, 4)
	events.On("Subscribe", mock.Anything, general).Return(stream, nil).Once()
	s, rec := start(t, fetcher, events, session.Config{
		EventFilter: func(ev models.Event) bool { return ev.UserID() != "bob" },
	})

	require.NoError(t, s.SwitchScope(context.Background(), general, nil))
	// An empty first page leaves the list untouched: only the scope update.
	rec.next(t)

	fromBob := msg("b1", bob, 1)
	fromAlice := msg("a1", alice, 2)
	stream <- models.Event{Type: models.EventMessageNew, ChannelID: "general", User: &bob, Message: &fromBob}
	stream <- models.Event{Type: models.EventMessageNew, ChannelID: "general", User: &alice, Message: &fromAlice}

	u := rec.next(t)
	require.Len(t, u.Change.Snapshot, 1)
	assert.Equal(t, "a1", u.Change.Snapshot[0].MessageID())
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	fetcher := new(mocks.FetcherMock)
	fetcher.On("Fetch", mock.Anything, general, mock.Anything).Return(models.FetchResponse{}, errors.New("boom")).Times(3)
	fetcher.On("Fetch", mock.Anything, general, mock.Anything).Return(response("general", msg("m1", alice, 1)), nil).Once()
	s, rec := start(t, fetcher, nil, session.Config{MaxRetries: 3})

	require.NoError(t, s.SwitchScope(context.Background(), general, nil))
	rec.next(t)
	history := rec.next(t)
	assert.Equal(t, timeline.ChangeReloaded, history.Change.Kind)
	fetcher.AssertNumberOfCalls(t, "Fetch", 4)
}

func TestFetchRetriesExhausted(t *testing.T) {
	fetcher := new(mocks.FetcherMock)
	fetcher.On("Fetch", mock.Anything, general, mock.Anything).Return(models.FetchResponse{}, errors.New("boom"))
	s, rec := start(t, fetcher, nil, session.Config{MaxRetries: 3})

	require.NoError(t, s.SwitchScope(context.Background(), general, nil))
	rec.next(t)
	failed := rec.next(t)
	assert.Equal(t, timeline.ChangeError, failed.Change.Kind)
	assert.Contains(t, failed.Change.ErrorText, "boom")
	fetcher.AssertNumberOfCalls(t, "Fetch", 4)

	state, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, state.Fetching)
}

type finalError struct{}

func (finalError) Error() string   { return "channel not found" }
func (finalError) Temporary() bool { return false }

func TestFetchDoesNotRetryFinalErrors(t *testing.T) {
	fetcher := new(mocks.FetcherMock)
	fetcher.On("Fetch", mock.Anything, general, mock.Anything).Return(models.FetchResponse{}, finalError{}).Once()
	s, rec := start(t, fetcher, nil, session.Config{MaxRetries: 3})

	require.NoError(t, s.SwitchScope(context.Background(), general, nil))
	rec.next(t)
	failed := rec.next(t)
	assert.Equal(t, timeline.ChangeError, failed.Change.Kind)
	assert.ErrorAs(t, failed.Change.Err, new(finalError))
	fetcher.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestStalePageIsDiscardedAfterScopeSwitch(t *testing.T) {
	release := make(chan struct{})
	fetcher := new(mocks.FetcherMock)
	fetcher.On("Fetch", mock.Anything, general, mock.Anything).Run(func(mock.Arguments) {
		<-release
	}).Return(response("general", msg("g1", alice, 1)), nil).Once()
	fetcher.On("Fetch", mock.Anything, random, mock.Anything).Return(response("random", msg("r1", bob, 1)), nil).Once()
	s, rec := start(t, fetcher, nil, session.Config{})

	ctx := context.Background()
	require.NoError(t, s.SwitchScope(ctx, general, nil))
	assert.Equal(t, general, rec.next(t).Scope)

	require.NoError(t, s.SwitchScope(ctx, random, nil))
	assert.Equal(t, "scope", rec.next(t).Source)
	history := rec.next(t)
	assert.Equal(t, random, history.Scope)

	close(release)
	rec.quiet(t)

	state, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, random, state.Scope)
	assert.Equal(t, []string{"r1"}, ids(state.Items))
}

func TestLoadMoreIgnoredWhileFetching(t *testing.T) {
	release := make(chan struct{})
	fetcher := new(mocks.FetcherMock)
	fetcher.On("Fetch", mock.Anything, general, mock.MatchedBy(firstPage)).Run(func(mock.Arguments) {
		<-release
	}).Return(response("general", fullPage(timeline.DefaultFirstPageSize)...), nil).Once()
	fetcher.On("Fetch", mock.Anything, general, mock.MatchedBy(func(r timeline.PageRequest) bool {
		return !r.First && r.Token != "" && r.Limit == timeline.DefaultNextPageSize
	})).Return(response("general"), nil).Once()
	s, rec := start(t, fetcher, nil, session.Config{})

	ctx := context.Background()
	require.NoError(t, s.SwitchScope(ctx, general, nil))
	rec.next(t)

	require.NoError(t, s.LoadMore(ctx))
	state, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, state.Fetching)

	close(release)
	first := rec.next(t)
	assert.Equal(t, timeline.ChangeReloaded, first.Change.Kind)

	state, err = s.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, state.Cursor.HasMore)

	require.NoError(t, s.LoadMore(ctx))
	last := rec.next(t)
	assert.Equal(t, timeline.ChangeItemRemoved, last.Change.Kind)

	state, err = s.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, state.Cursor.HasMore)
	require.NoError(t, s.LoadMore(ctx))
	fetcher.AssertNumberOfCalls(t, "Fetch", 2)
}

func TestFailedReloadKeepsListAndCursor(t *testing.T) {
	fetcher := new(mocks.FetcherMock)
	fetcher.On("Fetch", mock.Anything, general, mock.MatchedBy(firstPage)).
		Return(response("general", fullPage(timeline.DefaultFirstPageSize)...), nil).Once()
	fetcher.On("Fetch", mock.Anything, general, mock.MatchedBy(firstPage)).
		Return(models.FetchResponse{}, errors.New("backend down"))
	fetcher.On("Fetch", mock.Anything, general, mock.MatchedBy(func(r timeline.PageRequest) bool {
		return !r.First && r.Token != ""
	})).Return(response("general"), nil).Once()
	s, rec := start(t, fetcher, nil, session.Config{MaxRetries: 1})

	ctx := context.Background()
	require.NoError(t, s.SwitchScope(ctx, general, nil))
	rec.next(t)
	require.Equal(t, timeline.ChangeReloaded, rec.next(t).Change.Kind)
	before, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, before.Cursor.NextPageToken)

	require.NoError(t, s.Reload(ctx))
	assert.Equal(t, timeline.ChangeError, rec.next(t).Change.Kind)

	after, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Cursor, after.Cursor)
	assert.Equal(t, before.Items, after.Items)

	require.NoError(t, s.LoadMore(ctx))
	assert.Equal(t, timeline.ChangeItemRemoved, rec.next(t).Change.Kind)
	state, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids(before.Items), ids(state.Items))
	fetcher.AssertNumberOfCalls(t, "Fetch", 4)
}

func TestMarkReadForwardsOnlyWhenUnread(t *testing.T) {
	fetcher := new(mocks.FetcherMock)
	fetcher.On("Fetch", mock.Anything, general, mock.Anything).Return(response("general"), nil).Once()
	marked := make(chan struct{}, 2)
	fetcher.On("MarkRead", mock.Anything, "general").Run(func(mock.Arguments) {
		marked <- struct{}{}
	}).Return(nil).Once()
	events := new(mocks.EventSourceMock)
	stream := make(chan models.Event, 1)
	events.On("Subscribe", mock.Anything, general).Return(stream, nil).Once()
	s, rec := start(t, fetcher, events, session.Config{})

	ctx := context.Background()
	require.NoError(t, s.SwitchScope(ctx, general, nil))
	rec.next(t)

	require.NoError(t, s.MarkRead(ctx))

	m1 := msg("m1", alice, 1)
	stream <- models.Event{Type: models.EventMessageNew, ChannelID: "general", Message: &m1}
	rec.next(t)

	require.NoError(t, s.MarkRead(ctx))
	select {
	case <-marked:
	case <-time.After(2 * time.Second):
		t.Fatal("mark read not forwarded")
	}

	state, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Zero(t, state.UnreadCount)

	require.NoError(t, s.MarkRead(ctx))
	select {
	case <-marked:
		t.Fatal("mark read forwarded twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSetTypingSendsEdges(t *testing.T) {
	fetcher := new(mocks.FetcherMock)
	fetcher.On("Fetch", mock.Anything, general, mock.Anything).Return(response("general"), nil).Once()
	sent := make(chan models.EventType, 4)
	fetcher.On("SendEvent", mock.Anything, "general", mock.Anything).Run(func(args mock.Arguments) {
		sent <- args.Get(2).(models.EventType)
	}).Return(nil)
	s, rec := start(t, fetcher, nil, session.Config{})

	ctx := context.Background()
	require.NoError(t, s.SwitchScope(ctx, general, nil))
	rec.next(t)

	require.NoError(t, s.SetTyping(ctx, true))
	require.NoError(t, s.SetTyping(ctx, true))
	require.NoError(t, s.SetTyping(ctx, false))

	var got []models.EventType
	for len(got) < 2 {
		select {
		case ev := <-sent:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("typing events not sent, got %v", got)
		}
	}
	assert.ElementsMatch(t, []models.EventType{models.EventTypingStart, models.EventTypingStop}, got)
}

func TestEphemeralOverlay(t *testing.T) {
	fetcher := new(mocks.FetcherMock)
	fetcher.On("Fetch", mock.Anything, general, mock.Anything).Return(response("general", msg("m1", alice, 1)), nil).Once()
	s, rec := start(t, fetcher, nil, session.Config{})

	ctx := context.Background()
	require.NoError(t, s.SwitchScope(ctx, general, nil))
	rec.next(t)
	rec.next(t)

	eph := msg("e1", me, 2)
	eph.Type = models.MessageTypeEphemeral
	require.NoError(t, s.SetEphemeral(ctx, eph))
	u := rec.next(t)
	assert.Equal(t, "ephemeral", u.Source)
	assert.Equal(t, timeline.ChangeItemsAdded, u.Change.Kind)
	assert.Equal(t, 1, u.Change.Row)

	assert.ErrorIs(t, s.SetEphemeral(ctx, msg("r1", me, 3)), timeline.ErrNotEphemeral)

	require.NoError(t, s.ClearEphemeral(ctx))
	u = rec.next(t)
	assert.Equal(t, timeline.ChangeItemRemoved, u.Change.Kind)
}

func TestThreadScopeUsesParentFromChannel(t *testing.T) {
	parent := msg("p1", alice, 1)
	parent.ReplyCount = 1
	reply := msg("r1", bob, 2)
	reply.ParentID = "p1"

	thread := timeline.Scope{ChannelID: "general", ParentID: "p1"}
	fetcher := new(mocks.FetcherMock)
	fetcher.On("Fetch", mock.Anything, general, mock.Anything).Return(response("general", parent), nil).Once()
	fetcher.On("Fetch", mock.Anything, thread, mock.Anything).Return(response("general", reply), nil).Once()
	s, rec := start(t, fetcher, nil, session.Config{})

	ctx := context.Background()
	require.NoError(t, s.SwitchScope(ctx, general, nil))
	rec.next(t)
	rec.next(t)

	require.NoError(t, s.SwitchScope(ctx, thread, nil))
	seeded := rec.next(t)
	require.Len(t, seeded.Change.Snapshot, 2)
	assert.Equal(t, "p1", seeded.Change.Snapshot[0].MessageID())
	rec.next(t)

	state, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "r1"}, ids(state.Items))
	assert.False(t, state.CanReply)
}
