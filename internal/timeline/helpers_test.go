package timeline

import (
	"time"

	"chat-timeline/internal/models"
)

var (
	me    = models.User{ID: "me", Name: "Me"}
	alice = models.User{ID: "alice", Name: "Alice"}
	bob   = models.User{ID: "bob", Name: "Bob"}
	carol = models.User{ID: "carol", Name: "Carol"}

	// day0 is far enough from testNow that no day separator is produced.
	day0    = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func at(hour, minute int) time.Time {
	return day0.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func msg(id string, author models.User, created time.Time) models.Message {
	return models.Message{ID: id, Author: author, CreatedAt: created, Text: "text " + id, Type: models.MessageTypeRegular}
}

func testChannel() models.Channel {
	return models.Channel{ID: "general", Type: "messaging", Config: models.DefaultChannelConfig()}
}

func newTestPresenter(clock *fakeClock) *Presenter {
	return NewPresenter(testChannel(), Options{
		CurrentUser:      me,
		StrictInvariants: true,
		Now:              clock.Now,
		Location:         time.UTC,
	})
}

func page(messages ...models.Message) models.FetchResponse {
	return models.FetchResponse{Channel: testChannel(), Messages: messages}
}

func messageIDs(items []Item) []string {
	var ids []string
	for _, it := range items {
		switch it.Kind {
		case KindMessage:
			ids = append(ids, it.MessageID())
		case KindLoading:
			ids = append(ids, "<loading>")
		case KindStatus:
			ids = append(ids, "#"+it.Title)
		}
	}
	return ids
}

func fullPage(n int, start time.Time, prefix string) []models.Message {
	out := make([]models.Message, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, msg(prefix+string(rune('a'+i/26))+string(rune('a'+i%26)), alice, start.Add(time.Duration(i)*time.Minute)))
	}
	return out
}
