package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terryong31/nego-lah/internal/backend"
	"github.com/terryong31/nego-lah/internal/model"
)

func TestSession_GuestSendPlaysParagraphsInOrder(t *testing.T) {
	b := newFakeBackend()
	b.stream = func(context.Context, backend.SendRequest) (string, error) {
		return "Hi there!\n\nHow can I help?", nil
	}
	s := newTestSession(t, b, nil, Options{ConversationID: "guest-123", NewID: seqIDs("u1", "p1")})
	rec := &recorder{}
	s.Watch(rec.record)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Send(context.Background(), "Hello", nil))

	assert.Empty(t, b.calls(), "guest conversations never fetch history")

	final := s.View()
	assert.Equal(t, []string{"u1", "p1-0", "p1-1"}, ids(final.Messages))
	assert.Equal(t, []string{"Hello", "Hi there!", "How can I help?"}, contents(final.Messages))
	assert.False(t, final.Loading)
	assert.False(t, final.HasMore)
	assert.Equal(t, PhaseIdle, s.Phase())

	views := rec.all()
	sawPlaceholder := false
	for _, v := range views {
		if len(v.Messages) == 2 && v.Messages[1].ID == "p1" && v.Messages[1].Pending() {
			sawPlaceholder = true
			assert.True(t, v.Loading)
		}
	}
	assert.True(t, sawPlaceholder, "placeholder shown before playback")

	var first, second []string
	for _, v := range views {
		for _, m := range v.Messages {
			switch m.ID {
			case "p1-0":
				first = append(first, m.Content)
			case "p1-1":
				assert.Equal(t, "Hi there!", v.Messages[1].Content, "second paragraph starts after the first is complete")
				second = append(second, m.Content)
			}
		}
	}
	assertGrows(t, first, "Hi there!")
	assertGrows(t, second, "How can I help?")
}

func assertGrows(t *testing.T, frames []string, full string) {
	t.Helper()
	require.NotEmpty(t, frames)
	assert.Equal(t, "", frames[0])
	assert.Equal(t, full, frames[len(frames)-1])
	for i := 1; i < len(frames); i++ {
		assert.True(t, strings.HasPrefix(frames[i], frames[i-1]), "%q does not extend %q", frames[i], frames[i-1])
		assert.LessOrEqual(t, len([]rune(frames[i]))-len([]rune(frames[i-1])), 1)
	}
}

func TestSession_SettingsFailureAssumesAIEnabled(t *testing.T) {
	b := newFakeBackend()
	b.settingsErr = errors.New("connection refused")
	b.stream = func(context.Context, backend.SendRequest) (string, error) { return "ok", nil }
	s := newTestSession(t, b, nil, Options{NewID: seqIDs("u1", "p1")})
	rec := &recorder{}
	s.Watch(rec.record)

	require.NoError(t, s.Send(context.Background(), "price?", nil))

	first := rec.all()[0]
	require.Len(t, first.Messages, 2)
	assert.True(t, first.Messages[1].Pending())
	assert.Equal(t, []string{"price?", "ok"}, contents(s.View().Messages))
}

func TestSession_AIDisabledShowsNoPlaceholder(t *testing.T) {
	b := newFakeBackend()
	b.settings = model.Settings{AIEnabled: false}
	s := newTestSession(t, b, nil, Options{})
	rec := &recorder{}
	s.Watch(rec.record)

	require.NoError(t, s.Send(context.Background(), "  anyone there?  ", nil))

	for _, v := range rec.all() {
		for _, m := range v.Messages {
			assert.False(t, m.Pending())
		}
		assert.False(t, v.Loading)
	}
	assert.Equal(t, []string{"anyone there?"}, contents(s.View().Messages))
}

func TestSession_AIDisabledStillPlaysNonEmptyReply(t *testing.T) {
	b := newFakeBackend()
	b.settings = model.Settings{AIEnabled: false}
	b.stream = func(context.Context, backend.SendRequest) (string, error) { return "late reply", nil }
	s := newTestSession(t, b, nil, Options{NewID: seqIDs("u1", "p1")})

	require.NoError(t, s.Send(context.Background(), "hi", nil))

	assert.Equal(t, []string{"u1", "p1-0"}, ids(s.View().Messages))
}

func TestSession_EmptySendRejected(t *testing.T) {
	s := newTestSession(t, newFakeBackend(), nil, Options{})

	assert.ErrorIs(t, s.Send(context.Background(), "   ", nil), ErrEmptyMessage)
	assert.Empty(t, s.View().Messages)
}

func TestSession_AttachmentOnlySend(t *testing.T) {
	b := newFakeBackend()
	s := newTestSession(t, b, nil, Options{})

	files := []backend.File{{Name: "shoe.png", Data: []byte("\x89PNG\r\n\x1a\n")}}
	require.NoError(t, s.Send(context.Background(), "", files))

	msgs := s.View().Messages
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Attachments, 1)
	assert.Equal(t, "shoe.png", msgs[0].Attachments[0].Name)
	assert.Equal(t, "image/png", msgs[0].Attachments[0].Type)
	assert.True(t, strings.HasPrefix(msgs[0].Attachments[0].URL, "blob:"))
	require.Len(t, b.streamReqs, 1)
	assert.Len(t, b.streamReqs[0].Files, 1)
}

func TestSession_StreamFailureFallsBackToSend(t *testing.T) {
	b := newFakeBackend()
	b.stream = func(context.Context, backend.SendRequest) (string, error) {
		return "", backend.ErrStreamIncomplete
	}
	b.send = func(_ context.Context, req backend.SendRequest) (string, error) {
		return "echo: " + req.Message, nil
	}
	s := newTestSession(t, b, nil, Options{ItemID: "item-9", NewID: seqIDs("u1", "p1")})

	require.NoError(t, s.Send(context.Background(), "hello", nil))

	v := s.View()
	assert.Equal(t, []string{"u1", "p1"}, ids(v.Messages))
	assert.Equal(t, "echo: hello", v.Messages[1].Content)
	assert.Empty(t, v.Err)
	assert.Equal(t, "item-9", b.streamReqs[0].ItemID)
}

func TestSession_SendFailureSurfacesError(t *testing.T) {
	b := newFakeBackend()
	b.stream = func(context.Context, backend.SendRequest) (string, error) {
		return "", errors.New("stream broke")
	}
	b.send = func(context.Context, backend.SendRequest) (string, error) {
		return "", &backend.StatusError{Op: "send", Status: 503, Detail: "AI offline"}
	}
	s := newTestSession(t, b, nil, Options{NewID: seqIDs("u1", "p1")})

	err := s.Send(context.Background(), "hello", nil)

	var se *backend.StatusError
	require.ErrorAs(t, err, &se)
	v := s.View()
	assert.Equal(t, []string{"u1"}, ids(v.Messages))
	assert.Equal(t, "Failed to send message: AI offline", v.Err)
	assert.False(t, v.Loading)
	assert.Equal(t, PhaseIdle, s.Phase())

	s.DismissError()
	assert.Empty(t, s.View().Err)
}

func TestSession_SecondSendWhileStreamingIsBusy(t *testing.T) {
	b := newFakeBackend()
	release := make(chan struct{})
	b.stream = func(context.Context, backend.SendRequest) (string, error) {
		<-release
		return "done", nil
	}
	s := newTestSession(t, b, nil, Options{})

	errc := make(chan error, 1)
	go func() { errc <- s.Send(context.Background(), "first", nil) }()
	require.Eventually(t, func() bool { return s.Phase() == PhaseStreaming }, time.Second, time.Millisecond)

	assert.ErrorIs(t, s.Send(context.Background(), "second", nil), ErrBusy)

	close(release)
	require.NoError(t, <-errc)
}

func TestSession_RowUpdateDroppedDuringPlayback(t *testing.T) {
	b := newFakeBackend()
	b.stream = func(context.Context, backend.SendRequest) (string, error) { return "Sure thing", nil }

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	step := func() int {
		once.Do(func() { close(entered) })
		<-release
		return 1
	}
	s := newTestSession(t, b, nil, Options{Step: step, NewID: seqIDs("u1", "p1")})

	errc := make(chan error, 1)
	go func() { errc <- s.Send(context.Background(), "deal?", nil) }()
	<-entered

	require.Equal(t, PhaseStreaming, s.Phase())
	before := s.View().Messages
	s.HandleRowUpdate(model.RowUpdate{
		ConversationID: "user-1",
		Messages:       []model.WireMessage{{ID: "x", Role: "human", Content: "stale"}},
	})
	assert.Equal(t, before, s.View().Messages)

	close(release)
	require.NoError(t, <-errc)
	assert.Equal(t, PhaseIdle, s.Phase())
	assert.Equal(t, []string{"deal?", "Sure thing"}, contents(s.View().Messages))

	s.HandleRowUpdate(model.RowUpdate{
		ConversationID: "user-1",
		Messages: []model.WireMessage{
			{ID: "r1", Role: "human", Content: "deal?"},
			{ID: "r2", Role: "ai", Content: "Sure thing\n\nAnything else?"},
		},
	})
	assert.Equal(t, []string{"r1", "r2-0", "r2-1"}, ids(s.View().Messages))
	assert.Equal(t, PhaseIdle, s.Phase())
}

func TestSession_RowUpdateForOtherConversationIgnored(t *testing.T) {
	s := newTestSession(t, newFakeBackend(), nil, Options{})

	s.HandleRowUpdate(model.RowUpdate{
		ConversationID: "user-2",
		Messages:       []model.WireMessage{{ID: "x", Role: "human", Content: "not mine"}},
	})

	assert.Empty(t, s.View().Messages)
}

func TestSession_InboundEchoAndDuplicates(t *testing.T) {
	ch := &fakeChannel{}
	s := newTestSession(t, newFakeBackend(), ch, Options{ConversationID: "guest-7", NewID: seqIDs()})
	require.NoError(t, s.Start(context.Background()))
	require.NotNil(t, ch.handlers.Broadcast)

	deliver := func(source, content string) {
		ch.handlers.Broadcast(model.EventNewMessage, wireJSON(t, model.WireMessage{Role: "ai", Source: source, Content: content}))
	}
	ch.handlers.Broadcast(model.EventNewMessage, wireJSON(t, model.WireMessage{Role: "human", Source: "human", Content: "my own echo"}))
	deliver("admin", "A")
	deliver("admin", "A")
	deliver("admin", "B")
	deliver("admin", "A")
	ch.handlers.Broadcast(model.EventNewMessage, json.RawMessage(`{not json`))

	assert.Equal(t, []string{"A", "B", "A"}, contents(s.View().Messages))
	for _, m := range s.View().Messages {
		assert.Equal(t, model.SourceAdmin, m.Source)
	}
}

func TestSession_TypingFromCounterpart(t *testing.T) {
	ch := &fakeChannel{}
	s := newTestSession(t, newFakeBackend(), ch, Options{ConversationID: "guest-7", Now: time.Now})
	require.NoError(t, s.Start(context.Background()))

	ch.handlers.Broadcast(model.EventTyping, wireJSON(t, model.TypingEvent{Source: "human"}))
	assert.False(t, s.View().CounterpartTyping, "own heartbeat ignored")

	ch.handlers.Broadcast(model.EventTyping, wireJSON(t, model.TypingEvent{Source: "admin"}))
	assert.True(t, s.View().CounterpartTyping)

	ch.handlers.Broadcast(model.EventNewMessage, wireJSON(t, model.WireMessage{Role: "ai", Source: "admin", Content: "here"}))
	assert.False(t, s.View().CounterpartTyping, "a message ends the typing indicator")
}

func TestSession_InboundMessageStaysAbovePlaceholder(t *testing.T) {
	ch := &fakeChannel{}
	b := newFakeBackend()
	release := make(chan struct{})
	b.stream = func(context.Context, backend.SendRequest) (string, error) {
		<-release
		return "", nil
	}
	s := newTestSession(t, b, ch, Options{ConversationID: "guest-1", NewID: seqIDs("u1", "p1", "a1")})
	require.NoError(t, s.Start(context.Background()))

	errc := make(chan error, 1)
	go func() { errc <- s.Send(context.Background(), "hello", nil) }()
	require.Eventually(t, func() bool { return len(s.View().Messages) == 2 }, time.Second, time.Millisecond)

	ch.handlers.Broadcast(model.EventNewMessage, wireJSON(t, model.WireMessage{Role: "ai", Source: "admin", Content: "Terry here"}))
	assert.Equal(t, []string{"u1", "a1", "p1"}, ids(s.View().Messages))

	close(release)
	require.NoError(t, <-errc)
	assert.Equal(t, []string{"u1", "a1"}, ids(s.View().Messages), "empty reply removes the placeholder")
}

func TestSession_DuplicateInboundWhilePending(t *testing.T) {
	ch := &fakeChannel{}
	b := newFakeBackend()
	release := make(chan struct{})
	b.stream = func(context.Context, backend.SendRequest) (string, error) {
		<-release
		return "", nil
	}
	s := newTestSession(t, b, ch, Options{ConversationID: "guest-1", NewID: seqIDs("u1", "p1", "a1", "a2")})
	require.NoError(t, s.Start(context.Background()))

	errc := make(chan error, 1)
	go func() { errc <- s.Send(context.Background(), "hello", nil) }()
	require.Eventually(t, func() bool { return len(s.View().Messages) == 2 }, time.Second, time.Millisecond)

	admin := wireJSON(t, model.WireMessage{Role: "ai", Source: "admin", Content: "Terry here"})
	ch.handlers.Broadcast(model.EventNewMessage, admin)
	ch.handlers.Broadcast(model.EventNewMessage, admin)
	assert.Equal(t, []string{"hello", "Terry here", ""}, contents(s.View().Messages))

	close(release)
	require.NoError(t, <-errc)
	assert.Equal(t, []string{"hello", "Terry here"}, contents(s.View().Messages))
}

func TestSession_BroadcastsOwnMessage(t *testing.T) {
	ch := &fakeChannel{}
	b := newFakeBackend()
	b.settings.AIEnabled = false
	s := newTestSession(t, b, ch, Options{ConversationID: "guest-2", NewID: seqIDs("u1")})
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Send(context.Background(), "still available?", nil))
	require.NoError(t, s.Close())

	events := ch.events()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventNewMessage, events[0].event)
	var w model.WireMessage
	require.NoError(t, json.Unmarshal(events[0].payload, &w))
	assert.Equal(t, "human", w.Role)
	assert.Equal(t, "human", w.Source)
	assert.Equal(t, "still available?", w.Content)
	assert.Equal(t, 1, ch.unsubscribed)
}

func TestSession_NotifyTypingThrottled(t *testing.T) {
	ch := &fakeChannel{}
	s := newTestSession(t, newFakeBackend(), ch, Options{ConversationID: "guest-3", Actor: model.SourceAdmin})

	s.NotifyTyping(context.Background())
	require.NoError(t, s.Start(context.Background()))
	s.NotifyTyping(context.Background())
	s.NotifyTyping(context.Background())

	events := ch.events()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventTyping, events[0].event)
	assert.JSONEq(t, `{"source":"admin"}`, string(events[0].payload))
}

func TestSession_AdminSend(t *testing.T) {
	ch := &fakeChannel{}
	b := newFakeBackend()
	s := newTestSession(t, b, ch, Options{ConversationID: "user-5", Actor: model.SourceAdmin, NewID: seqIDs("m1")})
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Send(context.Background(), "Terry here, $40 works", nil))
	require.NoError(t, s.Close())

	msgs := s.View().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleAssistant, msgs[0].Role)
	assert.Equal(t, model.SourceAdmin, msgs[0].Source)
	assert.Equal(t, []string{"Terry here, $40 works"}, b.adminSent)
	assert.Empty(t, b.streamReqs)

	events := ch.events()
	require.Len(t, events, 1)
	var w model.WireMessage
	require.NoError(t, json.Unmarshal(events[0].payload, &w))
	assert.Equal(t, "admin", w.Source)
}

func TestSession_AdminSendFailureRemovesMessage(t *testing.T) {
	b := newFakeBackend()
	b.adminErr = errors.New("forbidden")
	s := newTestSession(t, b, nil, Options{Actor: model.SourceAdmin})

	require.Error(t, s.Send(context.Background(), "hello", nil))

	v := s.View()
	assert.Empty(t, v.Messages)
	assert.Contains(t, v.Err, "forbidden")
}

func TestSession_CloseDiscardsLateResponse(t *testing.T) {
	b := newFakeBackend()
	release := make(chan struct{})
	b.stream = func(context.Context, backend.SendRequest) (string, error) {
		<-release
		return "too late", nil
	}
	s := newTestSession(t, b, nil, Options{NewID: seqIDs("u1", "p1")})

	errc := make(chan error, 1)
	go func() { errc <- s.Send(context.Background(), "hi", nil) }()
	require.Eventually(t, func() bool { return s.Phase() == PhaseStreaming }, time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	close(release)

	assert.ErrorIs(t, <-errc, ErrClosed)
	assert.Equal(t, []string{"u1", "p1"}, ids(s.View().Messages))
	assert.ErrorIs(t, s.Send(context.Background(), "again", nil), ErrClosed)
}

func TestSession_StartReportsSubscribeFailure(t *testing.T) {
	ch := &fakeChannel{subscribeErr: errors.New("dial refused")}
	b := newFakeBackend()
	b.rows = []model.WireMessage{{ID: "r1", Role: "human", Content: "hi"}}
	s := newTestSession(t, b, ch, Options{})

	err := s.Start(context.Background())

	require.Error(t, err)
	assert.Equal(t, []string{"hi"}, contents(s.View().Messages), "history still loads")
	require.NoError(t, s.Close())
	assert.Zero(t, ch.unsubscribed)
}

func TestSession_ClearHistory(t *testing.T) {
	b := newFakeBackend()
	b.rows = []model.WireMessage{{ID: "r1", Role: "human", Content: "hi"}}
	s := newTestSession(t, b, nil, Options{})
	require.NoError(t, s.Start(context.Background()))
	require.Len(t, s.View().Messages, 1)

	s.ClearHistory(context.Background())

	assert.Empty(t, s.View().Messages)
	assert.Equal(t, []string{"user-1"}, b.cleared)

	guest := newTestSession(t, b, nil, Options{ConversationID: "guest-9"})
	guest.ClearHistory(context.Background())
	assert.Equal(t, []string{"user-1"}, b.cleared)
}

func TestNewSession_PlaybackDefaults(t *testing.T) {
	s := NewSession(newFakeBackend(), nil, Options{ConversationID: "guest-1"})
	t.Cleanup(func() { _ = s.Close() })

	assert.Equal(t, DefaultTickInterval, s.opts.TickInterval)
	assert.Equal(t, DefaultParagraphPause, s.opts.ParagraphPause)
	assert.Equal(t, DefaultHistoryLimit, s.opts.HistoryLimit)
	assert.Equal(t, DefaultBroadcastTimeout, s.opts.BroadcastTimeout)
}

func TestSession_DefaultPlaybackIsPaced(t *testing.T) {
	b := newFakeBackend()
	b.stream = func(context.Context, backend.SendRequest) (string, error) {
		return "abc\n\nd", nil
	}
	s := NewSession(b, nil, Options{ConversationID: "guest-1", Step: func() int { return 1 }})
	t.Cleanup(func() { _ = s.Close() })

	start := time.Now()
	require.NoError(t, s.Send(context.Background(), "hi", nil))
	elapsed := time.Since(start)

	// Four runes, one per tick, plus one pause between the paragraphs.
	assert.GreaterOrEqual(t, elapsed, 4*DefaultTickInterval+DefaultParagraphPause)
	assert.Equal(t, []string{"hi", "abc", "d"}, contents(s.View().Messages))
}

func TestSession_AbortedPlaybackFinishesAndReleases(t *testing.T) {
	b := newFakeBackend()
	b.stream = func(context.Context, backend.SendRequest) (string, error) {
		return "Hi there!\n\nHow can I help?", nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	steps := 0
	step := func() int {
		steps++
		if steps == 2 {
			cancel()
		}
		return 1
	}
	s := newTestSession(t, b, nil, Options{ConversationID: "guest-9", NewID: seqIDs("u1", "p1"), Step: step})

	err := s.Send(ctx, "Hello", nil)
	require.ErrorIs(t, err, context.Canceled)

	v := s.View()
	assert.Equal(t, PhaseIdle, s.Phase())
	assert.False(t, v.Loading)
	assert.Equal(t, []string{"u1", "p1-0", "p1-1"}, ids(v.Messages))
	assert.Equal(t, []string{"Hello", "Hi there!", "How can I help?"}, contents(v.Messages))

	b.stream = func(context.Context, backend.SendRequest) (string, error) { return "ok", nil }
	require.NoError(t, s.Send(context.Background(), "again", nil), "guard released after abort")
}
