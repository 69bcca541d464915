// Package chatsync keeps one conversation's message list in sync across
// the history endpoint, the send pipeline and the realtime channel.
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/terryong31/nego-lah/internal/backend"
	"github.com/terryong31/nego-lah/internal/logging"
	"github.com/terryong31/nego-lah/internal/model"
	"github.com/terryong31/nego-lah/internal/realtime"
)

var (
	ErrEmptyMessage = errors.New("message or attachments required")
	ErrClosed       = errors.New("session closed")
	ErrBusy         = errors.New("session busy")
)

// GuestPrefix marks conversations without persisted history.
const GuestPrefix = "guest-"

const (
	DefaultHistoryLimit     = 10
	DefaultBroadcastTimeout = 5 * time.Second
)

// Backend is the subset of the REST backend a Session uses.
type Backend interface {
	History(ctx context.Context, conversationID string, limit, offset int) ([]model.WireMessage, error)
	Settings(ctx context.Context, conversationID string) (model.Settings, error)
	Stream(ctx context.Context, req backend.SendRequest) (string, error)
	Send(ctx context.Context, req backend.SendRequest) (string, error)
	Clear(ctx context.Context, conversationID string) error
	AdminSend(ctx context.Context, conversationID, message string) error
}

// Phase is the session's mutual-exclusion state.
type Phase int

const (
	// PhaseIdle accepts sends and reconciliation.
	PhaseIdle Phase = iota
	// PhaseStreaming covers an in-flight send and its typing playback.
	PhaseStreaming
	// PhaseReconciling is held while a row update replaces the store.
	PhaseReconciling
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStreaming:
		return "streaming"
	case PhaseReconciling:
		return "reconciling"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

var transitions = map[Phase][]Phase{
	PhaseIdle:        {PhaseStreaming, PhaseReconciling},
	PhaseStreaming:   {PhaseIdle},
	PhaseReconciling: {PhaseIdle},
}

// View is what a renderer needs to draw the conversation.
type View struct {
	Messages          []model.Message
	Loading           bool
	CounterpartTyping bool
	HasMore           bool
	Err               string
}

// Options configures a Session. Zero values select the defaults.
type Options struct {
	ConversationID string
	// Actor is the local side: model.SourceUser or model.SourceAdmin.
	Actor  model.Source
	ItemID string

	HistoryLimit     int
	TickInterval     time.Duration
	ParagraphPause   time.Duration
	TypingQuiet      time.Duration
	BroadcastTimeout time.Duration

	// Step returns how many runes each playback tick reveals.
	Step  func() int
	Now   func() time.Time
	NewID func() string

	Logger *zap.Logger
}

// Session owns the message store of one conversation. It is safe for
// concurrent use; watchers are called one at a time and must not call
// mutating Session methods synchronously.
type Session struct {
	opts    Options
	backend Backend
	channel realtime.Channel
	log     *zap.Logger
	typing  *TypingIndicator
	heartbt *rate.Limiter

	notifyMu sync.Mutex

	mu            sync.Mutex
	store         *Store
	phase         Phase
	loading       bool
	errMsg        string
	touched       bool
	historyLoaded bool
	hasMore       bool
	subscribed    bool
	closed        bool
	watchers      map[int]func(View)
	nextWatcher   int

	wg sync.WaitGroup
}

// NewSession creates a Session. channel may be nil when no realtime
// transport is available.
func NewSession(b Backend, channel realtime.Channel, opts Options) *Session {
	if opts.Actor == "" {
		opts.Actor = model.SourceUser
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.BroadcastTimeout <= 0 {
		opts.BroadcastTimeout = DefaultBroadcastTimeout
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.ParagraphPause <= 0 {
		opts.ParagraphPause = DefaultParagraphPause
	}
	if opts.Step == nil {
		opts.Step = RandomStep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	s := &Session{
		opts:     opts,
		backend:  b,
		channel:  channel,
		log:      logging.OrNop(opts.Logger).Named("chatsync").With(zap.String("conversation_id", opts.ConversationID)),
		heartbt:  rate.NewLimiter(rate.Every(time.Second), 1),
		store:    NewStore(),
		hasMore:  !isGuest(opts.ConversationID),
		watchers: make(map[int]func(View)),
	}
	s.typing = NewTypingIndicator(opts.TypingQuiet, func(bool) { s.publish() })
	return s
}

// Start subscribes to the realtime channel and loads the first history
// page. A subscription failure is returned after history is loaded; the
// session keeps working without realtime updates.
func (s *Session) Start(ctx context.Context) error {
	subErr := s.subscribe(ctx)
	s.LoadHistory(ctx)
	return subErr
}

// Close tears down the subscription and waits for background broadcasts.
// Results arriving afterwards are discarded.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subscribed := s.subscribed
	s.subscribed = false
	s.mu.Unlock()

	var err error
	if subscribed {
		err = s.channel.Unsubscribe()
	}
	s.wg.Wait()
	s.typing.Stop()
	return err
}

// Watch registers fn to receive a View after every change. The returned
// function unregisters it.
func (s *Session) Watch(fn func(View)) (cancel func()) {
	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// View returns the current state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Phase returns the current mutual-exclusion phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// DismissError clears the visible error.
func (s *Session) DismissError() {
	s.mu.Lock()
	s.errMsg = ""
	s.mu.Unlock()
	s.publish()
}

// ClearHistory empties the conversation locally and asks the backend to
// purge it. Backend failures are logged only.
func (s *Session) ClearHistory(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.store.Clear()
	s.touched = true
	s.hasMore = false
	s.mu.Unlock()
	s.publish()

	if isGuest(s.opts.ConversationID) {
		return
	}
	if err := s.backend.Clear(ctx, s.opts.ConversationID); err != nil {
		s.log.Warn("clear history failed", zap.Error(err))
	}
}

// transition moves the phase from "from" to "to". Callers hold s.mu.
func (s *Session) transition(from, to Phase) error {
	if s.phase != from {
		return fmt.Errorf("%w: %s, want %s", ErrBusy, s.phase, from)
	}
	for _, p := range transitions[from] {
		if p == to {
			s.phase = to
			return nil
		}
	}
	return fmt.Errorf("invalid phase transition %s -> %s", from, to)
}

func (s *Session) viewLocked() View {
	return View{
		Messages:          s.store.Snapshot(),
		Loading:           s.loading,
		CounterpartTyping: s.typing.Active(),
		HasMore:           s.hasMore,
		Err:               s.errMsg,
	}
}

// publish delivers the current View to every watcher. notifyMu keeps
// deliveries in snapshot order.
func (s *Session) publish() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.closed || len(s.watchers) == 0 {
		s.mu.Unlock()
		return
	}
	v := s.viewLocked()
	fns := make([]func(View), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// normalize converts backend rows into store messages, splitting assistant
// paragraphs. Rows with an unknown role are dropped.
func (s *Session) normalize(rows []model.WireMessage) []model.Message {
	now := s.opts.Now()
	out := make([]model.Message, 0, len(rows))
	for _, w := range rows {
		m, ok := model.FromWire(w, s.opts.NewID(), now)
		if !ok {
			s.log.Debug("dropping row with unknown role", zap.String("role", w.Role))
			continue
		}
		out = append(out, explode(m)...)
	}
	return out
}

func isGuest(conversationID string) bool {
	return strings.HasPrefix(conversationID, GuestPrefix)
}
