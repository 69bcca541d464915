package chatsync

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/terryong31/nego-lah/internal/model"
	"github.com/terryong31/nego-lah/internal/realtime"
)

func (s *Session) subscribe(ctx context.Context) error {
	if s.channel == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	err := s.channel.Subscribe(ctx, s.opts.ConversationID, realtime.Handlers{
		RowUpdate: s.HandleRowUpdate,
		Broadcast: s.HandleBroadcast,
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.mu.Lock()
	closed := s.closed
	s.subscribed = !closed
	s.mu.Unlock()
	if closed {
		// Close ran while dialing; it did not know about this subscription.
		return s.channel.Unsubscribe()
	}
	return nil
}

// HandleRowUpdate replaces the store with the stored conversation unless
// a send or its playback is in progress, in which case the update is dropped.
func (s *Session) HandleRowUpdate(u model.RowUpdate) {
	if u.ConversationID != "" && u.ConversationID != s.opts.ConversationID {
		return
	}
	msgs := s.normalize(u.Messages)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if err := s.transition(PhaseIdle, PhaseReconciling); err != nil {
		s.mu.Unlock()
		s.log.Debug("row update dropped", zap.Error(err))
		return
	}
	s.store.Replace(msgs)
	s.touched = true
	if err := s.transition(PhaseReconciling, PhaseIdle); err != nil {
		s.log.Error("phase release failed", zap.Error(err))
		s.phase = PhaseIdle
	}
	s.mu.Unlock()
	s.publish()
}

// HandleBroadcast applies a counterpart broadcast. Unknown events and
// malformed payloads are ignored.
func (s *Session) HandleBroadcast(event string, payload json.RawMessage) {
	switch event {
	case model.EventNewMessage:
		var w model.WireMessage
		if err := json.Unmarshal(payload, &w); err != nil {
			s.log.Debug("ignoring malformed new_message", zap.Error(err))
			return
		}
		s.receive(w)
	case model.EventTyping:
		var ev model.TypingEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			s.log.Debug("ignoring malformed typing", zap.Error(err))
			return
		}
		if src, ok := model.ParseSource(ev.Source); ok && src == s.opts.Actor {
			return
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.typing.Observe(s.opts.Now())
		}
	}
}

// receive appends a counterpart message. Messages from the local actor and
// repeats of the last settled message are dropped; a pending placeholder
// stays last.
func (s *Session) receive(w model.WireMessage) {
	msg, ok := model.FromWire(w, s.opts.NewID(), s.opts.Now())
	if !ok {
		return
	}
	if msg.Source == s.opts.Actor {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if last, ok := s.store.LastSettled(); ok && last.Content == msg.Content && last.Source == msg.Source {
		s.mu.Unlock()
		return
	}
	if pendingID, ok := s.store.PendingTail(); ok {
		pending, _ := s.store.Get(pendingID)
		s.store.Splice(pendingID, msg, pending)
	} else {
		s.store.Append(msg)
	}
	s.mu.Unlock()

	s.typing.Reset()
	s.publish()
}

// NotifyTyping tells the counterpart the local actor is typing. Calls are
// throttled to one heartbeat per second; errors are logged only.
func (s *Session) NotifyTyping(ctx context.Context) {
	if s.channel == nil {
		return
	}
	s.mu.Lock()
	subscribed := s.subscribed && !s.closed
	s.mu.Unlock()
	if !subscribed || !s.heartbt.Allow() {
		return
	}
	if err := s.channel.Send(ctx, model.EventTyping, model.TypingEvent{Source: s.opts.Actor.Wire()}); err != nil {
		s.log.Debug("typing heartbeat failed", zap.Error(err))
	}
}
