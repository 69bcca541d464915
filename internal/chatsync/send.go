package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/terryong31/nego-lah/internal/backend"
	"github.com/terryong31/nego-lah/internal/model"
)

// Send submits a user message. It appends the message, and a response
// placeholder when automated responses are enabled, then plays back the
// response once the backend delivers it in full. Send returns after
// playback has finished.
func (s *Session) Send(ctx context.Context, text string, files []backend.File) error {
	text = strings.TrimSpace(text)
	if text == "" && len(files) == 0 {
		return ErrEmptyMessage
	}
	if s.opts.Actor == model.SourceAdmin {
		return s.sendAsAdmin(ctx, text)
	}

	attachments := attachmentsFor(files)

	aiEnabled := true
	if st, err := s.backend.Settings(ctx, s.opts.ConversationID); err != nil {
		s.log.Debug("settings unavailable, assuming ai enabled", zap.Error(err))
	} else {
		aiEnabled = st.AIEnabled
	}

	user := model.Message{
		ID:          s.opts.NewID(),
		Role:        model.RoleUser,
		Source:      model.SourceUser,
		Content:     text,
		Timestamp:   s.opts.Now(),
		Attachments: attachments,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if err := s.transition(PhaseIdle, PhaseStreaming); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.endStreaming()

	s.touched = true
	s.errMsg = ""
	s.store.Append(user)
	var placeholderID string
	if aiEnabled {
		placeholderID = s.appendPlaceholderLocked()
	}
	s.mu.Unlock()
	s.publish()

	s.broadcast(model.EventNewMessage, model.ToWire(user))

	req := backend.SendRequest{
		ConversationID: s.opts.ConversationID,
		Message:        text,
		ItemID:         s.opts.ItemID,
		Files:          files,
	}

	full, err := s.backend.Stream(ctx, req)
	if err != nil {
		s.log.Info("stream failed, falling back", zap.Error(err))
		full, err = s.backend.Send(ctx, req)
		if err != nil {
			s.fail(placeholderID, err)
			return err
		}
		s.fill(placeholderID, full)
		return nil
	}

	if placeholderID == "" {
		if strings.TrimSpace(full) == "" {
			return nil
		}
		s.mu.Lock()
		placeholderID = s.appendPlaceholderLocked()
		s.mu.Unlock()
	}
	return s.play(ctx, placeholderID, full)
}

// sendAsAdmin stores a message written by the admin. No placeholder is
// shown; a failed send removes the optimistic entry.
func (s *Session) sendAsAdmin(ctx context.Context, text string) error {
	msg := model.Message{
		ID:        s.opts.NewID(),
		Role:      model.RoleAssistant,
		Source:    model.SourceAdmin,
		Content:   text,
		Timestamp: s.opts.Now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if err := s.transition(PhaseIdle, PhaseStreaming); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.endStreaming()

	s.touched = true
	s.errMsg = ""
	s.store.Append(msg)
	s.mu.Unlock()
	s.publish()

	s.broadcast(model.EventNewMessage, model.ToWire(msg))

	if err := s.backend.AdminSend(ctx, s.opts.ConversationID, text); err != nil {
		s.mu.Lock()
		s.store.Remove(msg.ID)
		s.errMsg = fmt.Sprintf("Failed to send message: %v", err)
		s.mu.Unlock()
		s.publish()
		return err
	}
	return nil
}

// play reveals full paragraph by paragraph. The first paragraph takes the
// placeholder's position; later ones are appended after a pause.
func (s *Session) play(ctx context.Context, placeholderID, full string) error {
	paras := SplitParagraphs(full)
	if len(paras) == 0 {
		s.mu.Lock()
		s.store.Remove(placeholderID)
		s.mu.Unlock()
		s.publish()
		return nil
	}

	for i, p := range paras {
		sub := model.Message{
			ID:        SubID(placeholderID, i),
			ParentID:  placeholderID,
			Role:      model.RoleAssistant,
			Source:    model.SourceAI,
			Timestamp: s.opts.Now(),
		}

		if i > 0 {
			if err := sleepCtx(ctx, s.opts.ParagraphPause); err != nil {
				s.finishInstantly(placeholderID, paras, i)
				return err
			}
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		if i == 0 {
			s.store.Splice(placeholderID, sub)
		} else {
			s.store.Append(sub)
		}
		s.mu.Unlock()
		s.publish()

		for prefix := range Reveal(p, s.opts.Step) {
			if err := sleepCtx(ctx, s.opts.TickInterval); err != nil {
				s.finishInstantly(placeholderID, paras, i)
				return err
			}
			if err := s.setContent(sub.ID, prefix); err != nil {
				if errors.Is(err, errMessageGone) {
					return nil
				}
				return err
			}
		}
	}
	return nil
}

// finishInstantly writes paragraphs from index on without animation so an
// aborted playback leaves the full response behind.
func (s *Session) finishInstantly(placeholderID string, paras []string, from int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for i := from; i < len(paras); i++ {
		id := SubID(placeholderID, i)
		if !s.store.Update(id, paras[i]) {
			s.store.Append(model.Message{
				ID:        id,
				ParentID:  placeholderID,
				Role:      model.RoleAssistant,
				Source:    model.SourceAI,
				Content:   paras[i],
				Timestamp: s.opts.Now(),
			})
		}
	}
	s.mu.Unlock()
	s.publish()
}

// errMessageGone stops playback of a message that was cleared meanwhile.
var errMessageGone = errors.New("message no longer in store")

func (s *Session) setContent(id, content string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	ok := s.store.Update(id, content)
	s.mu.Unlock()
	if !ok {
		return errMessageGone
	}
	s.publish()
	return nil
}

// fill puts a non-streamed response into the placeholder.
func (s *Session) fill(placeholderID, full string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	switch {
	case placeholderID == "" && full != "":
		s.store.Append(model.Message{
			ID:        s.opts.NewID(),
			Role:      model.RoleAssistant,
			Source:    model.SourceAI,
			Content:   full,
			Timestamp: s.opts.Now(),
		})
	case full == "":
		s.store.Remove(placeholderID)
	default:
		s.store.Update(placeholderID, full)
	}
	s.mu.Unlock()
	s.publish()
}

func (s *Session) fail(placeholderID string, err error) {
	s.log.Warn("send failed", zap.Error(err))
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if placeholderID != "" {
		s.store.Remove(placeholderID)
	}
	s.errMsg = sendErrorText(err)
	s.mu.Unlock()
	s.publish()
}

func (s *Session) appendPlaceholderLocked() string {
	id := s.opts.NewID()
	s.store.Append(model.Message{
		ID:        id,
		Role:      model.RoleAssistant,
		Source:    model.SourceAI,
		Timestamp: s.opts.Now(),
	})
	s.loading = true
	return id
}

// endStreaming releases PhaseStreaming. It runs on every exit path of a send.
func (s *Session) endStreaming() {
	s.mu.Lock()
	if err := s.transition(PhaseStreaming, PhaseIdle); err != nil {
		s.log.Error("phase release failed", zap.Error(err))
		s.phase = PhaseIdle
	}
	s.loading = false
	s.mu.Unlock()
	s.publish()
}

// broadcast sends event to the counterpart in the background. Failures are
// logged only; Close waits for in-flight broadcasts.
func (s *Session) broadcast(event string, payload any) {
	if s.channel == nil {
		return
	}
	s.mu.Lock()
	if s.closed || !s.subscribed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.BroadcastTimeout)
		defer cancel()
		if err := s.channel.Send(ctx, event, payload); err != nil {
			s.log.Debug("broadcast failed", zap.String("event", event), zap.Error(err))
		}
	}()
}

func sendErrorText(err error) string {
	var se *backend.StatusError
	if errors.As(err, &se) && se.Detail != "" {
		return "Failed to send message: " + se.Detail
	}
	return "Failed to send message. Please try again."
}
