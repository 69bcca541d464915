package chatsync

import (
	"context"

	"go.uber.org/zap"
)

// LoadHistory fetches the newest page of the conversation once. Guest
// conversations and backend failures leave the store empty.
func (s *Session) LoadHistory(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.historyLoaded {
		s.mu.Unlock()
		return
	}
	s.historyLoaded = true
	if isGuest(s.opts.ConversationID) {
		s.hasMore = false
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	limit := s.opts.HistoryLimit
	rows, err := s.backend.History(ctx, s.opts.ConversationID, limit, 0)
	if err != nil {
		s.log.Debug("history unavailable", zap.Error(err))
		s.mu.Lock()
		s.hasMore = false
		s.mu.Unlock()
		s.publish()
		return
	}
	msgs := s.normalize(rows)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.touched {
		// Something was sent or reconciled while the page was in flight;
		// keep it and slot the history in front.
		s.store.Prepend(msgs)
	} else {
		s.store.Replace(msgs)
	}
	s.hasMore = len(rows) >= limit
	s.mu.Unlock()

	s.log.Debug("history loaded", zap.Int("rows", len(rows)))
	s.publish()
}

// LoadMore prepends the next older page and reports whether it found any
// messages. After an empty page it stops asking the backend and keeps
// returning false.
func (s *Session) LoadMore(ctx context.Context) bool {
	s.mu.Lock()
	if s.closed || !s.hasMore {
		s.mu.Unlock()
		return false
	}
	offset := s.store.RowCount()
	s.mu.Unlock()

	limit := s.opts.HistoryLimit
	rows, err := s.backend.History(ctx, s.opts.ConversationID, limit, offset)
	if err != nil {
		s.log.Debug("load more failed", zap.Int("offset", offset), zap.Error(err))
		return false
	}
	msgs := s.normalize(rows)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if len(msgs) == 0 {
		s.hasMore = false
		s.mu.Unlock()
		s.publish()
		return false
	}
	added := s.store.Prepend(msgs)
	s.hasMore = len(rows) >= limit
	s.mu.Unlock()

	s.publish()
	return added > 0
}

// ScrollAnchor returns the scroll offset that keeps the viewport still
// after content of the given height growth was inserted above it.
func ScrollAnchor(oldOffset, oldHeight, newHeight int) int {
	return oldOffset + (newHeight - oldHeight)
}
