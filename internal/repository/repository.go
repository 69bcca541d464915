// Package repository persists conversations: the ordered message rows of
// each conversation and its chat settings.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/terryong31/nego-lah/internal/model"
)

// ErrNotFound is returned when a conversation has no stored settings.
var ErrNotFound = errors.New("repository: not found")

// ConversationStore stores conversations as ordered rows
type ConversationStore interface {
	// Append stores msgs at the end of the conversation and returns the
	// full message array afterwards. Missing ids and timestamps are filled in.
	Append(ctx context.Context, conversationID string, msgs ...model.WireMessage) ([]model.WireMessage, error)
	// History returns up to limit rows in chronological order, skipping the
	// offset newest rows.
	History(ctx context.Context, conversationID string, limit, offset int) ([]model.WireMessage, error)
	// All returns every row of the conversation.
	All(ctx context.Context, conversationID string) ([]model.WireMessage, error)
	// Summaries lists conversations, most recently active first.
	Summaries(ctx context.Context) ([]model.ConversationSummary, error)
	Clear(ctx context.Context, conversationID string) error
	Settings(ctx context.Context, conversationID string) (model.Settings, error)
	SetSettings(ctx context.Context, conversationID string, s model.Settings) error
}

// Page applies history pagination to a chronological slice.
func Page(all []model.WireMessage, limit, offset int) []model.WireMessage {
	end := len(all) - max(offset, 0)
	if end <= 0 {
		return []model.WireMessage{}
	}
	start := 0
	if limit > 0 {
		start = max(0, end-limit)
	}
	return append([]model.WireMessage{}, all[start:end]...)
}

// stamp fills in id and timestamp of rows about to be stored.
func stamp(msgs []model.WireMessage, now time.Time) []model.WireMessage {
	out := make([]model.WireMessage, len(msgs))
	for i, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		out[i] = m
	}
	return out
}
