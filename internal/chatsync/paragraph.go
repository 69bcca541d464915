package chatsync

import (
	"fmt"
	"strings"

	"github.com/terryong31/nego-lah/internal/model"
)

// ParagraphSeparator splits assistant responses into separate bubbles.
const ParagraphSeparator = "\n\n"

// SplitParagraphs splits text on blank lines. Segments are trimmed and
// empty ones dropped, so joining the result with ParagraphSeparator and
// splitting again yields the same segments.
func SplitParagraphs(text string) []string {
	parts := strings.Split(text, ParagraphSeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SubID is the id of paragraph index of message parentID.
func SubID(parentID string, index int) string {
	return fmt.Sprintf("%s-%d", parentID, index)
}

// explode splits an assistant message containing blank lines into one
// message per paragraph. Other messages are returned unchanged.
func explode(m model.Message) []model.Message {
	if m.Role != model.RoleAssistant || !strings.Contains(m.Content, ParagraphSeparator) {
		return []model.Message{m}
	}
	paras := SplitParagraphs(m.Content)
	out := make([]model.Message, 0, len(paras))
	for i, p := range paras {
		sub := m
		sub.ID = SubID(m.ID, i)
		sub.ParentID = m.ID
		sub.Content = p
		out = append(out, sub)
	}
	return out
}
