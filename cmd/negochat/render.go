package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/terryong31/nego-lah/internal/chatsync"
	"github.com/terryong31/nego-lah/internal/model"
)

// renderer writes the changes between successive views as plain lines.
// A message whose content grows while it is the last line written is
// extended in place, so typing playback reads as a stream.
type renderer struct {
	out   io.Writer
	actor model.Source

	printed map[string]string
	lastID  string
	typing  bool
	errMsg  string
}

func newRenderer(out io.Writer, actor model.Source) *renderer {
	return &renderer{out: out, actor: actor, printed: make(map[string]string)}
}

func (r *renderer) Draw(v chatsync.View) {
	if len(v.Messages) == 0 && len(r.printed) > 0 {
		r.line("(conversation is empty)")
		clear(r.printed)
		r.lastID = ""
	}

	// Unseen messages above the first printed one come from older pages.
	firstSeen := -1
	for i, m := range v.Messages {
		if _, ok := r.printed[m.ID]; ok {
			firstSeen = i
			break
		}
	}

	for i, m := range v.Messages {
		prev, seen := r.printed[m.ID]
		switch {
		case m.Pending():
			continue
		case !seen:
			prefix := ""
			if i < firstSeen {
				prefix = "^ "
			}
			r.line(prefix + r.label(m) + ": " + m.Content + attachmentNote(m))
			r.lastID = m.ID
		case m.Content == prev:
			continue
		case r.lastID == m.ID && strings.HasPrefix(m.Content, prev):
			fmt.Fprint(r.out, m.Content[len(prev):])
		default:
			r.line(r.label(m) + ": " + m.Content)
			r.lastID = m.ID
		}
		r.printed[m.ID] = m.Content
	}

	if v.CounterpartTyping && !r.typing {
		r.line("(typing...)")
		r.lastID = ""
	}
	r.typing = v.CounterpartTyping

	if v.Err != "" && v.Err != r.errMsg {
		r.line("! " + v.Err)
		r.lastID = ""
	}
	r.errMsg = v.Err
}

// Note prints a status line from the console.
func (r *renderer) Note(s string) {
	r.line(s)
	r.lastID = ""
}

func (r *renderer) line(s string) {
	fmt.Fprint(r.out, "\n"+s)
}

func (r *renderer) label(m model.Message) string {
	switch m.Source {
	case model.SourceSystem:
		return "*"
	case r.actor:
		return "you"
	case model.SourceUser:
		return "buyer"
	case model.SourceAdmin:
		return "seller"
	}
	return "ai"
}

func attachmentNote(m model.Message) string {
	if len(m.Attachments) == 0 {
		return ""
	}
	names := make([]string, len(m.Attachments))
	for i, a := range m.Attachments {
		names[i] = a.Name
	}
	return " [" + strings.Join(names, ", ") + "]"
}
