package chatsync

import (
	"slices"

	"github.com/terryong31/nego-lah/internal/model"
)

// Store is the ordered, id-unique message list of one conversation.
// Insertion order is chronological order. Store is not safe for
// concurrent use; Session guards it.
type Store struct {
	msgs []model.Message
	ids  map[string]struct{}
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{ids: make(map[string]struct{})}
}

func (s *Store) Len() int {
	return len(s.msgs)
}

// Append adds msgs at the tail, skipping ids already present. It returns
// the number of messages added.
func (s *Store) Append(msgs ...model.Message) int {
	added := 0
	for _, m := range msgs {
		if !s.claim(m.ID) {
			continue
		}
		s.msgs = append(s.msgs, m)
		added++
	}
	return added
}

// Prepend adds older msgs before the current head, keeping their order and
// skipping ids already present.
func (s *Store) Prepend(msgs []model.Message) int {
	fresh := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if s.claim(m.ID) {
			fresh = append(fresh, m)
		}
	}
	s.msgs = append(fresh, s.msgs...)
	return len(fresh)
}

// Replace discards the current contents in favour of msgs. Later
// duplicates of an id inside msgs are dropped.
func (s *Store) Replace(msgs []model.Message) {
	s.Clear()
	s.Append(msgs...)
}

// Update sets the content of message id.
func (s *Store) Update(id, content string) bool {
	i := s.index(id)
	if i < 0 {
		return false
	}
	s.msgs[i].Content = content
	return true
}

// Splice replaces message id with msgs at the same position.
func (s *Store) Splice(id string, msgs ...model.Message) bool {
	i := s.index(id)
	if i < 0 {
		return false
	}
	delete(s.ids, id)
	fresh := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if s.claim(m.ID) {
			fresh = append(fresh, m)
		}
	}
	s.msgs = slices.Replace(s.msgs, i, i+1, fresh...)
	return true
}

// Remove deletes message id.
func (s *Store) Remove(id string) bool {
	i := s.index(id)
	if i < 0 {
		return false
	}
	delete(s.ids, id)
	s.msgs = slices.Delete(s.msgs, i, i+1)
	return true
}

func (s *Store) Get(id string) (model.Message, bool) {
	i := s.index(id)
	if i < 0 {
		return model.Message{}, false
	}
	return s.msgs[i], true
}

func (s *Store) Last() (model.Message, bool) {
	if len(s.msgs) == 0 {
		return model.Message{}, false
	}
	return s.msgs[len(s.msgs)-1], true
}

// PendingTail returns the id of the response placeholder when it sits at the tail.
func (s *Store) PendingTail() (string, bool) {
	last, ok := s.Last()
	if !ok || !last.Pending() {
		return "", false
	}
	return last.ID, true
}

// LastSettled returns the last message, skipping a pending placeholder at the tail.
func (s *Store) LastSettled() (model.Message, bool) {
	n := len(s.msgs)
	if _, ok := s.PendingTail(); ok {
		n--
	}
	if n <= 0 {
		return model.Message{}, false
	}
	return s.msgs[n-1], true
}

// RowCount is the number of backend rows represented: paragraph
// sub-messages of one row count once and placeholders not at all.
func (s *Store) RowCount() int {
	seen := make(map[string]struct{}, len(s.msgs))
	for _, m := range s.msgs {
		if m.Pending() && m.ParentID == "" {
			continue
		}
		seen[m.RowID()] = struct{}{}
	}
	return len(seen)
}

// Snapshot returns a copy safe to hand to other goroutines.
func (s *Store) Snapshot() []model.Message {
	out := make([]model.Message, len(s.msgs))
	for i, m := range s.msgs {
		m.Attachments = slices.Clone(m.Attachments)
		out[i] = m
	}
	return out
}

func (s *Store) Clear() {
	s.msgs = nil
	s.ids = make(map[string]struct{})
}

func (s *Store) claim(id string) bool {
	if _, dup := s.ids[id]; dup {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *Store) index(id string) int {
	if _, ok := s.ids[id]; !ok {
		return -1
	}
	return slices.IndexFunc(s.msgs, func(m model.Message) bool { return m.ID == id })
}
