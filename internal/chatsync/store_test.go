package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terryong31/nego-lah/internal/model"
)

func msg(id string, role model.Role, content string) model.Message {
	return model.Message{ID: id, Role: role, Source: model.DefaultSource(role), Content: content}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestStore_AppendSkipsDuplicateIDs(t *testing.T) {
	s := NewStore()

	added := s.Append(msg("a", model.RoleUser, "1"), msg("b", model.RoleAssistant, "2"), msg("a", model.RoleUser, "dup"))

	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"a", "b"}, ids(s.Snapshot()))
	got, _ := s.Get("a")
	assert.Equal(t, "1", got.Content)
}

func TestStore_PrependKeepsOrder(t *testing.T) {
	s := NewStore()
	s.Append(msg("c", model.RoleUser, "3"))

	n := s.Prepend([]model.Message{msg("a", model.RoleUser, "1"), msg("b", model.RoleUser, "2"), msg("c", model.RoleUser, "again")})

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b", "c"}, ids(s.Snapshot()))
}

func TestStore_SpliceReplacesInPlace(t *testing.T) {
	s := NewStore()
	s.Append(msg("u", model.RoleUser, "hi"), msg("p", model.RoleAssistant, ""), msg("z", model.RoleUser, "later"))

	ok := s.Splice("p", msg("p-0", model.RoleAssistant, ""), msg("u", model.RoleUser, "dup"))

	require.True(t, ok)
	assert.Equal(t, []string{"u", "p-0", "z"}, ids(s.Snapshot()))
	_, found := s.Get("p")
	assert.False(t, found)
	assert.False(t, s.Splice("missing"))
}

func TestStore_UpdateRemoveAndPending(t *testing.T) {
	s := NewStore()
	s.Append(msg("u", model.RoleUser, "hi"), msg("p", model.RoleAssistant, ""))

	id, ok := s.PendingTail()
	require.True(t, ok)
	assert.Equal(t, "p", id)

	assert.True(t, s.Update("p", "hello"))
	_, ok = s.PendingTail()
	assert.False(t, ok)

	assert.True(t, s.Remove("u"))
	assert.False(t, s.Remove("u"))
	assert.False(t, s.Update("u", "x"))
	assert.Equal(t, 1, s.Len())

	// a removed id can be reused
	assert.Equal(t, 1, s.Append(msg("u", model.RoleUser, "back")))
}

func TestStore_LastSettledSkipsPlaceholder(t *testing.T) {
	s := NewStore()
	_, ok := s.LastSettled()
	assert.False(t, ok)

	s.Append(msg("p0", model.RoleAssistant, ""))
	_, ok = s.LastSettled()
	assert.False(t, ok, "a lone placeholder is not settled")

	s.Remove("p0")
	s.Append(msg("u", model.RoleUser, "hi"), msg("a", model.RoleAssistant, "yo"), msg("p", model.RoleAssistant, ""))
	last, ok := s.LastSettled()
	require.True(t, ok)
	assert.Equal(t, "a", last.ID)

	s.Update("p", "done")
	last, _ = s.LastSettled()
	assert.Equal(t, "p", last.ID)
}

func TestStore_RowCount(t *testing.T) {
	s := NewStore()
	s.Append(
		msg("u1", model.RoleUser, "hi"),
		model.Message{ID: "r1-0", ParentID: "r1", Role: model.RoleAssistant, Content: "a"},
		model.Message{ID: "r1-1", ParentID: "r1", Role: model.RoleAssistant, Content: "b"},
		msg("u2", model.RoleUser, "more"),
		msg("p", model.RoleAssistant, ""),
	)

	assert.Equal(t, 3, s.RowCount())
}

func TestStore_SnapshotIsIndependent(t *testing.T) {
	s := NewStore()
	m := msg("u", model.RoleUser, "pic")
	m.Attachments = []model.Attachment{{Name: "a.png", Type: "image/png", URL: "blob:1"}}
	s.Append(m)

	snap := s.Snapshot()
	snap[0].Content = "changed"
	snap[0].Attachments[0].Name = "changed.png"

	got, _ := s.Get("u")
	assert.Equal(t, "pic", got.Content)
	assert.Equal(t, "a.png", got.Attachments[0].Name)
}

func TestStore_ReplaceDropsInnerDuplicates(t *testing.T) {
	s := NewStore()
	s.Append(msg("old", model.RoleUser, "x"))

	s.Replace([]model.Message{msg("a", model.RoleUser, "1"), msg("a", model.RoleUser, "2"), msg("b", model.RoleAssistant, "3")})

	assert.Equal(t, []string{"a", "b"}, ids(s.Snapshot()))
}
