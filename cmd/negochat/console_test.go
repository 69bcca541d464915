package main

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terryong31/nego-lah/internal/chatsync"
	"github.com/terryong31/nego-lah/internal/model"
)

func TestConsole_RepliesGoThroughNotes(t *testing.T) {
	notes := make(chan string, 4)
	c := &console{notes: notes}
	ctx := context.Background()

	require.NoError(t, c.handle(ctx, nil, "/ai on"))
	require.NoError(t, c.handle(ctx, nil, "/bogus"))
	require.NoError(t, c.handle(ctx, nil, "   "))
	assert.ErrorIs(t, c.handle(ctx, nil, "/quit"), errQuit)

	close(notes)
	var got []string
	for n := range notes {
		got = append(got, n)
	}
	assert.Equal(t, []string{"(only the seller can do that)", "(unknown command /bogus)"}, got)
}

func TestConsole_SayGivesUpWhenCancelled(t *testing.T) {
	c := &console{notes: make(chan string)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		c.say(ctx, "nobody is listening")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("say blocked after cancellation")
	}
}

func TestReadLines_StopsWhenDone(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	go pw.Write([]byte("first\nsecond\n"))

	done := make(chan struct{})
	lines := make(chan string)
	exited := make(chan struct{})
	go func() {
		readLines(done, pr, lines)
		close(exited)
	}()

	assert.Equal(t, "first", <-lines)
	close(done)

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("readLines kept blocking after done")
	}
	_, ok := <-lines
	assert.False(t, ok)
}

func TestRenderer_NoteBreaksStreamedLine(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out, model.SourceUser)

	r.Draw(chatsync.View{Messages: []model.Message{msg("a", model.SourceAI, "Hel")}})
	r.Note("(attached a.png, image/png)")
	r.Draw(chatsync.View{Messages: []model.Message{msg("a", model.SourceAI, "Hello")}})

	assert.Equal(t, "\nai: Hel\n(attached a.png, image/png)\nai: Hello", out.String())
}
