package chatsync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func collect(text string, step func() int) []string {
	var out []string
	for p := range Reveal(text, step) {
		out = append(out, p)
	}
	return out
}

func TestReveal_GrowsToFullText(t *testing.T) {
	frames := collect("How can I help?", RandomStep)

	if assert.NotEmpty(t, frames) {
		assert.Equal(t, "How can I help?", frames[len(frames)-1])
	}
	prev := ""
	for _, f := range frames {
		assert.Greater(t, len(f), len(prev))
		assert.True(t, strings.HasPrefix(f, prev))
		delta := len([]rune(f)) - len([]rune(prev))
		assert.True(t, delta == 1 || delta == 2, "revealed %d runes", delta)
		prev = f
	}
}

func TestReveal_RuneBoundaries(t *testing.T) {
	frames := collect("日本🙂", func() int { return 1 })

	assert.Equal(t, []string{"日", "日本", "日本🙂"}, frames)
}

func TestReveal_StepBelowOneAdvances(t *testing.T) {
	frames := collect("abc", func() int { return 0 })

	assert.Equal(t, []string{"a", "ab", "abc"}, frames)
}

func TestReveal_EmptyAndEarlyStop(t *testing.T) {
	assert.Empty(t, collect("", RandomStep))

	var got []string
	for p := range Reveal("abcdef", func() int { return 2 }) {
		got = append(got, p)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"ab", "abcd"}, got)
}

func TestSleepCtx(t *testing.T) {
	assert.NoError(t, sleepCtx(context.Background(), 0))
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, sleepCtx(ctx, 0), context.Canceled)
}
