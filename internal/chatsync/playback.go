package chatsync

import (
	"context"
	"iter"
	"math/rand/v2"
	"time"
)

// Playback timing of the simulated typing animation.
const (
	DefaultTickInterval   = 15 * time.Millisecond
	DefaultParagraphPause = 300 * time.Millisecond
)

// Reveal yields successive prefixes of text, each strictly longer than
// the previous one, ending with text itself. step returns how many runes
// to reveal next; values below one count as one. Empty text yields nothing.
func Reveal(text string, step func() int) iter.Seq[string] {
	return func(yield func(string) bool) {
		runes := []rune(text)
		n := 0
		for n < len(runes) {
			k := step()
			if k < 1 {
				k = 1
			}
			n = min(n+k, len(runes))
			if !yield(string(runes[:n])) {
				return
			}
		}
	}
}

// RandomStep reveals one or two runes per tick.
func RandomStep() int {
	return rand.IntN(2) + 1
}

// sleepCtx waits for d or until ctx is done. A non-positive d only checks ctx.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
