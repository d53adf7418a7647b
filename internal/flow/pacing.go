package flow

import (
	"context"
	"time"
	"unicode/utf8"
)

// Pacer imitates human reply latency: the delay grows with the reply length and is
// capped.
type Pacer struct {
	PerChar time.Duration
	Max     time.Duration
	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPacer waits 50ms per character, at most 5s.
func DefaultPacer() Pacer {
	return Pacer{PerChar: 50 * time.Millisecond, Max: 5 * time.Second, Sleep: sleepCtx}
}

// NoPacing returns a pacer that never waits.
func NoPacing() Pacer {
	return Pacer{}
}

// Delay returns min(len(reply) × PerChar, Max), counting characters.
func (p Pacer) Delay(reply string) time.Duration {
	d := time.Duration(utf8.RuneCountInString(reply)) * p.PerChar
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Wait holds for Delay(reply).
func (p Pacer) Wait(ctx context.Context, reply string) error {
	d := p.Delay(reply)
	if d <= 0 {
		return nil
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return sleep(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
