package resilience

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Pacer enforces a minimum interval between successive calls to a
// rate-limited API, measured from the time the previous call finished. The
// previous finish time is supplied by the caller so that the interval also
// holds across process restarts.
type Pacer struct {
	Interval time.Duration

	// Now and Sleep are replaced in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewPacer creates a Pacer with the given interval.
func NewPacer(interval time.Duration) *Pacer {
	return &Pacer{Interval: interval, Now: time.Now, Sleep: SleepContext}
}

// Remaining reports how long a call must still wait after last.
func (p *Pacer) Remaining(last time.Time) time.Duration {
	if last.IsZero() || p.Interval <= 0 {
		return 0
	}
	d := last.Add(p.Interval).Sub(p.now())
	if d < 0 {
		return 0
	}
	return d
}

// Wait blocks until Interval has elapsed since last or ctx is done.
func (p *Pacer) Wait(ctx context.Context, last time.Time) error {
	d := p.Remaining(last)
	if d == 0 {
		return nil
	}
	zap.L().Info("pacer: waiting before next call",
		zap.Duration("wait", d),
		zap.Time("until", p.now().Add(d)),
	)
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	return sleep(ctx, d)
}

func (p *Pacer) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// SleepContext sleeps for d unless ctx is cancelled first.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "pacer: wait cancelled")
	case <-t.C:
		return nil
	}
}
