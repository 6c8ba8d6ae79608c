package extract

import (
	"context"
	"time"
)

// TimerPauser implements Pauser with a stoppable timer so cancellation
// interrupts any pacing or backoff sleep.
type TimerPauser struct{}

// NewTimerPauser returns the default Pauser.
func NewTimerPauser() *TimerPauser {
	return &TimerPauser{}
}

// Pause sleeps for delay or until the context finishes.
func (p *TimerPauser) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
