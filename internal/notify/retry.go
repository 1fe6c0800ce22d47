package notify

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy is fixed backoff with bounded attempts.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// RetryState tracks one channel's attempts within one dispatch.
type RetryState struct {
	Attempt     int // attempts made so far
	MaxAttempts int
	Backoff     time.Duration
}

func (p RetryPolicy) NewState() RetryState {
	p = p.normalized()
	return RetryState{MaxAttempts: p.MaxAttempts, Backoff: p.Backoff}
}

type Action int

const (
	Done Action = iota
	Retry
	Stop
)

func (a Action) String() string {
	switch a {
	case Done:
		return "done"
	case Retry:
		return "retry"
	default:
		return "stop"
	}
}

// Decision is what to do after an attempt.
type Decision struct {
	Action    Action
	Wait      time.Duration // for Retry
	Exhausted bool          // for Stop: attempts ran out on a transient error
}

// Decide classifies the result of attempt s.Attempt. It has no side effects.
func (s RetryState) Decide(err error) Decision {
	switch {
	case err == nil:
		return Decision{Action: Done}
	case IsNoRetry(err):
		return Decision{Action: Stop}
	case s.Attempt >= s.MaxAttempts:
		return Decision{Action: Stop, Exhausted: true}
	default:
		return Decision{Action: Retry, Wait: s.Backoff}
	}
}

// Sleeper waits d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

// Executor runs one channel's attempts strictly in sequence.
type Executor struct {
	Policy RetryPolicy
	Sleep  Sleeper
}

func NewExecutor(p RetryPolicy, sleep Sleeper) *Executor {
	if sleep == nil {
		sleep = sleepCtx
	}
	return &Executor{Policy: p.normalized(), Sleep: sleep}
}

// Execute calls attempt until it succeeds, fails permanently, runs out of
// attempts or ctx ends.
func (e *Executor) Execute(ctx context.Context, channel string, attempt func(ctx context.Context) error) ChannelOutcome {
	sleep := e.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	st := e.Policy.NewState()
	out := ChannelOutcome{Channel: channel}

	for {
		if err := ctx.Err(); err != nil {
			return canceled(out, st.Attempt, err)
		}
		st.Attempt++
		err := attempt(ctx)
		d := st.Decide(err)
		out.Attempts = st.Attempt

		switch d.Action {
		case Done:
			out.Status, out.Kind = StatusSuccess, KindDelivered
			return out
		case Stop:
			out.Status = StatusError
			if d.Exhausted {
				out.Kind = KindExhausted
				out.Detail = fmt.Sprintf("exhausted after %d attempts: %v", st.Attempt, err)
			} else {
				out.Kind = KindTerminal
				out.Detail = err.Error()
			}
			return out
		}

		// An attempt that failed because ctx ended is a cancellation, not
		// a provider failure.
		if ctx.Err() != nil {
			return canceled(out, st.Attempt, ctx.Err())
		}
		if err := sleep(ctx, d.Wait); err != nil {
			return canceled(out, st.Attempt, err)
		}
	}
}

func canceled(out ChannelOutcome, attempts int, err error) ChannelOutcome {
	out.Status = StatusError
	out.Kind = KindCanceled
	out.Attempts = attempts
	out.Detail = fmt.Sprintf("canceled after %d attempts: %v", attempts, err)
	return out
}
