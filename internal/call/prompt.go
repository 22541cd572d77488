package call

import (
	"context"
	"sync"
)

// Outcome is how an accept prompt ended.
type Outcome int

const (
	Accepted Outcome = iota + 1
	Interrupted
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Interrupted:
		return "interrupted"
	}
	return "pending"
}

// AcceptToken is the handle for one "accept this call?" prompt. It resolves
// exactly once.
type AcceptToken struct {
	done    chan struct{}
	once    sync.Once
	outcome Outcome
}

func newAcceptToken() *AcceptToken {
	return &AcceptToken{done: make(chan struct{})}
}

func (t *AcceptToken) resolve(o Outcome) {
	t.once.Do(func() {
		t.outcome = o
		close(t.done)
	})
}

// Wait blocks until the prompt is accepted or interrupted.
func (t *AcceptToken) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// promptState is either promptNone or promptWaiting.
type promptState interface{ isPrompt() }

type promptNone struct{}

// promptWaiting holds the offer that will be acted upon only if the user
// accepts.
type promptWaiting struct {
	token *AcceptToken
	offer string
	from  string
}

func (promptNone) isPrompt()    {}
func (promptWaiting) isPrompt() {}
