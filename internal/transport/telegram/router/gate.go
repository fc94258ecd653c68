package router

import (
	"context"

	"deadlinebot/internal/throttle"
)

// Outcome is a gate's verdict: proceed to the handler, or stop with a
// reason and an optional notice for the user.
type Outcome struct {
	Proceed bool
	Reason  string
	Notice  string
}

func Proceed() Outcome { return Outcome{Proceed: true} }

func ShortCircuit(reason, notice string) Outcome {
	return Outcome{Reason: reason, Notice: notice}
}

// Gate decides whether a request reaches its handler.
type Gate interface {
	Admit(ctx context.Context, req *Request) (Outcome, error)
}

// ThrottleGate enforces the per-user cooldown of a route. Routes that
// declare nothing fall back to the guard's default rate; only a resolved
// rate of zero lets the call through unchecked.
type ThrottleGate struct {
	Guard *throttle.Guard
}

func (g ThrottleGate) Admit(ctx context.Context, req *Request) (Outcome, error) {
	if g.Guard == nil {
		return Proceed(), nil
	}
	d, err := g.Guard.Check(ctx, req.Throttle, req.UserID, req.Chat.ChatID)
	if err != nil {
		return Outcome{}, err
	}
	if d.Allowed {
		return Proceed(), nil
	}
	return ShortCircuit("throttled", d.Notice()), nil
}
