package ratelimit

import (
	"context"

	kit "deadlinebot/internal/transport"
)

// Gateway puts a Limiter in front of every outbound call of an adapter.
type Gateway struct {
	kit.Adapter
	lim *Limiter
}

func NewGateway(a kit.Adapter, lim *Limiter) *Gateway {
	return &Gateway{Adapter: a, lim: lim}
}

func (g *Gateway) Limiter() *Limiter { return g.lim }

func (g *Gateway) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := g.lim.Acquire(ctx, to.ChatID); err != nil {
		return kit.MessageRef{}, err
	}
	return g.Adapter.SendText(ctx, to, text, opt)
}

func (g *Gateway) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if err := g.lim.Acquire(ctx, ref.ChatID); err != nil {
		return err
	}
	return g.Adapter.EditText(ctx, ref, text, opt)
}

// AnswerCallback has no destination chat, so only the global scope applies.
func (g *Gateway) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	if err := g.lim.AcquireGlobal(ctx); err != nil {
		return err
	}
	return g.Adapter.AnswerCallback(ctx, callbackID, text, alert)
}

// UpdateMenuCommands passes through when the wrapped adapter supports it.
func (g *Gateway) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	u, ok := g.Adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	if err := g.lim.AcquireGlobal(ctx); err != nil {
		return err
	}
	return u.UpdateMenuCommands(ctx, cmds)
}
