package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "deadlinebot/pkg/logx"
	"deadlinebot/pkg/metrics"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger, m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			d := time.Since(start)
			m.Handled(req.Command, d)

			fields := []logx.Field{
				logx.String("kind", string(req.Inbound.Kind())),
				logx.ChatID(req.Chat.ChatID),
				logx.UserID(req.UserID),
				logx.String("cmd", req.Command),
				logx.Duration("dur", d),
			}
			switch {
			case err != nil:
				m.Update(string(req.Inbound.Kind()), "error")
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			case req.ShortCircuit != "":
				m.Update(string(req.Inbound.Kind()), "short_circuit")
				logger.Debug("request short-circuited", append(fields, logx.String("reason", req.ShortCircuit))...)
			default:
				m.Update(string(req.Inbound.Kind()), "ok")
				// Keep INFO useful: short successful requests go to DEBUG.
				if d >= 750*time.Millisecond {
					logger.Info("request ok", fields...)
				} else {
					logger.Debug("request ok", fields...)
				}
			}
			return err
		}
	}
}

// MWGate runs gate before the handler. A short circuit sends the notice
// through the inbound event and ends the request without an error.
func MWGate(gate Gate) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if gate == nil {
				return next(ctx, req)
			}
			out, err := gate.Admit(ctx, req)
			if err != nil {
				return err
			}
			if out.Proceed {
				return next(ctx, req)
			}
			req.ShortCircuit = out.Reason
			if out.Notice != "" {
				if err := req.Inbound.Notice(ctx, req.Out, out.Notice); err != nil {
					req.Logger.Debug("notice failed", logx.Err(err))
				}
				req.Answered = true
			}
			return nil
		}
	}
}
