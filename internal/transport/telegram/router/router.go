// Package router turns inbound Telegram updates into handler calls: it
// parses commands and callback data, builds a Request, runs the middleware
// chain on a bounded worker pool and answers failures.
package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"deadlinebot/internal/runtime/supervisor"
	"deadlinebot/internal/throttle"
	kit "deadlinebot/internal/transport"
	logx "deadlinebot/pkg/logx"
	"deadlinebot/pkg/metrics"
)

// FailureText is sent when a handler returns an error.
const FailureText = "Something went wrong, try again later."

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	// Throttle is the cooldown rule. An empty key defaults to Name.
	Throttle throttle.Rule
	// Timeout overrides the router default.
	Timeout time.Duration
	Hidden  bool
	Handle  HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles callback data "<Scope>:<Action>[:payload]".
type CallbackRoute struct {
	Scope    string
	Action   string
	Throttle throttle.Rule
	Timeout  time.Duration
	Handle   CallbackHandlerFunc
}

type Request struct {
	Inbound kit.Inbound
	Chat    kit.ChatTarget
	UserID  int64
	// Username of the sender, empty for callbacks.
	Username string
	Command  string
	Args     []string
	Payload  string
	ReqID    string
	Throttle throttle.Rule

	Out    kit.Responder
	Logger logx.Logger

	// ShortCircuit is the reason a gate stopped the request.
	ShortCircuit string
	// Answered is set once a callback has been answered.
	Answered bool
}

// Reply sends text to the request's chat.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) error {
	_, err := r.Out.SendText(ctx, r.Chat, text, opt)
	return err
}

// Callback returns the inbound callback, or nil for messages.
func (r *Request) Callback() *kit.Callback {
	cb, _ := r.Inbound.(*kit.Callback)
	return cb
}

type Config struct {
	Workers  int
	QueueCap int
	Timeout  time.Duration
}

type Option func(*Router)

func WithLogger(log logx.Logger) Option { return func(r *Router) { r.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Router) { r.m = m } }

func WithGate(g Gate) Option { return func(r *Router) { r.gate = g } }

type Router struct {
	cfg  Config
	out  kit.Responder
	log  logx.Logger
	m    *metrics.Metrics
	gate Gate

	mu        sync.RWMutex
	cmds      map[string]*Command
	order     []*Command
	callbacks map[string]map[string]CallbackRoute

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs chan func()
}

func New(out kit.Responder, cfg Config, opts ...Option) *Router {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	r := &Router{
		cfg:       cfg,
		out:       out,
		cmds:      map[string]*Command{},
		callbacks: map[string]map[string]CallbackRoute{},
		jobs:      make(chan func(), cfg.QueueCap),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	r.log = r.log.With(logx.Component("telegram.router"))
	return r
}

// Supervisor returns the worker pool supervisor, nil when not running.
func (r *Router) Supervisor() *supervisor.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return nil
	}
	return r.sup
}

func (r *Router) setSupervisor(sup *supervisor.Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

// SetRegistry replaces the command and callback tables. /help is always added.
func (r *Router) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	helper := Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "show available commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText(req.Args), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
		},
	}
	cmds = append(cmds, helper)

	byName := map[string]*Command{}
	order := make([]*Command, 0, len(cmds))
	for i := range cmds {
		c := cmds[i]
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		cp := &c
		order = append(order, cp)
		byName[name] = cp
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" {
				continue
			}
			if _, exists := byName[a]; !exists {
				byName[a] = cp
			}
		}
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, rt := range cbs {
		s := strings.TrimSpace(rt.Scope)
		a := strings.TrimSpace(rt.Action)
		if s == "" || a == "" || rt.Handle == nil {
			continue
		}
		if cb[s] == nil {
			cb[s] = map[string]CallbackRoute{}
		}
		cb[s][a] = rt
	}

	r.mu.Lock()
	r.cmds = byName
	r.order = order
	r.callbacks = cb
	r.mu.Unlock()
}

// PublishMenu pushes the command list to the platform's menu, if supported.
func (r *Router) PublishMenu(ctx context.Context) error {
	up, ok := r.out.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	r.mu.RLock()
	menu := buildMenu(r.order)
	r.mu.RUnlock()
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(cctx, menu)
}

func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			// jobs was closed during shutdown
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop routes updates until ctx is done or updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	r.setSupervisor(sup, true)
	r.log.Info("dispatcher started", logx.Int("workers", r.cfg.Workers), logx.Int("job_queue_cap", cap(r.jobs)))

	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in router job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
		)
	}

	sup.Go("telegram.menu.update", func(c context.Context) error {
		if err := r.PublishMenu(c); err != nil {
			r.log.Warn("menu update failed", logx.Err(err))
		}
		return nil
	})

	defer func() {
		r.setSupervisor(sup, false)
		close(r.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		r.setSupervisor(nil, false)
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

// Route dispatches one update onto the worker pool.
func (r *Router) Route(ctx context.Context, up kit.Update) {
	switch {
	case up.Message != nil:
		r.routeMessage(ctx, up.Message)
	case up.Callback != nil:
		r.routeCallback(ctx, up.Callback)
	}
}

func (r *Router) routeMessage(ctx context.Context, msg *kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenize(text)
	if len(parts) == 0 {
		return
	}
	word := commandWord(parts[0])
	chat := kit.ChatTarget{ChatID: msg.Chat, ThreadID: msg.ThreadID}

	r.mu.RLock()
	cmd := r.cmds[word]
	r.mu.RUnlock()
	if cmd == nil {
		_, _ = r.out.SendText(ctx, chat, "Unknown command. Try /help", nil)
		return
	}

	req := &Request{
		Inbound:  msg,
		Chat:     chat,
		UserID:   msg.From,
		Username: msg.FromUsername,
		Command:  cmd.Name,
		Args:     parts[1:],
		ReqID:    newReqID(),
		Throttle: throttleRule(cmd.Throttle, cmd.Name),
		Out:      r.out,
	}
	req.Logger = r.requestLogger(req)

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	final := r.chain(cmd.Handle, timeout)
	if !r.tryEnqueue(func() { r.finish(ctx, req, final(ctx, req)) }) {
		_, _ = r.out.SendText(ctx, chat, "Busy, try again in a moment.", nil)
	}
}

// throttleRule keys an undeclared rule by the handler name.
func throttleRule(rule throttle.Rule, name string) throttle.Rule {
	if strings.TrimSpace(rule.Key) == "" {
		rule.Key = name
	}
	return rule
}

func (r *Router) routeCallback(ctx context.Context, cb *kit.Callback) {
	scope, action, payload, ok := splitCallback(cb.Data)
	if !ok {
		_ = r.out.AnswerCallback(ctx, cb.ID, "", false)
		return
	}
	r.mu.RLock()
	route, ok := r.callbacks[scope][action]
	r.mu.RUnlock()
	if !ok {
		_ = r.out.AnswerCallback(ctx, cb.ID, "", false)
		return
	}

	req := &Request{
		Inbound:  cb,
		Chat:     kit.ChatTarget{ChatID: cb.Chat, ThreadID: cb.ThreadID},
		UserID:   cb.From,
		Command:  "cb:" + scope + ":" + action,
		Payload:  payload,
		ReqID:    newReqID(),
		Throttle: throttleRule(route.Throttle, scope+":"+action),
		Out:      r.out,
	}
	req.Logger = r.requestLogger(req)

	timeout := route.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	h := func(ctx context.Context, req *Request) error { return route.Handle(ctx, req, payload) }
	final := r.chain(h, timeout)
	if !r.tryEnqueue(func() {
		err := final(ctx, req)
		r.finish(ctx, req, err)
		if !req.Answered {
			// stop the client's loading indicator
			_ = r.out.AnswerCallback(ctx, cb.ID, "", false)
		}
	}) {
		_ = r.out.AnswerCallback(ctx, cb.ID, "Busy, try again in a moment.", false)
	}
}

func (r *Router) chain(h HandlerFunc, timeout time.Duration) HandlerFunc {
	return Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log, r.m),
		MWTimeout(timeout),
		MWGate(r.gate),
	)
}

func (r *Router) requestLogger(req *Request) logx.Logger {
	return r.log.With(
		logx.String("rid", req.ReqID),
		logx.ChatID(req.Chat.ChatID),
		logx.UserID(req.UserID),
		logx.String("cmd", req.Command),
	)
}

// finish tells the user about a failed request. The error itself was
// logged by the request log middleware.
func (r *Router) finish(ctx context.Context, req *Request, err error) {
	if err == nil {
		return
	}
	if nerr := req.Inbound.Notice(ctx, r.out, FailureText); nerr != nil {
		req.Logger.Debug("failure notice not sent", logx.Err(nerr))
	}
	req.Answered = true
}
