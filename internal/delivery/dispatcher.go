// Package delivery turns "send this text to this chat at this time" into
// a queued job, and runs those jobs on the worker side.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"deadlinebot/internal/eventbus"
	"deadlinebot/internal/jobqueue"
	kit "deadlinebot/internal/transport"
	logx "deadlinebot/pkg/logx"
	"deadlinebot/pkg/metrics"
)

// JobName is the queue name of a delayed reminder.
const JobName = "send_notification"

var ErrNoTarget = errors.New("delivery: cancel needs a job id or a chat and event")

// Queue is the part of the job queue the dispatcher uses.
type Queue interface {
	Enqueue(ctx context.Context, name string, args any, delay time.Duration, jobID string) (*jobqueue.Job, error)
	Status(ctx context.Context, jobID string) (jobqueue.Status, error)
	Abort(ctx context.Context, jobID string, timeout time.Duration) (bool, error)
}

type Policy string

const (
	// PolicySkip drops reminders whose time has already passed.
	PolicySkip Policy = "skip"
	// PolicySend delivers overdue reminders immediately.
	PolicySend Policy = "send"
)

// Event is one reminder to deliver.
type Event struct {
	ID             int64
	Text           string
	When           time.Time
	SubscriptionID int64
}

// Args is the JSON payload of a send_notification job.
type Args struct {
	ChatID         int64     `json:"chat_id"`
	Text           string    `json:"text"`
	EventID        int64     `json:"event_id"`
	SubscriptionID int64     `json:"subscription_id,omitempty"`
	When           time.Time `json:"when"`
}

type Outcome string

const (
	OutcomeEnqueued Outcome = "enqueued"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeSent     Outcome = "sent"
)

type Result struct {
	Outcome Outcome
	JobID   string
	Delay   time.Duration
}

// JobID is the default job id for a chat and event.
func JobID(chatID, eventID int64) string {
	return fmt.Sprintf("%d:%d", chatID, eventID)
}

// Target selects a job to cancel.
type Target struct {
	jobID   string
	chatID  int64
	eventID int64
}

func ByJobID(id string) Target { return Target{jobID: strings.TrimSpace(id)} }

func ByEvent(chatID, eventID int64) Target { return Target{chatID: chatID, eventID: eventID} }

// String is the job id the target resolves to, or "" if it is empty.
func (t Target) String() string {
	id, _ := t.resolve()
	return id
}

func (t Target) resolve() (string, bool) {
	if t.jobID != "" {
		return t.jobID, true
	}
	if t.chatID != 0 && t.eventID != 0 {
		return JobID(t.chatID, t.eventID), true
	}
	return "", false
}

type Config struct {
	OverduePolicy Policy
	// BreakerFailures consecutive send failures open the circuit.
	BreakerFailures uint32
	// BreakerTimeout is how long the circuit stays open.
	BreakerTimeout time.Duration
}

// DeliveredFunc runs after a reminder was sent.
type DeliveredFunc func(ctx context.Context, a Args) error

type Dispatcher struct {
	q   Queue
	out kit.Sender
	cfg Config

	bus eventbus.Bus
	log logx.Logger
	m   *metrics.Metrics
	now func() time.Time

	breaker     *gobreaker.CircuitBreaker
	onDelivered DeliveredFunc
}

type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option         { return func(d *Dispatcher) { d.log = log } }
func WithBus(b eventbus.Bus) Option             { return func(d *Dispatcher) { d.bus = b } }
func WithMetrics(m *metrics.Metrics) Option     { return func(d *Dispatcher) { d.m = m } }
func WithClock(now func() time.Time) Option     { return func(d *Dispatcher) { d.now = now } }
func WithDeliveredHook(fn DeliveredFunc) Option { return func(d *Dispatcher) { d.onDelivered = fn } }

func New(q Queue, out kit.Sender, cfg Config, opts ...Option) *Dispatcher {
	if cfg.OverduePolicy == "" {
		cfg.OverduePolicy = PolicySkip
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	d := &Dispatcher{q: q, out: out, cfg: cfg, now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	d.log = d.log.With(logx.Component("delivery"))
	if d.bus == nil {
		d.bus = eventbus.Nop{}
	}

	failures := cfg.BreakerFailures
	log := d.log
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "telegram.send",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// A dead chat says nothing about the platform's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, kit.ErrChatUnavailable) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit state changed", logx.String("breaker", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	return d
}

func (d *Dispatcher) publish(typ string, data any) {
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: data})
	d.m.Delivery(strings.TrimPrefix(typ, "delivery."))
}

// Schedule queues ev for delivery to chatID at ev.When under jobID (or the
// default id for the chat and event). Scheduling an existing id replaces
// the previous job. A reminder that is already due is skipped or sent
// right away depending on the overdue policy.
func (d *Dispatcher) Schedule(ctx context.Context, chatID int64, ev Event, jobID string) (Result, error) {
	if jobID = strings.TrimSpace(jobID); jobID == "" {
		jobID = JobID(chatID, ev.ID)
	}
	delay := ev.When.Sub(d.now())
	args := Args{ChatID: chatID, Text: ev.Text, EventID: ev.ID, SubscriptionID: ev.SubscriptionID, When: ev.When.UTC()}

	if delay <= 0 {
		if d.cfg.OverduePolicy != PolicySend {
			d.log.Warn("reminder time already passed; skipping",
				logx.JobID(jobID),
				logx.ChatID(chatID),
				logx.Time("when", ev.When),
			)
			d.publish(eventbus.DeliverySkipped, args)
			return Result{Outcome: OutcomeSkipped, JobID: jobID, Delay: delay}, nil
		}
		if err := d.Send(ctx, chatID, ev.Text); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeSent, JobID: jobID, Delay: delay}, nil
	}

	if _, err := d.q.Enqueue(ctx, JobName, args, delay, jobID); err != nil {
		return Result{}, fmt.Errorf("schedule %s: %w", jobID, err)
	}
	d.log.Debug("reminder scheduled", logx.JobID(jobID), logx.Duration("delay", delay))
	d.publish(eventbus.DeliveryScheduled, args)
	return Result{Outcome: OutcomeEnqueued, JobID: jobID, Delay: delay}, nil
}

// Cancel aborts a scheduled job. A job that no longer exists counts as
// cancelled, and so does a running job that did not confirm the abort.
func (d *Dispatcher) Cancel(ctx context.Context, t Target) error {
	jobID, ok := t.resolve()
	if !ok {
		return ErrNoTarget
	}
	st, err := d.q.Status(ctx, jobID)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", jobID, err)
	}
	if st == jobqueue.StatusNotFound {
		d.log.Warn("cancel: job not found", logx.JobID(jobID))
		return nil
	}
	if _, err := d.q.Abort(ctx, jobID, 0); err != nil {
		if !errors.Is(err, jobqueue.ErrAbortTimeout) {
			return fmt.Errorf("cancel %s: %w", jobID, err)
		}
		d.log.Info("cancel: abort not confirmed; assuming aborted", logx.JobID(jobID), logx.String("status", string(st)))
	}
	d.publish(eventbus.DeliveryCancelled, jobID)
	return nil
}

// Send delivers text to chatID now.
func (d *Dispatcher) Send(ctx context.Context, chatID int64, text string) error {
	_, err := d.send(ctx, chatID, text)
	if err != nil {
		d.publish(eventbus.DeliveryFailed, chatID)
		return err
	}
	d.publish(eventbus.DeliverySent, chatID)
	return nil
}

func (d *Dispatcher) send(ctx context.Context, chatID int64, text string) (kit.MessageRef, error) {
	ref, err := d.breaker.Execute(func() (any, error) {
		return d.out.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil)
	})
	if err != nil {
		return kit.MessageRef{}, err
	}
	r, _ := ref.(kit.MessageRef)
	return r, nil
}

// Register binds HandleSend to the worker.
func (d *Dispatcher) Register(w *jobqueue.Worker) {
	w.Register(JobName, d.HandleSend)
}

// HandleSend runs a send_notification job.
func (d *Dispatcher) HandleSend(ctx context.Context, job *jobqueue.Job) error {
	var a Args
	if err := job.Decode(&a); err != nil {
		return jobqueue.NoRetry(fmt.Errorf("decode args: %w", err))
	}
	if a.ChatID == 0 || strings.TrimSpace(a.Text) == "" {
		return jobqueue.NoRetry(fmt.Errorf("job %s: empty chat or text", job.ID))
	}
	log := d.log.With(logx.JobID(job.ID), logx.ChatID(a.ChatID), logx.Int("try", job.Tries))

	_, err := d.send(ctx, a.ChatID, a.Text)
	if err != nil {
		d.publish(eventbus.DeliveryFailed, a)
		var flood *kit.FloodError
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			log.Warn("send skipped: circuit open")
			return jobqueue.RetryAfter(err, d.cfg.BreakerTimeout)
		case errors.Is(err, kit.ErrChatUnavailable):
			log.Info("chat unavailable; dropping reminder", logx.Err(err))
			return jobqueue.NoRetry(err)
		case errors.As(err, &flood):
			return jobqueue.RetryAfter(err, flood.RetryAfter)
		default:
			return err
		}
	}

	log.Info("reminder delivered", logx.Int64("event_id", a.EventID))
	d.publish(eventbus.DeliverySent, a)
	if d.onDelivered != nil {
		// the message is out; a failing hook must not cause a resend
		if err := d.onDelivered(ctx, a); err != nil {
			log.Warn("delivered hook failed", logx.Err(err))
		}
	}
	return nil
}
