// Package bot holds the user-facing commands: browsing deadlines and
// managing reminder subscriptions.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"deadlinebot/internal/notifier"
	"deadlinebot/internal/storage"
	"deadlinebot/internal/throttle"
	"deadlinebot/internal/transport/telegram/router"
	logx "deadlinebot/pkg/logx"
	"deadlinebot/pkg/tgui"
)

// Notifier is the scheduling service as seen by the commands.
type Notifier interface {
	ScheduleForProgram(ctx context.Context, userID, chatID, programID, timelineTypeID int64) (notifier.ScheduleReport, error)
	CancelForSubscription(ctx context.Context, subscriptionID, chatID int64) error
	Subscription(ctx context.Context, id int64) (storage.Subscription, error)
	Subscriptions(ctx context.Context, userID int64) ([]storage.SubscriptionView, error)
	Notifications(ctx context.Context, subscriptionID int64) ([]storage.NotificationView, error)
	Events(ctx context.Context, programID, timelineTypeID int64) ([]storage.TimelineEvent, error)
	Location() *time.Location
}

// Auditor records user actions. storage.SQLStore implements it.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

const callbackScope = "sub"

type Commands struct {
	svc   Notifier
	audit Auditor
	log   logx.Logger
	now   func() time.Time
}

func New(svc Notifier, audit Auditor, log logx.Logger) *Commands {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Commands{svc: svc, audit: audit, log: log.With(logx.Component("bot")), now: time.Now}
}

func (c *Commands) Routes() ([]router.Command, []router.CallbackRoute) {
	cmds := []router.Command{
		{
			Name:        "events",
			Description: "list deadlines of a program timeline",
			Usage:       "/events <program_id> <timeline_type_id>",
			Throttle:    throttle.Rule{Key: "events", Rate: time.Second},
			Handle:      c.cmdEvents,
		},
		{
			Name:        "subscribe",
			Aliases:     []string{"sub"},
			Description: "get reminders for a program timeline",
			Usage:       "/subscribe <program_id> <timeline_type_id>",
			Throttle:    throttle.Rule{Key: "subscribe", Rate: 2 * time.Second},
			Handle:      c.cmdSubscribe,
		},
		{
			Name:        "subscriptions",
			Aliases:     []string{"subs"},
			Description: "show your subscriptions",
			Usage:       "/subscriptions",
			Throttle:    throttle.Rule{Key: "subscriptions", Rate: time.Second},
			Handle:      c.cmdSubscriptions,
		},
		{
			Name:        "unsubscribe",
			Aliases:     []string{"unsub"},
			Description: "stop reminders for a subscription",
			Usage:       "/unsubscribe <subscription_id>",
			Throttle:    throttle.Rule{Key: "unsubscribe", Rate: 2 * time.Second},
			Handle:      c.cmdUnsubscribe,
		},
	}
	cbs := []router.CallbackRoute{
		{
			Scope:    callbackScope,
			Action:   "notes",
			Throttle: throttle.Rule{Key: "notifications", Rate: time.Second},
			Handle:   c.cbNotes,
		},
		{
			Scope:    callbackScope,
			Action:   "cancel",
			Throttle: throttle.Rule{Key: "unsubscribe", Rate: 2 * time.Second},
			Handle:   c.cbCancel,
		},
	}
	return cmds, cbs
}

func parseIDs(args []string, n int) ([]int64, bool) {
	if len(args) != n {
		return nil, false
	}
	out := make([]int64, 0, n)
	for _, a := range args {
		v, err := strconv.ParseInt(a, 10, 64)
		if err != nil || v <= 0 {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

func usage(ctx context.Context, req *router.Request, u string) error {
	return req.Reply(ctx, "Usage: "+u, nil)
}

func (c *Commands) cmdEvents(ctx context.Context, req *router.Request) error {
	ids, ok := parseIDs(req.Args, 2)
	if !ok {
		return usage(ctx, req, "/events <program_id> <timeline_type_id>")
	}
	events, err := c.svc.Events(ctx, ids[0], ids[1])
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return req.Reply(ctx, "No deadlines found for this timeline.", nil)
	}
	b := tgui.New().Title("📅", "Deadlines")
	for _, ev := range events {
		b.Deadline(ev.Deadline, ev.Name)
	}
	b.Blank().Hint("Subscribe", fmt.Sprintf("/subscribe %d %d", ids[0], ids[1]))
	text, opt, err := b.Build()
	if err != nil {
		return err
	}
	return req.Reply(ctx, text, opt)
}

func (c *Commands) cmdSubscribe(ctx context.Context, req *router.Request) error {
	ids, ok := parseIDs(req.Args, 2)
	if !ok {
		return usage(ctx, req, "/subscribe <program_id> <timeline_type_id>")
	}
	start := c.now()
	rep, err := c.svc.ScheduleForProgram(ctx, req.UserID, req.Chat.ChatID, ids[0], ids[1])
	c.record(ctx, req, "subscribe", fmt.Sprintf("%d/%d", ids[0], ids[1]), start, err)
	if err != nil {
		return err
	}

	var msg string
	switch {
	case rep.Existing:
		msg = "You are already subscribed to this timeline."
	case rep.Scheduled == 0:
		msg = "Subscribed. There are no upcoming deadlines to remind you about yet."
	default:
		msg = fmt.Sprintf("Subscribed. %d reminder(s) scheduled.", rep.Scheduled)
	}
	if rep.Skipped > 0 && !rep.Existing {
		msg += fmt.Sprintf(" %d deadline(s) are too close or already passed.", rep.Skipped)
	}
	return req.Reply(ctx, msg, nil)
}

func (c *Commands) cmdSubscriptions(ctx context.Context, req *router.Request) error {
	subs, err := c.svc.Subscriptions(ctx, req.UserID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return req.Reply(ctx, "You have no subscriptions. Use /subscribe to add one.", nil)
	}
	b := tgui.New().Title("📋", "Your subscriptions")
	for _, s := range subs {
		b.Blank().
			Ref(s.ID, s.ProgramTitle).
			Line(s.TimelineTypeName).
			Row(
				tgui.Btn(fmt.Sprintf("🔔 #%d reminders", s.ID), tgui.DataID(callbackScope, "notes", s.ID)),
				tgui.Btn(fmt.Sprintf("✖ Cancel #%d", s.ID), tgui.DataID(callbackScope, "cancel", s.ID)),
			)
	}
	text, opt, err := b.Build()
	if err != nil {
		return err
	}
	return req.Reply(ctx, text, opt)
}

func (c *Commands) cmdUnsubscribe(ctx context.Context, req *router.Request) error {
	ids, ok := parseIDs(req.Args, 1)
	if !ok {
		return usage(ctx, req, "/unsubscribe <subscription_id>")
	}
	done, err := c.unsubscribe(ctx, req, ids[0])
	if err != nil {
		return err
	}
	if !done {
		return req.Reply(ctx, "Subscription not found.", nil)
	}
	return req.Reply(ctx, fmt.Sprintf("Subscription #%d cancelled.", ids[0]), nil)
}

// owned loads a subscription and checks it belongs to the requester.
func (c *Commands) owned(ctx context.Context, req *router.Request, id int64) (storage.Subscription, bool, error) {
	sub, err := c.svc.Subscription(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Subscription{}, false, nil
	}
	if err != nil {
		return storage.Subscription{}, false, err
	}
	if sub.UserID != req.UserID {
		req.Logger.Warn("subscription owned by another user", logx.SubscriptionID(id))
		return storage.Subscription{}, false, nil
	}
	return sub, true, nil
}

func (c *Commands) unsubscribe(ctx context.Context, req *router.Request, id int64) (bool, error) {
	sub, ok, err := c.owned(ctx, req, id)
	if err != nil || !ok {
		return false, err
	}
	start := c.now()
	err = c.svc.CancelForSubscription(ctx, sub.ID, req.Chat.ChatID)
	c.record(ctx, req, "unsubscribe", strconv.FormatInt(sub.ID, 10), start, err)
	return err == nil, err
}

func parsePayloadID(payload string) (int64, bool) {
	id, err := strconv.ParseInt(payload, 10, 64)
	return id, err == nil && id > 0
}

func (c *Commands) answer(ctx context.Context, req *router.Request, text string, alert bool) {
	cb := req.Callback()
	if cb == nil {
		return
	}
	if err := req.Out.AnswerCallback(ctx, cb.ID, text, alert); err != nil {
		req.Logger.Debug("answer callback failed", logx.Err(err))
	}
	req.Answered = true
}

func (c *Commands) cbNotes(ctx context.Context, req *router.Request, payload string) error {
	id, ok := parsePayloadID(payload)
	if !ok {
		c.answer(ctx, req, "Bad request.", true)
		return nil
	}
	sub, ok, err := c.owned(ctx, req, id)
	if err != nil {
		return err
	}
	if !ok {
		c.answer(ctx, req, "Subscription not found.", true)
		return nil
	}
	notes, err := c.svc.Notifications(ctx, sub.ID)
	if err != nil {
		return err
	}
	loc := c.svc.Location()
	b := tgui.New().Title("🔔", fmt.Sprintf("Reminders for #%d", sub.ID))
	if len(notes) == 0 {
		b.Line("Nothing pending.")
	}
	for _, n := range notes {
		b.Reminder(n.SendAt.In(loc), n.EventName, n.Deadline)
	}
	text, opt, err := b.Build()
	if err != nil {
		return err
	}
	c.answer(ctx, req, "", false)
	return req.Reply(ctx, text, opt)
}

func (c *Commands) cbCancel(ctx context.Context, req *router.Request, payload string) error {
	id, ok := parsePayloadID(payload)
	if !ok {
		c.answer(ctx, req, "Bad request.", true)
		return nil
	}
	done, err := c.unsubscribe(ctx, req, id)
	if err != nil {
		return err
	}
	if !done {
		c.answer(ctx, req, "Subscription not found.", true)
		return nil
	}
	c.answer(ctx, req, fmt.Sprintf("Subscription #%d cancelled.", id), false)
	return nil
}

func (c *Commands) record(ctx context.Context, req *router.Request, action, target string, start time.Time, err error) {
	if c.audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:            start,
		ActorID:       req.UserID,
		ActorUsername: req.Username,
		ChatID:        req.Chat.ChatID,
		Action:        action,
		Target:        target,
		OK:            err == nil,
		TookMS:        c.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := c.audit.AppendAudit(ctx, e); aerr != nil {
		req.Logger.Warn("audit write failed", logx.Err(aerr))
	}
}
