package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrChatUnavailable means the destination can no longer receive messages
// (bot blocked, chat deleted, user deactivated). Retrying will not help.
var ErrChatUnavailable = errors.New("chat unavailable")

// FloodError is returned when the platform asks the caller to back off.
type FloodError struct {
	RetryAfter time.Duration
}

func (e *FloodError) Error() string {
	return fmt.Sprintf("flood control: retry after %s", e.RetryAfter)
}

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Inbound is one incoming user event. Each variant knows who sent it and
// how to answer it out of band, so the pipeline never inspects concrete types.
type Inbound interface {
	Kind() UpdateKind
	UserID() int64
	ChatID() int64
	// Notice sends a short notice back to the sender using the mechanism
	// that fits the event (a chat reply for messages, an alert for callbacks).
	Notice(ctx context.Context, out Responder, text string) error
}

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// Inbound returns the populated variant, or nil for an empty update.
func (u Update) Inbound() Inbound {
	switch {
	case u.Message != nil:
		return u.Message
	case u.Callback != nil:
		return u.Callback
	default:
		return nil
	}
}

type Message struct {
	ID           int
	Chat         int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	From         int64
	FromUsername string
	Text         string
	IsGroup      bool
}

func (m *Message) Kind() UpdateKind { return UpdateMessage }
func (m *Message) UserID() int64    { return m.From }
func (m *Message) ChatID() int64    { return m.Chat }

func (m *Message) Notice(ctx context.Context, out Responder, text string) error {
	_, err := out.SendText(ctx, ChatTarget{ChatID: m.Chat, ThreadID: m.ThreadID}, text, nil)
	return err
}

type Callback struct {
	ID        string
	From      int64
	Chat      int64
	ThreadID  int
	MessageID int
	Data      string
}

func (c *Callback) Kind() UpdateKind { return UpdateCallback }
func (c *Callback) UserID() int64    { return c.From }
func (c *Callback) ChatID() int64    { return c.Chat }

func (c *Callback) Notice(ctx context.Context, out Responder, text string) error {
	return out.AnswerCallback(ctx, c.ID, text, true)
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// IsGroup reports whether the target is a group or channel (negative ids on Telegram).
func (t ChatTarget) IsGroup() bool { return t.ChatID < 0 }

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// Button is a single inline keyboard button carrying callback data.
type Button struct {
	Text string
	Data string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Keyboard rows of inline buttons (attached to the first chunk only).
	Keyboard [][]Button
}

// Sender is the messaging gateway used for outbound text.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Responder is the part of the gateway used to answer inbound events.
type Responder interface {
	Sender
	AnswerCallback(ctx context.Context, callbackID string, text string, alert bool) error
}

type Adapter interface {
	Responder

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
