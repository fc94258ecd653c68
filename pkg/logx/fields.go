package logx

import (
	"time"

	"github.com/rs/zerolog"
)

// Field adds one key to an entry. Later fields win on duplicate keys.
type Field func(e *zerolog.Event)

func String(k, v string) Field                 { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field                { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field            { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field          { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field              { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field         { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field                { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err records err under "err"; a nil error adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Keys shared across components.
const (
	KeyComponent      = "comp"
	KeyChatID         = "chat_id"
	KeyUserID         = "user_id"
	KeySubscriptionID = "subscription_id"
	KeyJobID          = "job_id"
)

func Component(name string) Field   { return String(KeyComponent, name) }
func ChatID(id int64) Field         { return Int64(KeyChatID, id) }
func UserID(id int64) Field         { return Int64(KeyUserID, id) }
func SubscriptionID(id int64) Field { return Int64(KeySubscriptionID, id) }
func JobID(id string) Field         { return String(KeyJobID, id) }
