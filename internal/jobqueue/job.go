package jobqueue

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusDeferred   Status = "deferred"
	StatusInProgress Status = "in_progress"
	StatusNotFound   Status = "not_found"
)

// Job is a queued unit of work as stored in Redis.
type Job struct {
	ID         string
	Name       string
	Args       json.RawMessage
	Token      string
	Tries      int
	EnqueuedAt time.Time
	FireAt     time.Time
}

// Decode unmarshals the job arguments into v.
func (j *Job) Decode(v any) error { return json.Unmarshal(j.Args, v) }

func jobFromHash(id string, m map[string]string) (*Job, bool) {
	name, ok := m["name"]
	if !ok {
		return nil, false
	}
	tries, _ := strconv.Atoi(m["tries"])
	return &Job{
		ID:         id,
		Name:       name,
		Args:       json.RawMessage(m["args"]),
		Token:      m["token"],
		Tries:      tries,
		EnqueuedAt: msTime(m["enqueued_at"]),
		FireAt:     msTime(m["fire_at"]),
	}, true
}

func msTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

type keys struct{ prefix string }

func (k keys) queue() string               { return k.prefix + "queue" }
func (k keys) abort() string               { return k.prefix + "abort" }
func (k keys) job(id string) string        { return k.prefix + "job:" + id }
func (k keys) inProgress(id string) string { return k.prefix + "in-progress:" + id }
func (k keys) aborted(id string) string    { return k.prefix + "aborted:" + id }

func isNil(err error) bool { return errors.Is(err, redis.Nil) }
