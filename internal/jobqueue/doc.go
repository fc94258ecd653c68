// Package jobqueue is a small durable delayed-job queue on Redis.
//
// Layout under a key prefix p:
//
//	p+"queue"            ZSET  job id -> fire time (unix ms)
//	p+"job:"+id          HASH  name, args (JSON), token, tries, enqueued_at, fire_at
//	p+"in-progress:"+id  STRING lease held by the executing worker (PX)
//	p+"abort"            ZSET  job id -> abort request time
//	p+"aborted:"+id      STRING short-lived marker left by an aborted run
//
// Job ids are chosen by the caller, so enqueueing an existing id replaces
// that job. Delivery is at least once: a claimed job stays in the queue
// while its lease lives, and a crashed worker's job is claimed again once
// the lease expires.
package jobqueue
