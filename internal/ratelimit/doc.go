// Package ratelimit throttles outbound Telegram API calls.
//
// Every call passes through two sliding windows: the bot-wide "global"
// scope and a per-destination scope ("chat:<id>" for direct chats,
// "group:<id>" for chats with a negative id). Acquire blocks until both
// windows admit the call; it never rejects.
//
// Window state lives in a Store. RedisStore shares it between the bot and
// worker processes; MemoryStore keeps it in-process.
package ratelimit
