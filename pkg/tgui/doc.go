// Package tgui builds the bot's HTML replies: titled lists of deadlines,
// subscriptions and reminders with escaped text, and inline keyboards
// whose callback data uses the "scope:action:payload" layout.
package tgui
