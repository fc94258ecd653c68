// Package notifier is the notification scheduling service.
//
// Subscribing a user to a program timeline creates the subscription,
// persists one scheduled notification per upcoming event and queues a
// delayed delivery for each. Unsubscribing reverses all three.
//
// # Send time
//
// A reminder fires at ReminderHour (default noon) in the configured
// timezone, DaysBefore calendar days (default one) before the event's
// deadline. Send times are stored in UTC.
//
// # Job ids
//
// Every queued delivery uses the id "<chat>:<program>:<type>:<event>", so
// cancellation can rebuild it from the subscription and its rows alone.
package notifier
