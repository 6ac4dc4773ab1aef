// Package notifier delivers operator and device notifications.
//
// A Notification is queued once and fanned out to every Sink that wants
// it: the Telegram sink posts to the owners' chats, the push sink sends an
// FCM message to every registered device token. Each sink delivery is a
// separate queue item with its own retries, so a failing push backend does
// not hold up operator messages.
//
// Workers share one token-bucket limiter. Identical notifications inside
// the dedup window are dropped at enqueue time.
//
// Watch turns job transitions and run summaries from the event bus into
// notifications.
package notifier
