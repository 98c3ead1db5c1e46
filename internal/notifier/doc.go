// Package notifier forwards orchestration events to external sinks.
//
// The service subscribes to the event bus, keeps the configured event types
// and renders each one into a Notification carrying a one-line text and the
// JSON form of the event.
//
// # Delivery
//
// Notifications are queued without blocking the publisher. A worker pool
// drains the queue under a token-bucket rate limit and retries each sink with
// jittered exponential backoff. Identical notifications inside the dedup
// window are suppressed; the window can be persisted through the store so it
// survives restarts.
//
// # Sinks
//
// Telegram (telebot), Redis PUBLISH (go-redis) and Kafka (kafka-go) are
// provided. Lifecycle events (notifier.sent, notifier.failed, ...) go back on
// the bus and are never re-notified.
package notifier
