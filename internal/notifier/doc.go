// Package notifier delivers task status messages and failure alerts.
//
// Messages are queued and sent by a small worker pool owned by a supervisor.
// Sends are rate limited, retried with jittered backoff, and identical
// messages within the dedup window are suppressed. Dedup state can be
// persisted through a storage.Store so it survives restarts.
//
// Delivery goes through a transport.Sender (Telegram, or the log sender).
package notifier
