// Package notifier delivers short operator messages about task progress.
//
// Messages go through a bounded queue drained by a worker pool that applies a
// token-bucket rate limit, retries with jittered backoff, and suppresses
// identical messages inside a dedup window. Delivery is delegated to a
// Sender; the daemon uses the Telegram sender.
//
// The service also satisfies logx.RemoteSink so high-severity log lines can
// reach the same chat.
package notifier
