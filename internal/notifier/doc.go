// Package notifier tells an operator about failed captures.
//
// It listens for capture.failed on the event bus and sends one short message
// per failure through a Sender (the Telegram sender in production). Intake is
// rate limited: over budget, messages are dropped rather than queued, so a
// flapping site cannot build an unbounded backlog. Identical messages within
// the dedup window are suppressed.
package notifier
