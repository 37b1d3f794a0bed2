// Package notifications publishes unit outcomes to ntfy.
//
// NewService returns a no-op implementation when no topic is configured, so
// callers publish unconditionally. Per-event switches in the [notifications]
// section suppress events the operator does not want to hear about.
package notifications
