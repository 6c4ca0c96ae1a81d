// Package notify delivers notification attempts through channel senders.
//
// Every attempt is persisted before its first send and after every try.
// Failed sends are retried on a per-attempt timer with exponential backoff
// until the attempt is sent or exhausted; Resume re-arms the timers of
// persisted non-terminal attempts after a restart. An attempt that is already
// sent is never sent or reported again.
package notify
