// Package broadcast fans events, alarm updates and stream status out to live
// subscribers.
//
// Each subscription owns a bounded ring buffer. Publishing never blocks: when
// a buffer is full the oldest message is dropped and counted. Subscriptions
// that see neither deliveries nor client activity for the idle timeout are
// torn down by the eviction loop.
package broadcast
