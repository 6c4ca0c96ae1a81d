// Package event implements the event store.
//
// Store normalizes, validates, identifies and enriches events before handing
// them to a Repository backend. Two backends exist: MemoryRepository for a
// single node and PostgresRepository on top of lib/pq. Both order events by
// (timestamp, id) and page through them with event.Cursor values, so clients
// following the returned cursors never see an event twice or miss one.
package event
