// Package attempt implements persistence for notification attempts.
//
// The FileRepository keeps a JSON journal on disk so pending retries survive
// restarts and sent attempts are never delivered twice. MemoryRepository is
// used when no journal file is configured and in tests.
package attempt
