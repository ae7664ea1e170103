// Package memoryhost provides an in-process sessions.StreamHost. Messages
// are kept in a bounded per-session buffer and delivered to subscribers in
// publish order. Event ids are decimal sequence numbers unique within the
// Host.
//
// It is the default stream host and the one used by tests. Buffers do not
// survive a restart; use redishost when that matters.
package memoryhost
