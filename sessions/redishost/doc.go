// Package redishost implements sessions.StreamHost on Redis Streams.
//
// Each session gets one stream (XADD with an approximate MAXLEN). Event ids
// are the Redis stream ids, so Last-Event-ID resumption maps directly onto
// XREAD. Subscribers poll with a blocking XREAD and stop once Cleanup has
// left a closed marker for the session.
//
// The session registry itself stays process-local; Redis only buffers the
// outbound messages.
//
// Example:
//
//	host, err := redishost.NewFromEnv()
//	if err != nil { return err }
//	defer host.Close()
package redishost
