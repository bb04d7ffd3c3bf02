// Package redis provides the "redis" publish sink, which sends every message
// with PUBLISH on the topic channel.
//
// Connect takes a redis:// or rediss:// URL.
//
// Sink arguments:
//
//	channelPrefix   prefix prepended to every topic (default "")
//	publishTimeout  per-message timeout (default 5s)
//	poolSize        connection pool size (default 10)
package redis
