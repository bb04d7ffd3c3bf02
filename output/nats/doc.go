// Package nats provides the "nats" publish sink.
//
// Connect takes a NATS URL; an empty URL reuses the shared client from the
// dependencies. With jetstream=true messages are published through JetStream
// and acknowledged, and when stream is also set the stream is created on
// connect covering streamSubjects (default: topicPrefix+">").
//
// Sink arguments:
//
//	jetstream       publish through JetStream (default false)
//	stream          JetStream stream name to ensure
//	streamSubjects  comma separated subjects of that stream
//	topicPrefix     prefix prepended to every topic (default "")
//	publishTimeout  per-message timeout (default 5s)
package nats
