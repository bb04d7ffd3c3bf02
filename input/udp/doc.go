// Package udp provides the "udp" network source. Every datagram received on
// the bound socket is delivered as one message on the stream's subject.
//
// Stream arguments:
//
//	port        UDP port, 0 picks a free port (required)
//	bind        listen address (default "0.0.0.0")
//	subject     subject passed to the callback (default: first of subjects)
//	splitLines  deliver each non-blank line of a datagram separately (default false)
//	readBuffer  socket receive buffer in bytes (default 2 MiB)
package udp
