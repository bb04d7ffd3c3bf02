// Package websocket provides the "websocket" network source.
//
// The source dials a remote WebSocket endpoint and delivers every text or
// binary frame it reads to the listener callback under a single logical
// subject. Dropped connections are re-dialled with exponential backoff until
// StopListening is called or the listening context is cancelled.
//
// Stream arguments:
//
//	url                      ws:// or wss:// endpoint (required)
//	subject                  logical subject (default: first of subjects)
//	bearerToken              optional Authorization bearer token
//	reconnectInitialInterval first backoff delay (default 1s)
//	reconnectMaxInterval     backoff ceiling (default 60s)
//	reconnectMultiplier      backoff growth factor (default 2)
//	handshakeTimeout         dial handshake timeout (default 45s)
package websocket
