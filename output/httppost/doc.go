// Package httppost provides the "http" publish sink. Every message is sent as
// the body of one POST request.
//
// Connect takes the endpoint URL. A "{topic}" placeholder in it is replaced by
// the path-escaped topic; the topic is also sent in the X-Topic header and a
// per-message UUID in X-Request-ID.
//
// Sink arguments:
//
//	contentType  Content-Type header (default "application/json")
//	headers      JSON object of extra headers
//	timeout      client timeout (default 30s)
//	retryCount   retries after the first attempt, 0..10 (default 3)
//	retryDelay   first backoff delay (default 100ms)
//
// Transport errors, 5xx and 429 responses are retried. Other non-2xx
// responses fail the message immediately.
package httppost
