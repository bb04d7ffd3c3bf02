// Package sse provides the "sse" network source, a server-sent events client
// for the foreign cluster management REST endpoint.
//
// Events are delivered under their "event:" name. Names that are not one of
// the stream subjects are dropped unless subjects contains "*". Events
// without a name use the first subject. Each "id:" value is reported through
// the stream location callback so a restarted listener resumes with
// Last-Event-ID.
//
// Stream arguments:
//
//	connectAddress   host name (required)
//	connectPort      port (required)
//	urlPath          request path (default "/")
//	useSSL           use https (default false)
//	requestType      GET or POST (default GET)
//	subjects         comma separated accepted event names
//	bearerToken      token sent as Authorization, usually merged in from the
//	                 tokenAuthProvider configuration
//	reconnectDelay   delay before reconnecting (default 1s, overridden by
//	                 the server's "retry:" field)
//	requestBuilderSelectors.<k>  sent as query parameters for GET or as a
//	                 JSON body for POST
package sse
