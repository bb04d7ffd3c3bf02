// Package errors provides the error classification used across the listener.
//
// # Classification
//
// Every error that crosses a component boundary falls into one of three classes:
//
//   - Transient: coordination store or network temporarily unavailable (retry)
//   - Invalid: malformed profile, malformed inbound message (do not retry)
//   - Fatal: the adapter cannot continue (stop)
//
// The listener only stops on configuration and registration failures. Everything
// else is classified, logged, and contained to the message or action that caused it.
//
// # Wrapping
//
// Errors are wrapped with the standard format:
//
//	"component.method: action failed: %w"
//
// using one of:
//
//	errors.Wrap(err, "Core", "Run", "register adapter")
//	errors.WrapTransient(err, "SQLStore", "RegisterAdapter", "insert adapter row")
//	errors.WrapInvalid(errors.ErrTransform, "RasProvider", "ProcessRawStringData", "parse message")
//	errors.WrapFatal(err, "TelemetryProvider", "New", "load sensor metadata")
//
// Sentinel errors such as ErrInvalidConfig or ErrTransform stay reachable through
// errors.Is on the wrapped chain.
package errors
