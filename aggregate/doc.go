// Package aggregate holds the per-key state applied by transform providers
// before records reach the action providers: an Accumulator that attaches
// windowed min/max/average to telemetry samples and a Suppressor that
// collapses repeated RAS events.
//
// Both keep one entry per key, guarded by its own mutex. Keys are unbounded
// unless WithMaxKeys or WithIdleExpiry is given.
package aggregate
