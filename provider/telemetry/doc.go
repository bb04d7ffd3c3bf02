// Package telemetry is the environmental telemetry provider.
//
// A payload is one JSON value or several concatenated ones. Each value is an
// item, an array of items, or an envelope whose metrics.messages array holds
// the items. Two item forms are accepted:
//
//	{"sensor": "991", "value": 41.5, "timestamp": "...", "location": "x0c0s0b0n0,x0c0s1b0n0"}
//	{"__FullName__": "CC_T_MCU_TEMP", "Value": "41.5", "Timestamp": "...", "Location": "x0c0s0b0n0"}
//
// Sensor ids resolve through the embedded sensor metadata table, which
// supplies description, units, telemetry type, a scale factor and an optional
// location suffix. Items naming an unknown sensor are dropped.
//
// Provider configuration keys:
//
//	useAggregation         bool, default true
//	useTimeWindow          bool, default false
//	windowSize             int, default 25
//	timeWindowSeconds      number, default 600
//	useMovingAverage       bool, default false
//	maxKeys                int, default 0 (unbounded)
//	idleExpirySeconds      number, default 0 (never)
//	publish                bool, default false
//	publishRawTopic        default "ucs_raw_data"
//	publishAggregatedTopic default "ucs_aggregate_data"
package telemetry
