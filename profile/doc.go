// Package profile loads and validates the listener's profile document.
//
// A document declares named adapter profiles, the network streams each
// profile listens to, the subjects it accepts and the provider pair that
// transforms and acts on its messages:
//
//	{
//	  "adapterProfiles": {
//	    "default": {
//	      "networkStreamsRef": ["nodeTelemetry"],
//	      "subjects": ["telemetry"],
//	      "adapterProvider": "environmental"
//	    }
//	  },
//	  "networkStreams": {
//	    "nodeTelemetry": {"name": "sse", "arguments": {"connectAddress": "sms01", "connectPort": 9092}}
//	  },
//	  "providerClassMap": {"environmental": "telemetry"},
//	  "subjectMap": {"telemetry": "EnvironmentalData"}
//	}
//
// Validation is closed-world: every reference must resolve inside the document
// and every provider and source name must be registered. Any failure is an
// invalid-class error wrapping errors.ErrInvalidConfig.
package profile
