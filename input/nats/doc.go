// Package nats provides the "nats" network source.
//
// Each logical subject of the stream is subscribed as subjectPrefix+subject
// and messages are delivered under the logical subject, so profiles can keep
// foreign bus names out of subjectMap. A "*" subject subscribes to
// subjectPrefix+">" and strips the prefix from the delivered subject.
//
// Stream arguments:
//
//	url            NATS server URL (default: the shared client)
//	subjects       comma separated logical subjects (required)
//	subjectPrefix  prefix prepended to each subject (default "")
//	queueGroup     optional queue group for load sharing
package nats
