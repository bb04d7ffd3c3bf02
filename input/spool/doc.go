// Package spool provides the "spool" network source, which treats every file
// dropped into a directory as one message.
//
// Files already present at start are delivered first in name order. New
// files are picked up through fsnotify once they have not been written to
// for settleDelay, delivered, and removed. Names starting with "." or ending
// in ".tmp" are ignored so writers can create a file and rename it into place.
//
// Stream arguments:
//
//	directory    spool directory (required, created if missing)
//	subject      logical subject (default: first of subjects)
//	settleDelay  quiet period before a file is read (default 100ms)
package spool
