// Package file provides the "file" publish sink. Each topic is written to
// its own file, <directory>/<filePrefix>-<topic>.<format>, with characters
// outside [A-Za-z0-9_-] in the topic replaced by underscores.
//
// Connect takes the output directory, optionally as a file:// URL.
//
// Sink arguments:
//
//	format         jsonl (compacted, one per line), json (indented) or raw (default jsonl)
//	filePrefix     file name prefix (default "netlistener")
//	append         append to existing files instead of truncating (default true)
//	flushInterval  how often buffered writes reach disk (default 1s)
//
// Bodies that are not valid JSON are written unchanged in the json formats.
package file
