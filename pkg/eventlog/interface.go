// Package eventlog reads and writes typed JSON-lines logs.
//
// The daemon and the CLI use it to consume raw replication events from
// files or stdin, to export dead letters, and as the record format of the
// sweeper's compressed archive.
package eventlog

import "iter"

type Iterable[T any] interface {
	Iterator() iter.Seq2[T, error]
}

type Appender[T any] interface {
	Append(item T) error
}
