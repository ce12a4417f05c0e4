package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"iter"
)

// MaxLineSize bounds a single JSON line
const MaxLineSize = 1 << 20

// LineError reports a line that could not be decoded. Iteration continues
// past it.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

type JSONLWriter[T any] struct {
	writer *bufio.Writer
	enc    *json.Encoder
}

func NewJSONLWriter[T any](dest io.Writer) *JSONLWriter[T] {
	w := bufio.NewWriter(dest)
	return &JSONLWriter[T]{writer: w, enc: json.NewEncoder(w)}
}

func (jw *JSONLWriter[T]) Append(item T) error {
	if err := jw.enc.Encode(item); err != nil {
		return fmt.Errorf("marshalling JSON: %w", err)
	}
	return nil
}

func (jw *JSONLWriter[T]) Flush() error {
	return jw.writer.Flush()
}

type JSONLReader[T any] struct {
	scanner *bufio.Scanner
}

func NewJSONLReader[T any](src io.Reader) *JSONLReader[T] {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &JSONLReader[T]{scanner: scanner}
}

// Iterator yields one item per non-blank line. Malformed lines yield a
// *LineError and iteration goes on; a read error ends it.
func (jr *JSONLReader[T]) Iterator() iter.Seq2[T, error] {
	var emptyItem T
	return func(yield func(T, error) bool) {
		line := 0
		for jr.scanner.Scan() {
			line++
			data := bytes.TrimSpace(jr.scanner.Bytes())
			if len(data) == 0 {
				continue
			}
			var item T
			if err := json.Unmarshal(data, &item); err != nil {
				if !yield(emptyItem, &LineError{Line: line, Err: fmt.Errorf("unmarshalling JSON: %w", err)}) {
					return
				}
				continue
			}
			if !yield(item, nil) {
				return
			}
		}
		if err := jr.scanner.Err(); err != nil {
			yield(emptyItem, err)
		}
	}
}

// Collect reads every item, stopping at the first error
func Collect[T any](it Iterable[T]) ([]T, error) {
	var items []T
	for item, err := range it.Iterator() {
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}
