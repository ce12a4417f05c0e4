package sweeper

import (
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/eventlog"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/klauspost/compress/zstd"
)

// Archiver appends expired records to daily zstd-compressed JSON-lines
// files. Every call writes a complete zstd frame, so a file is a valid
// stream after each append.
type Archiver struct {
	dir string
}

// NewArchiver creates an archiver writing under dir
func NewArchiver(dir string) (*Archiver, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &Archiver{dir: dir}, nil
}

// FileFor returns the archive file records swept at t are appended to
func (a *Archiver) FileFor(t time.Time) string {
	return filepath.Join(a.dir, "records-"+t.UTC().Format("2006-01-02")+".jsonl.zst")
}

// Archive appends records to the archive file for now
func (a *Archiver) Archive(now time.Time, records []*types.ReplicationRecord) error {
	if len(records) == 0 {
		return nil
	}

	f, err := os.OpenFile(a.FileFor(now), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	w := eventlog.NewJSONLWriter[*types.ReplicationRecord](enc)
	for _, r := range records {
		if err := w.Append(r); err != nil {
			enc.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finish archive frame: %w", err)
	}
	return f.Sync()
}

// ReadArchive iterates the records of one archive file
func ReadArchive(path string) (iter.Seq2[*types.ReplicationRecord, error], io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	closer := closerFunc(func() error {
		dec.Close()
		return f.Close()
	})
	return eventlog.NewJSONLReader[*types.ReplicationRecord](dec).Iterator(), closer, nil
}

type closerFunc func() error

func (c closerFunc) Close() error { return c() }
