// Command crrmon-reindex rebuilds the secondary indexes and status counters
// of a crrmon data directory from its records. Run it with the daemon
// stopped, after a crash that left counters drifting, or after restoring a
// database from backup.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws-solutions/aws-crr-monitor/pkg/log"
	"github.com/aws-solutions/aws-crr-monitor/pkg/storage"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/spf13/pflag"
)

var (
	dataDir    = pflag.String("data-dir", "./crrmon-data", "crrmon data directory")
	dryRun     = pflag.Bool("dry-run", false, "Report counter drift without making changes")
	backupPath = pflag.String("backup", "", "Path to back up the database before reindexing (default: <data-dir>/crrmon.db.backup)")
	logJSON    = pflag.Bool("log-json", false, "Log in JSON")
)

func main() {
	pflag.Parse()
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: *logJSON})

	if err := run(); err != nil {
		log.Logger.Fatal().Err(err).Msg("Reindex failed")
	}
}

func run() error {
	dbPath := filepath.Join(*dataDir, storage.DBFileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("database not found at %s", dbPath)
	}
	log.Logger.Info().Str("database", dbPath).Bool("dry_run", *dryRun).Msg("crrmon reindex")

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		if err := copyFile(dbPath, backupFile); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
		log.Logger.Info().Str("backup", backupFile).Msg("✓ Backup created")
	}

	store, err := storage.NewBoltStore(*dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	stored, err := store.CountRecords()
	if err != nil {
		return err
	}
	actual, err := countRecords(store)
	if err != nil {
		return err
	}

	drift := false
	for status, n := range actual {
		if stored[status] != n {
			drift = true
			log.Logger.Warn().
				Str("status", string(status)).
				Int("counter", stored[status]).
				Int("records", n).
				Msg("Counter drift")
		}
	}
	if !drift {
		log.Logger.Info().Msg("✓ Counters match records")
	}

	if *dryRun {
		log.Logger.Info().Msg("Dry run completed. No changes made.")
		return nil
	}

	n, err := store.RebuildIndexes()
	if err != nil {
		return err
	}
	log.Logger.Info().Int("records", n).Msg("✓ Indexes rebuilt")
	return nil
}

// countRecords tallies records per status by scanning the records bucket
func countRecords(store *storage.BoltStore) (map[types.RecordStatus]int, error) {
	counts := map[types.RecordStatus]int{
		types.StatusPending:    0,
		types.StatusReplicated: 0,
		types.StatusFailed:     0,
		types.StatusTimedOut:   0,
	}
	_, err := store.ScanRecords(storage.RecordFilter{}, func(r *types.ReplicationRecord) error {
		counts[r.Status]++
		return nil
	})
	return counts, err
}

func copyFile(src, dst string) error {
	source, err := os.Open(src)
	if err != nil {
		return err
	}
	defer source.Close()

	destination, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destination.Close()

	if _, err := io.Copy(destination, source); err != nil {
		return err
	}
	return destination.Sync()
}
