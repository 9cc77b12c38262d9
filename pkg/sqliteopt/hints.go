// Package sqliteopt tunes the SQLite database backing the run history:
// pragma configuration for write-heavy append workloads plus POSIX file
// access hints for the kernel page cache.
package sqliteopt

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"gorm.io/gorm"
)

// FileAccessPattern represents different access patterns for files
type FileAccessPattern int

const (
	// PatternSequential indicates sequential file access
	PatternSequential FileAccessPattern = iota
	// PatternRandom indicates random file access
	PatternRandom
	// PatternWillNeed indicates data will be needed soon
	PatternWillNeed
	// PatternDontNeed indicates data won't be needed anymore
	PatternDontNeed
)

// ApplyPattern applies the specified access pattern hint to a file
func ApplyPattern(filePath string, pattern FileAccessPattern) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", filePath, err)
	}
	defer file.Close()

	fd := int(file.Fd())

	var advice int
	switch pattern {
	case PatternSequential:
		advice = unix.FADV_SEQUENTIAL
	case PatternRandom:
		advice = unix.FADV_RANDOM
	case PatternWillNeed:
		advice = unix.FADV_WILLNEED
	case PatternDontNeed:
		advice = unix.FADV_DONTNEED
	default:
		return fmt.Errorf("unknown access pattern: %d", pattern)
	}

	if err := unix.Fadvise(fd, 0, 0, advice); err != nil {
		return fmt.Errorf("failed to apply pattern %d: %w", pattern, err)
	}

	return nil
}

// Configure applies SQLite pragmas suited to the append-mostly run
// history workload and kernel hints for its database file. Hints are
// best-effort; pragma failures are returned.
func Configure(db *gorm.DB, dbPath string) error {
	if db == nil {
		return fmt.Errorf("database connection is nil")
	}

	if dbPath != "" {
		// Iteration records are appended and scanned in order
		if err := ApplyPattern(dbPath, PatternSequential); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to apply file hints: %v\n", err)
		}
	}

	// WAL mode for concurrent readers while a run appends
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// NORMAL is safe with WAL and much faster than FULL
	if err := db.Exec("PRAGMA synchronous=NORMAL").Error; err != nil {
		return fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	if err := db.Exec("PRAGMA cache_size=-8000").Error; err != nil {
		return fmt.Errorf("failed to set cache size: %w", err)
	}

	if err := db.Exec("PRAGMA temp_store=MEMORY").Error; err != nil {
		return fmt.Errorf("failed to set temp store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get SQL DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(4)
	sqlDB.SetMaxOpenConns(16)

	return nil
}
