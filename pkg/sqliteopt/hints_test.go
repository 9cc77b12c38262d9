package sqliteopt

import (
	"os"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestApplyPattern(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatalf("cannot create test file: %v", err)
	}

	patterns := []FileAccessPattern{
		PatternSequential,
		PatternRandom,
		PatternWillNeed,
		PatternDontNeed,
	}
	for _, pattern := range patterns {
		if err := ApplyPattern(path, pattern); err != nil {
			t.Fatalf("pattern %d failed: %v", pattern, err)
		}
	}
}

func TestApplyPattern_MissingFile(t *testing.T) {
	if err := ApplyPattern("/does/not/exist", PatternSequential); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestApplyPattern_UnknownPattern(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("cannot create test file: %v", err)
	}
	if err := ApplyPattern(path, FileAccessPattern(99)); err == nil {
		t.Fatal("expected error for unknown pattern")
	}
}

func TestConfigure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuned.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("cannot open database: %v", err)
	}
	defer func() {
		sqlDB, _ := db.DB()
		sqlDB.Close()
	}()

	// Touch the file so the kernel hints have something to act on
	if err := db.Exec("CREATE TABLE probe (id INTEGER)").Error; err != nil {
		t.Fatalf("cannot create table: %v", err)
	}

	if err := Configure(db, path); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	var mode string
	if err := db.Raw("PRAGMA journal_mode").Scan(&mode).Error; err != nil {
		t.Fatalf("cannot read journal mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected WAL mode, got %q", mode)
	}
}

func TestConfigure_NilDB(t *testing.T) {
	if err := Configure(nil, ""); err == nil {
		t.Fatal("expected error for nil database")
	}
}
