package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrationName matches NNN_name.sql
var migrationName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.sql$`)

// Migration is one numbered schema change
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// schemaVersion reads the version recorded in the database header
func schemaVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// loadMigrations collects the migrations under dir in fsys, ordered by
// version. Files that do not follow the naming scheme are skipped.
func loadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	seen := make(map[int]string)
	var migrations []Migration
	for _, entry := range entries {
		m := migrationName.FindStringSubmatch(entry.Name())
		if entry.IsDir() || m == nil {
			continue
		}
		version, err := strconv.Atoi(m[1])
		if err != nil || version == 0 {
			return nil, fmt.Errorf("migration %s has an invalid version", entry.Name())
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, entry.Name(), version)
		}
		seen[version] = entry.Name()

		body, err := fs.ReadFile(fsys, dir+"/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, Migration{Version: version, Name: m[2], SQL: string(body)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// snapshotPath names the copy taken before upgrading from version
func snapshotPath(dbPath string, version int, now time.Time) string {
	return fmt.Sprintf("%s.backup-v%d-%s", dbPath, version, now.Format("20060102-150405"))
}

// snapshot writes a consistent copy of the live database with VACUUM INTO.
// In-memory databases have nothing to keep.
func snapshot(db *sql.DB, dbPath string, version int) error {
	if dbPath == "" || strings.HasPrefix(dbPath, ":memory:") || strings.HasPrefix(dbPath, "file:") {
		return nil
	}
	target := snapshotPath(dbPath, version, time.Now())
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("backup %s already exists", filepath.Base(target))
	}
	if _, err := db.Exec("VACUUM INTO ?", target); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}
	log.Printf("Created database backup: %s", filepath.Base(target))
	return nil
}

// migrate brings the schema up to the newest embedded migration
func migrate(db *sql.DB, dbPath string) error {
	migrations, err := loadMigrations(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	return migrateTo(db, dbPath, migrations)
}

func migrateTo(db *sql.DB, dbPath string, migrations []Migration) error {
	version, err := schemaVersion(db)
	if err != nil {
		return err
	}

	var pending []Migration
	for _, m := range migrations {
		if m.Version > version {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	// a brand new database has nothing worth keeping
	if version > 0 {
		if err := snapshot(db, dbPath, version); err != nil {
			return err
		}
	}

	for _, m := range pending {
		if err := apply(db, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		log.Printf("Applied migration %d: %s", m.Version, m.Name)
	}
	return nil
}

// apply runs one migration and bumps user_version in the same transaction
func apply(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	// PRAGMA does not take bound parameters
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return fmt.Errorf("failed to record version: %w", err)
	}
	return tx.Commit()
}
