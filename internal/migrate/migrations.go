// Package migrate applies the embedded schema migrations for the vault
// database. The applied version lives in SQLite's user_version pragma, so
// the database file itself records how far it has been migrated.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type step struct {
	version int
	name    string
	ddl     string
}

// steps loads the embedded migrations, ordered by version. Filenames must
// follow NNNN_name.sql and versions must be unique.
func steps() ([]step, error) {
	entries, err := schemaFS.ReadDir("sql")
	if err != nil {
		return nil, err
	}
	out := make([]step, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing version prefix", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version prefix: %w", name, err)
		}
		ddl, err := schemaFS.ReadFile("sql/" + name)
		if err != nil {
			return nil, err
		}
		out = append(out, step{version: version, name: name, ddl: string(ddl)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	for i := 1; i < len(out); i++ {
		if out[i].version == out[i-1].version {
			return nil, fmt.Errorf("migrations %s and %s share version %d", out[i-1].name, out[i].name, out[i].version)
		}
	}
	return out, nil
}

// Version returns the schema version currently applied to the database.
func Version(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow(`PRAGMA user_version`).Scan(&v)
	return v, err
}

// Migrate brings the database up to the latest embedded schema version.
// Each pending step runs in its own transaction together with the version
// bump, so a failed step leaves the previous version intact. Running
// against an up-to-date database is a no-op.
func Migrate(db *sql.DB) error {
	all, err := steps()
	if err != nil {
		return err
	}
	applied, err := Version(db)
	if err != nil {
		return err
	}
	for _, s := range all {
		if s.version <= applied {
			continue
		}
		if err := apply(db, s); err != nil {
			return err
		}
		applied = s.version
	}
	return nil
}

func apply(db *sql.DB, s step) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(s.ddl); err != nil {
		return fmt.Errorf("apply %s: %w", s.name, err)
	}
	// PRAGMA does not take bind parameters; the version is a parsed int.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", s.version)); err != nil {
		return fmt.Errorf("record version for %s: %w", s.name, err)
	}
	return tx.Commit()
}
