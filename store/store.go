package store

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banksean/zoned/zone"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store is the sqlite-backed persistence layer for the manager's dynamic
// configuration and declarations. One Store instance owns one database
// file for the lifetime of the supervisor process.
type Store struct {
	db *sql.DB
}

// Open opens (creating and migrating if necessary) the sqlite database at
// path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY races

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("store: sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("store: new migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// LoadDynamicConfig reads the single dynamic_config row and the ordered
// zone_config_paths rows.
func (s *Store) LoadDynamicConfig() (*zone.DynamicConfig, error) {
	var defaultZoneID string
	if err := s.db.QueryRow(`SELECT default_zone_id FROM dynamic_config WHERE id = 1`).Scan(&defaultZoneID); err != nil {
		return nil, fmt.Errorf("store: load dynamic config: %w", err)
	}

	rows, err := s.db.Query(`SELECT path FROM zone_config_paths ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("store: load zone config paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("store: scan zone config path: %w", err)
		}
		paths = append(paths, p)
	}
	return &zone.DynamicConfig{ZoneConfigPaths: paths, DefaultZoneID: defaultZoneID}, rows.Err()
}

// SaveDynamicConfig replaces the persisted zone_config_paths list and
// default zone id in a single transaction.
func (s *Store) SaveDynamicConfig(cfg *zone.DynamicConfig) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE dynamic_config SET default_zone_id = ? WHERE id = 1`, cfg.DefaultZoneID); err != nil {
		return fmt.Errorf("store: update default zone id: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM zone_config_paths`); err != nil {
		return fmt.Errorf("store: clear zone config paths: %w", err)
	}
	for i, p := range cfg.ZoneConfigPaths {
		if _, err := tx.Exec(`INSERT INTO zone_config_paths (position, path) VALUES (?, ?)`, i, p); err != nil {
			return fmt.Errorf("store: insert zone config path: %w", err)
		}
	}
	return tx.Commit()
}

// Declarations returns every declaration persisted for zoneID, in insertion
// order.
func (s *Store) Declarations(zoneID string) ([]zone.Declaration, error) {
	rows, err := s.db.Query(`SELECT id, kind, path, source, contents, mode, type, flags, data, target
		FROM declarations WHERE zone_id = ? ORDER BY rowid`, zoneID)
	if err != nil {
		return nil, fmt.Errorf("store: load declarations: %w", err)
	}
	defer rows.Close()

	var out []zone.Declaration
	for rows.Next() {
		var d zone.Declaration
		var kind int
		if err := rows.Scan(&d.ID, &kind, &d.Path, &d.Source, &d.Contents, &d.Mode, &d.Type, &d.Flags, &d.Data, &d.Target); err != nil {
			return nil, fmt.Errorf("store: scan declaration: %w", err)
		}
		d.Kind = zone.DeclarationKind(kind)
		out = append(out, d)
	}
	return out, rows.Err()
}

// PutDeclaration inserts or replaces one declaration for zoneID.
func (s *Store) PutDeclaration(zoneID string, d zone.Declaration) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO declarations
		(id, zone_id, kind, path, source, contents, mode, type, flags, data, target)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, zoneID, int(d.Kind), d.Path, d.Source, d.Contents, d.Mode, d.Type, d.Flags, d.Data, d.Target)
	if err != nil {
		return fmt.Errorf("store: put declaration %s: %w", d.ID, err)
	}
	return nil
}

// RemoveDeclaration deletes one declaration by id.
func (s *Store) RemoveDeclaration(zoneID, declID string) error {
	_, err := s.db.Exec(`DELETE FROM declarations WHERE zone_id = ? AND id = ?`, zoneID, declID)
	if err != nil {
		return fmt.Errorf("store: remove declaration %s: %w", declID, err)
	}
	return nil
}
