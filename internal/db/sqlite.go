package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB is the index of the disk cache tier: it remembers which checksum,
// content type and file name every stored image file belongs to.
type DB struct {
	db *sql.DB
}

// Entry is one indexed image file.
type Entry struct {
	AssetID     string
	Checksum    string
	ContentType string
	FileName    string
	Size        int64
	StoredAt    time.Time
	AccessedAt  time.Time
}

// Open opens (or creates) the index at path and applies pending migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer; serializing here avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(d.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	// m.Close would close d.db through the driver, so m is left open.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Upsert inserts or replaces the entry for e.AssetID.
func (d *DB) Upsert(ctx context.Context, e Entry) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO images (asset_id, checksum, content_type, file_name, size, stored_at, accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (asset_id) DO UPDATE SET
			checksum = excluded.checksum,
			content_type = excluded.content_type,
			file_name = excluded.file_name,
			size = excluded.size,
			stored_at = excluded.stored_at,
			accessed_at = excluded.accessed_at`,
		e.AssetID, e.Checksum, e.ContentType, e.FileName, e.Size, e.StoredAt.UnixMilli(), e.AccessedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert %s: %w", e.AssetID, err)
	}
	return nil
}

// Get retrieves the entry for an asset id.
func (d *DB) Get(ctx context.Context, assetID string) (Entry, bool, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT asset_id, checksum, content_type, file_name, size, stored_at, accessed_at
		FROM images WHERE asset_id = ?`, assetID)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("failed to get entry for %s: %w", assetID, err)
	}
	return e, true, nil
}

// Touch records a read of an asset.
func (d *DB) Touch(ctx context.Context, assetID string, at time.Time) error {
	_, err := d.db.ExecContext(ctx, "UPDATE images SET accessed_at = ? WHERE asset_id = ?", at.UnixMilli(), assetID)
	if err != nil {
		return fmt.Errorf("failed to touch %s: %w", assetID, err)
	}
	return nil
}

// Delete removes the entry for an asset id.
func (d *DB) Delete(ctx context.Context, assetID string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM images WHERE asset_id = ?", assetID)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", assetID, err)
	}
	return nil
}

// Walk calls fn for every entry, least recently accessed first.
func (d *DB) Walk(ctx context.Context, fn func(Entry) error) error {
	rows, err := d.db.QueryContext(ctx, `
		SELECT asset_id, checksum, content_type, file_name, size, stored_at, accessed_at
		FROM images ORDER BY accessed_at ASC`)
	if err != nil {
		return fmt.Errorf("failed to list entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	// Collect first: fn may write to the database and there is a single connection.
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var stored, accessed int64
	if err := s.Scan(&e.AssetID, &e.Checksum, &e.ContentType, &e.FileName, &e.Size, &stored, &accessed); err != nil {
		return Entry{}, err
	}
	e.StoredAt = time.UnixMilli(stored)
	e.AccessedAt = time.UnixMilli(accessed)
	return e, nil
}
