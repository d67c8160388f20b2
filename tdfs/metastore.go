package tdfs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS directories(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		parent_id INTEGER REFERENCES directories(id)
	)`,
	`CREATE TABLE IF NOT EXISTS files(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner TEXT NOT NULL,
		filename TEXT NOT NULL,
		size INTEGER NOT NULL,
		hash TEXT,
		metadata TEXT NOT NULL,
		directory_id INTEGER NOT NULL REFERENCES directories(id),
		UNIQUE(owner, filename)
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS directories(
		id BIGSERIAL PRIMARY KEY,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		parent_id BIGINT REFERENCES directories(id)
	)`,
	`CREATE TABLE IF NOT EXISTS files(
		id BIGSERIAL PRIMARY KEY,
		owner TEXT NOT NULL,
		filename TEXT NOT NULL,
		size BIGINT NOT NULL,
		hash TEXT,
		metadata TEXT NOT NULL,
		directory_id BIGINT NOT NULL REFERENCES directories(id),
		UNIQUE(owner, filename)
	)`,
}

// MetaStore persists the directory tree and committed file records.
type MetaStore struct {
	db       *sql.DB
	postgres bool
	rootID   int64
}

// OpenMetaStore opens driver ("sqlite" or "postgres"), creates the schema if
// needed and makes sure the root directory exists.
func OpenMetaStore(ctx context.Context, driver, dsn string) (*MetaStore, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case "sqlite", "":
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := CheckPath(filepath.Dir(dsn)); err != nil {
				return nil, err
			}
		}
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err != nil {
			return nil, err
		}
		// one writer at a time, and ":memory:" must stay on a single connection
		db.SetMaxOpenConns(1)
	case "postgres":
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown db driver %q", ErrValidation, driver)
	}

	ms := &MetaStore{db: db, postgres: driver == "postgres"}
	if err := ms.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return ms, nil
}

func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func (ms *MetaStore) init(ctx context.Context) error {
	schema := sqliteSchema
	if ms.postgres {
		schema = postgresSchema
	}
	for _, stmt := range schema {
		if _, err := ms.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	err := ms.db.QueryRowContext(ctx,
		"SELECT id FROM directories WHERE parent_id IS NULL ORDER BY id LIMIT 1").Scan(&ms.rootID)
	if errors.Is(err, sql.ErrNoRows) {
		err = ms.db.QueryRowContext(ctx,
			ms.rebind("INSERT INTO directories(owner, name, parent_id) VALUES(?, ?, NULL) RETURNING id"),
			ROOT_OWNER, ROOT_NAME).Scan(&ms.rootID)
	}
	if err != nil {
		return fmt.Errorf("root directory: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders into $n for postgres.
func (ms *MetaStore) rebind(query string) string {
	if !ms.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (ms *MetaStore) RootID() int64 { return ms.rootID }

func (ms *MetaStore) Close() error { return ms.db.Close() }

func (ms *MetaStore) resolveDir(dirID int64) int64 {
	if dirID == 0 {
		return ms.rootID
	}
	return dirID
}

func (ms *MetaStore) dirExists(ctx context.Context, id int64) error {
	var one int
	err := ms.db.QueryRowContext(ctx, ms.rebind("SELECT 1 FROM directories WHERE id=?"), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: directory %d", ErrNotFound, id)
	}
	return err
}

// CommitFile upserts meta keyed on (owner, filename) and returns the file id.
// Block ids carry only owner and filename, so one owner has at most one record
// per filename. A re-commit keeps the id and moves the record to meta's
// directory.
func (ms *MetaStore) CommitFile(ctx context.Context, meta FileMetadata) (int64, error) {
	meta.DirectoryID = ms.resolveDir(meta.DirectoryID)
	if err := ms.dirExists(ctx, meta.DirectoryID); err != nil {
		return 0, err
	}
	meta.ID = 0
	doc, err := json.Marshal(meta)
	if err != nil {
		return 0, err
	}

	var id int64
	err = ms.db.QueryRowContext(ctx, ms.rebind(`
		INSERT INTO files(owner, filename, size, hash, metadata, directory_id) VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, filename)
		DO UPDATE SET size=excluded.size, hash=excluded.hash, metadata=excluded.metadata, directory_id=excluded.directory_id
		RETURNING id`),
		meta.Owner, meta.Filename, meta.Size, meta.Hash, string(doc), meta.DirectoryID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("commit %s: %w", meta.Filename, err)
	}
	return id, nil
}

func canRead(owner, user string) bool {
	return owner == user || owner == ROOT_OWNER
}

// FileMeta returns the stored document of file id if user may read it.
func (ms *MetaStore) FileMeta(ctx context.Context, id int64, user string) (FileMetadata, error) {
	var (
		meta  FileMetadata
		doc   string
		owner string
	)
	err := ms.db.QueryRowContext(ctx, ms.rebind("SELECT metadata, owner FROM files WHERE id=?"), id).Scan(&doc, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return meta, fmt.Errorf("%w: file %d", ErrNotFound, id)
	}
	if err != nil {
		return meta, err
	}
	if !canRead(owner, user) {
		return meta, fmt.Errorf("%w: file %d", ErrAuthorization, id)
	}
	if err := json.Unmarshal([]byte(doc), &meta); err != nil {
		return meta, fmt.Errorf("decode metadata of file %d: %w", id, err)
	}
	meta.ID = id
	return meta, nil
}

// RemoveFile deletes the record of file id. Blocks are left to the caller.
func (ms *MetaStore) RemoveFile(ctx context.Context, id int64, user string) error {
	var owner string
	err := ms.db.QueryRowContext(ctx, ms.rebind("SELECT owner FROM files WHERE id=?"), id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: file %d", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if !canRead(owner, user) {
		return fmt.Errorf("%w: file %d", ErrAuthorization, id)
	}
	_, err = ms.db.ExecContext(ctx, ms.rebind("DELETE FROM files WHERE id=?"), id)
	return err
}

// List returns the immediate children of dirID visible to user.
func (ms *MetaStore) List(ctx context.Context, dirID int64, user string) (Listing, error) {
	dirID = ms.resolveDir(dirID)
	out := Listing{Directories: []Directory{}, Files: []FileEntry{}}
	if err := ms.dirExists(ctx, dirID); err != nil {
		return out, err
	}

	rows, err := ms.db.QueryContext(ctx, ms.rebind(
		"SELECT id, name, owner FROM directories WHERE parent_id=? AND (owner=? OR owner=?) ORDER BY id"),
		dirID, user, ROOT_OWNER)
	if err != nil {
		return out, err
	}
	for rows.Next() {
		d := Directory{ParentID: &dirID}
		if err := rows.Scan(&d.ID, &d.Name, &d.Owner); err != nil {
			rows.Close()
			return out, err
		}
		out.Directories = append(out.Directories, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return out, err
	}

	rows, err = ms.db.QueryContext(ctx, ms.rebind(
		"SELECT id, filename, size FROM files WHERE directory_id=? AND (owner=? OR owner=?) ORDER BY id"),
		dirID, user, ROOT_OWNER)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var f FileEntry
		if err := rows.Scan(&f.ID, &f.Filename, &f.Size); err != nil {
			return out, err
		}
		out.Files = append(out.Files, f)
	}
	return out, rows.Err()
}

// Mkdir creates name under parentID owned by user.
func (ms *MetaStore) Mkdir(ctx context.Context, parentID int64, name, user string) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: empty directory name", ErrValidation)
	}
	parentID = ms.resolveDir(parentID)
	if err := ms.dirExists(ctx, parentID); err != nil {
		return 0, err
	}
	var id int64
	err := ms.db.QueryRowContext(ctx,
		ms.rebind("INSERT INTO directories(owner, name, parent_id) VALUES(?, ?, ?) RETURNING id"),
		user, name, parentID).Scan(&id)
	return id, err
}

// Rmdir removes directory id if user owns it and it has no children.
func (ms *MetaStore) Rmdir(ctx context.Context, id int64, user string) error {
	tx, err := ms.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		owner  string
		parent sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, ms.rebind("SELECT owner, parent_id FROM directories WHERE id=?"), id).Scan(&owner, &parent)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: directory %d", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if !parent.Valid {
		return fmt.Errorf("%w: the root directory cannot be removed", ErrValidation)
	}
	if owner != user {
		return fmt.Errorf("%w: directory %d", ErrAuthorization, id)
	}

	var children int
	err = tx.QueryRowContext(ctx, ms.rebind(`
		SELECT (SELECT COUNT(*) FROM directories WHERE parent_id=?) + (SELECT COUNT(*) FROM files WHERE directory_id=?)`),
		id, id).Scan(&children)
	if err != nil {
		return err
	}
	if children > 0 {
		return fmt.Errorf("%w: directory %d is not empty", ErrConflict, id)
	}
	if _, err := tx.ExecContext(ctx, ms.rebind("DELETE FROM directories WHERE id=?"), id); err != nil {
		return err
	}
	return tx.Commit()
}

// Directories lists every directory owned by user or by root.
func (ms *MetaStore) Directories(ctx context.Context, user string) ([]Directory, error) {
	rows, err := ms.db.QueryContext(ctx, ms.rebind(
		"SELECT id, name, parent_id, owner FROM directories WHERE owner=? OR owner=? ORDER BY id"),
		user, ROOT_OWNER)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	dirs := []Directory{}
	for rows.Next() {
		var (
			d      Directory
			parent sql.NullInt64
		)
		if err := rows.Scan(&d.ID, &d.Name, &parent, &d.Owner); err != nil {
			return nil, err
		}
		if parent.Valid {
			p := parent.Int64
			d.ParentID = &p
		}
		dirs = append(dirs, d)
	}
	return dirs, rows.Err()
}
