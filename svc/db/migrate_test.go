package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"clipvault/pkg/domain"
	"clipvault/svc/codec"
)

func openRaw(t *testing.T, path string) *sql.DB {
	t.Helper()
	raw, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestFreshInstallStampsCurrentVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")
	s, err := New(path, codec.New(""))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	v, err := s.schemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != currentSchemaVersion {
		t.Fatalf("fresh version = %d, want %d", v, currentSchemaVersion)
	}
	for _, table := range []string{"meta", "asset", "record"} {
		ok, err := s.tableExists(table)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("table %s missing after fresh install", table)
		}
	}
}

func TestReopenIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := New(path, codec.New(""))
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := New(path, codec.New(""))
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	v, err := s2.schemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != currentSchemaVersion {
		t.Fatalf("version after reopen = %d", v)
	}
}

func TestLegacyDatabaseRecreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	raw := openRaw(t, path)
	// Version 1 layout: one table, payloads inline, no meta.
	if _, err := raw.Exec(`CREATE TABLE record (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		data TEXT, sender_app TEXT, data_type INTEGER, create_time TEXT
	)`); err != nil {
		t.Fatal(err)
	}
	if _, err := raw.Exec(`INSERT INTO record (data, sender_app, data_type, create_time)
		VALUES ('old payload', 'app', 0, '2020-01-01T00:00:00Z')`); err != nil {
		t.Fatal(err)
	}
	raw.Close()

	s, err := New(path, codec.New(""))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	v, err := s.schemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != currentSchemaVersion {
		t.Fatalf("version after legacy migration = %d", v)
	}
	n, err := s.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("legacy rows survived recreate: %d", n)
	}
}

func TestInterruptedResetRecreatesTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reset.db")
	s, err := New(path, codec.New(""))
	if err != nil {
		t.Fatal(err)
	}
	// A full reset that dies between drop and recreate leaves meta stamped
	// current but no data tables.
	if _, err := s.db.Exec(`DROP TABLE record; DROP TABLE asset;`); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := New(path, codec.New(""))
	if err != nil {
		t.Fatalf("reopen after interrupted reset failed: %v", err)
	}
	defer s2.Close()
	n, err := s2.Count(context.Background())
	if err != nil {
		t.Fatalf("store unusable after reopen: %v", err)
	}
	if n != 0 {
		t.Fatalf("recreated store holds %d rows", n)
	}
	v, err := s2.schemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != currentSchemaVersion {
		t.Fatalf("version after recreate = %d", v)
	}
}

func TestMigrateV2AddsAndBackfillsScoreColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v2.db")
	raw := openRaw(t, path)
	stmts := []string{
		`CREATE TABLE meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
		`INSERT INTO meta (key, value) VALUES ('schema_version', '2')`,
		`CREATE TABLE asset (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			data_b64 TEXT, unicode_text_b64 TEXT, hash_id TEXT UNIQUE NOT NULL
		)`,
		`CREATE TABLE record (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			hash_id TEXT UNIQUE NOT NULL,
			data_md5_b64 TEXT NOT NULL REFERENCES asset(hash_id) ON DELETE CASCADE,
			sender_app TEXT NOT NULL DEFAULT '',
			cached_image_path TEXT NOT NULL DEFAULT '',
			data_type INTEGER NOT NULL,
			create_time TEXT NOT NULL,
			pinned INTEGER NOT NULL DEFAULT 0,
			encrypt_data INTEGER NOT NULL DEFAULT 0,
			unicode_text TEXT NOT NULL DEFAULT ''
		)`,
		`INSERT INTO asset (hash_id, data_b64, unicode_text_b64) VALUES ('digest-1', 'hello', '')`,
		`INSERT INTO record (hash_id, data_md5_b64, sender_app, data_type, create_time)
			VALUES ('rec-1', 'digest-1', 'app', 0, '2023-06-15T12:00:00Z')`,
	}
	for _, q := range stmts {
		if _, err := raw.Exec(q); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
	}
	raw.Close()

	cdc := codec.New("passphrase")
	s, err := New(path, cdc)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	v, err := s.schemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != currentSchemaVersion {
		t.Fatalf("version after v2 migration = %d", v)
	}

	var score int64
	var keyDigest string
	if err := s.db.QueryRow(
		`SELECT datetime_score, encrypt_key_md5 FROM record WHERE hash_id = 'rec-1'`,
	).Scan(&score, &keyDigest); err != nil {
		t.Fatal(err)
	}
	created, _ := time.Parse(domain.TimeLayout, "2023-06-15T12:00:00Z")
	if score != DatetimeScore(created) {
		t.Fatalf("backfilled score = %d, want %d", score, DatetimeScore(created))
	}
	if keyDigest != cdc.KeyDigest() {
		t.Fatalf("backfilled key digest = %q, want %q", keyDigest, cdc.KeyDigest())
	}
}

func TestNewerSchemaIsLeftAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.db")
	s, err := New(path, codec.New(""))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.setSchemaVersion(99); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Opening must neither fail nor touch the stored version.
	s2, err := New(path, codec.New(""))
	if err != nil {
		t.Fatalf("open against newer schema failed: %v", err)
	}
	defer s2.Close()
	v, err := s2.schemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != 99 {
		t.Fatalf("newer version rewritten to %d", v)
	}
}

func TestDatetimeScoreOrdersAcrossFormats(t *testing.T) {
	early, _ := time.Parse(time.RFC3339, "2024-01-01T00:00:00Z")
	late, _ := time.Parse(domain.TimeLayout, "2024-01-01T00:00:00.5Z")
	if DatetimeScore(early) >= DatetimeScore(late) {
		t.Fatal("sub-second timestamps must order after whole-second ones")
	}
}
