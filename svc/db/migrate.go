package db

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"clipvault/pkg/domain"
	"clipvault/svc/util"
)

// Schema versions are plain integers applied strictly in order. Version 1 is
// the legacy single-table layout that predates the asset/record split;
// version 2 introduces the split; version 3 adds datetime_score and
// encrypt_key_md5 to the record table.
const currentSchemaVersion = 3

const metaVersionKey = "schema_version"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS asset (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	data_b64 TEXT,
	unicode_text_b64 TEXT,
	hash_id TEXT UNIQUE NOT NULL
);
CREATE TABLE IF NOT EXISTS record (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hash_id TEXT UNIQUE NOT NULL,
	data_md5_b64 TEXT NOT NULL REFERENCES asset(hash_id) ON DELETE CASCADE,
	sender_app TEXT NOT NULL DEFAULT '',
	cached_image_path TEXT NOT NULL DEFAULT '',
	data_type INTEGER NOT NULL,
	create_time TEXT NOT NULL,
	datetime_score INTEGER NOT NULL DEFAULT 0,
	pinned INTEGER NOT NULL DEFAULT 0,
	encrypt_data INTEGER NOT NULL DEFAULT 0,
	unicode_text TEXT NOT NULL DEFAULT '',
	encrypt_key_md5 TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_record_score ON record(datetime_score);
CREATE INDEX IF NOT EXISTS idx_record_digest ON record(data_md5_b64);
`

type migration struct {
	from  int
	to    int
	apply func(*Store) error
}

func (s *Store) migrations() []migration {
	return []migration{
		// The legacy layout has no asset table and interleaves payloads with
		// record metadata; there is no lossless path forward, recreating at
		// the current layout is the accepted behavior for this case.
		{from: 1, to: currentSchemaVersion, apply: (*Store).migrateRecreate},
		{from: 2, to: 3, apply: (*Store).migrateAddScoreColumns},
	}
}

func (s *Store) migrate() error {
	hasMeta, err := s.tableExists("meta")
	if err != nil {
		return err
	}
	hasRecord, err := s.tableExists("record")
	if err != nil {
		return err
	}
	if !hasRecord {
		// Fresh install, or a full reset interrupted between drop and
		// recreate. Either way the current layout can be created directly;
		// schemaSQL tolerates whatever survived.
		if _, err := s.db.Exec(schemaSQL); err != nil {
			return errors.Wrap(err, "create schema")
		}
		if hasMeta {
			stored, err := s.schemaVersion()
			if err != nil {
				return err
			}
			if stored >= currentSchemaVersion {
				return nil
			}
		}
		return s.setSchemaVersion(currentSchemaVersion)
	}
	stored := 1
	if hasMeta {
		stored, err = s.schemaVersion()
		if err != nil {
			return err
		}
	} else {
		if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
			return errors.Wrap(err, "create meta table")
		}
	}
	if stored == currentSchemaVersion {
		return nil
	}
	if stored > currentSchemaVersion {
		// A database written by a newer build. Refusing to "migrate" is the
		// deliberate choice here: the legacy drop-through would silently
		// discard the user's history.
		util.Warn().
			Err(domain.ErrSchemaFromFuture).
			Int("stored", stored).
			Int("current", currentSchemaVersion).
			Msg("skipping migration")
		return nil
	}
	for _, m := range s.migrations() {
		if m.from < stored {
			continue
		}
		util.Info().Int("from", m.from).Int("to", m.to).Msg("applying schema migration")
		if err := m.apply(s); err != nil {
			return errors.Wrapf(err, "migrate from v%d", m.from)
		}
		if err := s.setSchemaVersion(m.to); err != nil {
			return err
		}
		stored = m.to
	}
	return nil
}

func (s *Store) migrateRecreate() error {
	if _, err := s.db.Exec(`DROP TABLE IF EXISTS record; DROP TABLE IF EXISTS asset;`); err != nil {
		return errors.Wrap(err, "drop legacy tables")
	}
	_, err := s.db.Exec(schemaSQL)
	return errors.Wrap(err, "recreate schema")
}

func (s *Store) migrateAddScoreColumns() error {
	stmts := []string{
		`ALTER TABLE record ADD COLUMN datetime_score INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE record ADD COLUMN encrypt_key_md5 TEXT NOT NULL DEFAULT ''`,
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			return errors.Wrap(err, "alter record table")
		}
	}
	rows, err := s.db.Query(`SELECT hash_id, create_time FROM record`)
	if err != nil {
		return errors.Wrap(err, "scan rows for backfill")
	}
	defer rows.Close()
	type backfill struct {
		hashID string
		score  int64
	}
	var updates []backfill
	for rows.Next() {
		var hashID, createTime string
		if err := rows.Scan(&hashID, &createTime); err != nil {
			return errors.Wrap(err, "scan backfill row")
		}
		t, err := time.Parse(domain.TimeLayout, createTime)
		if err != nil {
			// Unparseable timestamps keep score 0 and sort first; the row
			// stays readable instead of failing the whole migration.
			util.Warn().Str("hash_id", hashID).Str("create_time", createTime).Msg("backfill: bad create_time")
			continue
		}
		updates = append(updates, backfill{hashID: hashID, score: DatetimeScore(t)})
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate backfill rows")
	}
	keyDigest := s.codec.KeyDigest()
	for _, u := range updates {
		if _, err := s.db.Exec(
			`UPDATE record SET datetime_score = ?, encrypt_key_md5 = ? WHERE hash_id = ?`,
			u.score, keyDigest, u.hashID,
		); err != nil {
			return errors.Wrap(err, "backfill record")
		}
	}
	return nil
}

// DatetimeScore is the persisted ordering score derived from the capture
// time. Milliseconds keep it monotone for any realistic capture rate while
// staying well inside int64.
func DatetimeScore(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func (s *Store) tableExists(name string) (bool, error) {
	var n string
	err := s.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "sqlite_master lookup")
	}
	return true, nil
}

func (s *Store) schemaVersion() (int, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, metaVersionKey).Scan(&v)
	if err == sql.ErrNoRows {
		return 1, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "read schema version")
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "malformed schema version %q", v)
	}
	return n, nil
}

func (s *Store) setSchemaVersion(v int) error {
	_, err := s.db.Exec(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaVersionKey, strconv.Itoa(v),
	)
	return errors.Wrap(err, "write schema version")
}
