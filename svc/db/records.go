package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"clipvault/metrics"
	"clipvault/pkg/domain"
	"clipvault/svc/util"
)

const recordColumns = `r.hash_id, a.data_b64, a.unicode_text_b64, r.data_md5_b64,
	r.sender_app, r.cached_image_path, r.data_type, r.create_time,
	r.datetime_score, r.pinned, r.encrypt_data, r.encrypt_key_md5`

// AddRecord encodes and persists a record together with its content-addressed
// asset. Both inserts are insert-or-ignore on their unique keys, so a
// double-delivered capture or a replayed sync entry is a no-op.
func (s *Store) AddRecord(ctx context.Context, rec *domain.ClipboardRecord, encrypt bool) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	snap, err := s.Snapshot(rec, encrypt)
	if err != nil {
		return err
	}
	err = s.addSnapshot(ctx, snap)
	s.recordError(err)
	return err
}

// AddSnapshot persists an already-encoded record projection verbatim; sync
// replay uses it so a peer's ciphertext is never re-encoded locally.
func (s *Store) AddSnapshot(ctx context.Context, snap domain.RecordSnapshot) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	err := s.addSnapshot(ctx, snap)
	s.recordError(err)
	return err
}

func (s *Store) addSnapshot(ctx context.Context, snap domain.RecordSnapshot) error {
	queryCtx, cancel := s.opContext(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		return errors.Wrap(err, "begin add tx")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(queryCtx,
		`INSERT OR IGNORE INTO asset (hash_id, data_b64, unicode_text_b64) VALUES (?, ?, ?)`,
		snap.DataDigest, snap.Data, snap.Fallback,
	); err != nil {
		return errors.Wrap(err, "insert asset")
	}
	if _, err := tx.ExecContext(queryCtx,
		`INSERT OR IGNORE INTO record
		 (hash_id, data_md5_b64, sender_app, cached_image_path, data_type,
		  create_time, datetime_score, pinned, encrypt_data, unicode_text, encrypt_key_md5)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?)`,
		snap.HashID, snap.DataDigest, snap.SenderApp, snap.CachedImagePath, snap.DataType,
		snap.CreateTime, snap.DatetimeScore, boolInt(snap.Pinned), boolInt(snap.EncryptData), snap.EncryptKeyMD5,
	); err != nil {
		return errors.Wrap(err, "insert record")
	}
	return errors.Wrap(tx.Commit(), "commit add tx")
}

// Snapshot encodes a record into its persisted/sync projection.
func (s *Store) Snapshot(rec *domain.ClipboardRecord, encrypt bool) (domain.RecordSnapshot, error) {
	data, fallback, err := s.codec.Encode(rec.Content, encrypt)
	if err != nil {
		return domain.RecordSnapshot{}, errors.Wrap(err, "encode content")
	}
	digest := rec.ContentDigest
	if digest == "" {
		digest = s.codec.Digest(s.codec.Canonical(rec.Content))
	}
	return domain.RecordSnapshot{
		HashID:          rec.HashID,
		Data:            data,
		Fallback:        fallback,
		DataDigest:      digest,
		SenderApp:       rec.SourceApp,
		CachedImagePath: rec.CachedImagePath,
		DataType:        int(rec.ContentType),
		CreateTime:      rec.CreatedAt.UTC().Format(domain.TimeLayout),
		DatetimeScore:   DatetimeScore(rec.CreatedAt),
		Pinned:          rec.Pinned,
		EncryptData:     encrypt && rec.ContentType != domain.TypeImage,
		EncryptKeyMD5:   rec.EncryptKeyDigest,
	}, nil
}

// DeleteRecord removes one record. When other records still reference the
// same asset only the record row goes; when this is the last reference the
// delete runs from the asset side so the FK cascade removes both rows.
func (s *Store) DeleteRecord(ctx context.Context, hashID string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := s.opContext(ctx)
	defer cancel()
	var digest string
	err := s.db.QueryRowContext(queryCtx,
		`SELECT data_md5_b64 FROM record WHERE hash_id = ?`, hashID,
	).Scan(&digest)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		s.recordError(err)
		return errors.Wrap(err, "lookup record digest")
	}
	var refs int
	if err := s.db.QueryRowContext(queryCtx,
		`SELECT COUNT(*) FROM record WHERE data_md5_b64 = ?`, digest,
	).Scan(&refs); err != nil {
		s.recordError(err)
		return errors.Wrap(err, "count asset references")
	}
	if refs > 1 {
		_, err = s.db.ExecContext(queryCtx, `DELETE FROM record WHERE hash_id = ?`, hashID)
	} else {
		_, err = s.db.ExecContext(queryCtx, `DELETE FROM asset WHERE hash_id = ?`, digest)
	}
	s.recordError(err)
	return errors.Wrap(err, "delete record")
}

// DeleteAll drops and recreates both tables, the fast full reset behind the
// "clear list and database" action. The meta table survives.
func (s *Store) DeleteAll(ctx context.Context) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `DROP TABLE IF EXISTS record; DROP TABLE IF EXISTS asset;`)
	if err != nil {
		s.recordError(err)
		return errors.Wrap(err, "drop tables")
	}
	_, err = s.db.ExecContext(queryCtx, schemaSQL)
	s.recordError(err)
	return errors.Wrap(err, "recreate tables")
}

// PinRecord flips the pinned flag; nothing else about a record ever changes.
func (s *Store) PinRecord(ctx context.Context, hashID string, pinned bool) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx,
		`UPDATE record SET pinned = ? WHERE hash_id = ?`, boolInt(pinned), hashID,
	)
	s.recordError(err)
	return errors.Wrap(err, "pin record")
}

// GetAllRecords loads and decodes every stored record. With sorted set, rows
// come back in persisted score order and OrdinalScore is re-assigned 1..n so
// a restart always yields a stable, gap-free sequence. Rows whose payload
// fails to decode are returned with Invalid set instead of aborting the load.
func (s *Store) GetAllRecords(ctx context.Context, sorted bool) ([]*domain.ClipboardRecord, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := s.opContext(ctx)
	defer cancel()
	q := `SELECT ` + recordColumns + ` FROM record r JOIN asset a ON a.hash_id = r.data_md5_b64`
	if sorted {
		q += ` ORDER BY r.datetime_score ASC, r.id ASC`
	}
	rows, err := s.db.QueryContext(queryCtx, q)
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "query records")
	}
	defer rows.Close()
	var out []*domain.ClipboardRecord
	var score int64
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if sorted {
			score++
			rec.OrdinalScore = score
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "iterate records")
	}
	s.recordError(nil)
	return out, nil
}

func (s *Store) scanRecord(rows *sql.Rows) (*domain.ClipboardRecord, error) {
	var snap domain.RecordSnapshot
	var pinned, encrypted int
	if err := rows.Scan(
		&snap.HashID, &snap.Data, &snap.Fallback, &snap.DataDigest,
		&snap.SenderApp, &snap.CachedImagePath, &snap.DataType, &snap.CreateTime,
		&snap.DatetimeScore, &pinned, &encrypted, &snap.EncryptKeyMD5,
	); err != nil {
		return nil, errors.Wrap(err, "scan record")
	}
	snap.Pinned = pinned != 0
	snap.EncryptData = encrypted != 0
	return s.decodeSnapshot(snap), nil
}

func (s *Store) decodeSnapshot(snap domain.RecordSnapshot) *domain.ClipboardRecord {
	rec := &domain.ClipboardRecord{
		HashID:           snap.HashID,
		ContentType:      domain.ContentType(snap.DataType),
		ContentDigest:    snap.DataDigest,
		Encrypted:        snap.EncryptData,
		SourceApp:        snap.SenderApp,
		OrdinalScore:     snap.DatetimeScore,
		Pinned:           snap.Pinned,
		CachedImagePath:  snap.CachedImagePath,
		EncryptKeyDigest: snap.EncryptKeyMD5,
	}
	t, err := time.Parse(domain.TimeLayout, snap.CreateTime)
	if err != nil {
		util.Warn().Str("hash_id", snap.HashID).Msg("record has unparseable create_time")
		rec.Invalid = true
		return rec
	}
	rec.CreatedAt = t
	if s.decoded != nil {
		if content, ok := s.decoded.Get(snap.DataDigest); ok {
			rec.Content = content
			return rec
		}
	}
	content, err := s.codec.Decode(snap.Data, rec.ContentType, rec.Encrypted, snap.Fallback)
	if err != nil {
		metrics.DecodeFailures.Inc()
		util.Warn().
			Str("hash_id", snap.HashID).
			Str("digest", util.RedactDigest(snap.DataDigest)).
			Err(err).
			Msg("record payload failed to decode")
		rec.Invalid = true
		return rec
	}
	rec.Content = content
	if s.decoded != nil {
		s.decoded.Set(snap.DataDigest, content)
	}
	return rec
}

// DeleteExpired removes unpinned records of one type older than keepHours.
// keepHours <= 0 means keep forever and is a strict no-op.
func (s *Store) DeleteExpired(ctx context.Context, contentType domain.ContentType, keepHours int) (int64, error) {
	if keepHours <= 0 {
		return 0, nil
	}
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := s.opContext(ctx)
	defer cancel()
	cutoff := DatetimeScore(time.Now().Add(-time.Duration(keepHours) * time.Hour))
	res, err := s.db.ExecContext(queryCtx,
		`DELETE FROM record WHERE data_type = ? AND pinned = 0 AND datetime_score < ?`,
		int(contentType), cutoff,
	)
	if err != nil {
		s.recordError(err)
		return 0, errors.Wrap(err, "delete expired")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if err := s.deleteOrphanAssets(queryCtx); err != nil {
			return n, err
		}
	}
	s.recordError(nil)
	return n, nil
}

// DeleteUnpinned removes every unpinned record; pinned history survives.
func (s *Store) DeleteUnpinned(ctx context.Context) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := s.opContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, `DELETE FROM record WHERE pinned = 0`)
	if err != nil {
		s.recordError(err)
		return 0, errors.Wrap(err, "delete unpinned")
	}
	n, _ := res.RowsAffected()
	err = s.deleteOrphanAssets(queryCtx)
	return n, err
}

// DeleteByOwnerKey removes records carrying a peer's key digest, the scoped
// wipe behind a peer's delete-all event. Only that peer's slice of history
// goes, never the whole store.
func (s *Store) DeleteByOwnerKey(ctx context.Context, keyDigest string) (int64, error) {
	if keyDigest == "" {
		return 0, nil
	}
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := s.opContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx,
		`DELETE FROM record WHERE encrypt_key_md5 = ?`, keyDigest,
	)
	if err != nil {
		s.recordError(err)
		return 0, errors.Wrap(err, "delete by owner key")
	}
	n, _ := res.RowsAffected()
	err = s.deleteOrphanAssets(queryCtx)
	return n, err
}

// DeleteInvalid removes rows whose stored payload no longer decodes (corrupt
// ciphertext, key changes, truncated assets).
func (s *Store) DeleteInvalid(ctx context.Context) (int64, error) {
	records, err := s.GetAllRecords(ctx, false)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, rec := range records {
		if !rec.Invalid {
			continue
		}
		if err := s.DeleteRecord(ctx, rec.HashID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Count reports the number of record rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	queryCtx, cancel := s.opContext(ctx)
	defer cancel()
	var n int
	err := s.db.QueryRowContext(queryCtx, `SELECT COUNT(*) FROM record`).Scan(&n)
	s.recordError(err)
	return n, errors.Wrap(err, "count records")
}

// AssetCount reports the number of asset rows (used by tests and /ready).
func (s *Store) AssetCount(ctx context.Context) (int, error) {
	queryCtx, cancel := s.opContext(ctx)
	defer cancel()
	var n int
	err := s.db.QueryRowContext(queryCtx, `SELECT COUNT(*) FROM asset`).Scan(&n)
	s.recordError(err)
	return n, errors.Wrap(err, "count assets")
}

// Snapshots returns the sync projections of all records owned by keyDigest,
// in persisted score order, the payload of the exported data file.
func (s *Store) Snapshots(ctx context.Context, keyDigest string) ([]domain.RecordSnapshot, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx,
		`SELECT `+recordColumns+` FROM record r JOIN asset a ON a.hash_id = r.data_md5_b64
		 WHERE r.encrypt_key_md5 = ? ORDER BY r.datetime_score ASC, r.id ASC`,
		keyDigest,
	)
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "query snapshots")
	}
	defer rows.Close()
	var out []domain.RecordSnapshot
	for rows.Next() {
		var snap domain.RecordSnapshot
		var pinned, encrypted int
		if err := rows.Scan(
			&snap.HashID, &snap.Data, &snap.Fallback, &snap.DataDigest,
			&snap.SenderApp, &snap.CachedImagePath, &snap.DataType, &snap.CreateTime,
			&snap.DatetimeScore, &pinned, &encrypted, &snap.EncryptKeyMD5,
		); err != nil {
			return nil, errors.Wrap(err, "scan snapshot")
		}
		snap.Pinned = pinned != 0
		snap.EncryptData = encrypted != 0
		out = append(out, snap)
	}
	return out, errors.Wrap(rows.Err(), "iterate snapshots")
}

func (s *Store) deleteOrphanAssets(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM asset WHERE hash_id NOT IN (SELECT data_md5_b64 FROM record)`,
	)
	s.recordError(err)
	return errors.Wrap(err, "delete orphan assets")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
