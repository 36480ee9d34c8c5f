package sync

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"clipvault/pkg/domain"
)

// Fixed filenames inside a peer directory. The directory name is the peer's
// encrypt-key digest, so every peer that shares a passphrase shares a stream.
const (
	statusFile = "status.json"
	logFile    = "log.json"
	dataFile   = "data.json"
)

func statusPath(root, digest string) string {
	return filepath.Join(root, digest, statusFile)
}

func logPath(root, digest string) string {
	return filepath.Join(root, digest, logFile)
}

func dataPath(root, digest string) string {
	return filepath.Join(root, digest, dataFile)
}

func readStatus(path string) (domain.SyncStatusEntry, error) {
	var st domain.SyncStatusEntry
	raw, err := os.ReadFile(path)
	if err != nil {
		return st, errors.Wrap(err, "read sync status")
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, errors.Wrap(err, "decode sync status")
	}
	return st, nil
}

func readLog(path string) ([]domain.SyncLogEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read sync log")
	}
	var entries []domain.SyncLogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrap(err, "decode sync log")
	}
	return entries, nil
}

func readData(path string) ([]domain.RecordSnapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read sync data")
	}
	var snaps []domain.RecordSnapshot
	if err := json.Unmarshal(raw, &snaps); err != nil {
		return nil, errors.Wrap(err, "decode sync data")
	}
	return snaps, nil
}

// writeJSON writes v to path through a temp file in the same directory so a
// peer reading concurrently never sees a half-written file. Indented output
// keeps the sync folder diffable by hand.
func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode sync file")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create peer dir")
	}
	tmp, err := os.CreateTemp(dir, ".sync-*")
	if err != nil {
		return errors.Wrap(err, "create temp sync file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "write temp sync file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "close temp sync file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "replace sync file")
	}
	return nil
}
