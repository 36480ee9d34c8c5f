package domain

// EventType classifies one sync log entry.
type EventType string

const (
	EventNone      EventType = "none"
	EventAdd       EventType = "add"
	EventChange    EventType = "change"
	EventDelete    EventType = "delete"
	EventDeleteAll EventType = "delete_all"
)

// SyncStatusEntry identifies one peer's record stream. A peer creates one per
// distinct encryption key it has used; FileVersion increments on every batch
// exported to the shared folder.
type SyncStatusEntry struct {
	HashID           string `json:"hash_id"`
	EncryptKeyDigest string `json:"encrypt_key_md5"`
	FileVersion      int64  `json:"file_version"`
}

// SyncLogEntry is one mutating event in a peer's append-only log. Replay is
// strictly in ascending FileVersion order; store idempotence makes replaying
// an entry twice a no-op.
type SyncLogEntry struct {
	FileVersion     int64            `json:"file_version"`
	EventType       EventType        `json:"event_type"`
	AffectedRecords []RecordSnapshot `json:"affected_records"`
}
