package domain

import (
	"time"
)

// TimeLayout is the on-disk timestamp format for create_time columns and
// the sync files. RFC 3339 with nanoseconds; time.Parse accepts both plain
// RFC 3339 and the nanosecond variant, so older rows round-trip unchanged.
const TimeLayout = time.RFC3339Nano

// PinnedScore is the reserved maximum display score. Pinned records always
// report it so they sort above everything regardless of order mode.
const PinnedScore int64 = 1<<63 - 1

// RecordOrder selects how display scores are computed.
type RecordOrder string

const (
	OrderCreateTime RecordOrder = "create_time"
	OrderDataType   RecordOrder = "data_type"
	OrderSourceApp  RecordOrder = "source_app"
)

// ClipboardRecord is one captured clipboard entry. Content, ContentDigest
// and CreatedAt are immutable after capture; only Pinned (and the derived
// display score) may change.
type ClipboardRecord struct {
	HashID           string
	Content          Content
	ContentType      ContentType
	ContentDigest    string
	Encrypted        bool
	SourceApp        string
	CreatedAt        time.Time
	OrdinalScore     int64
	Pinned           bool
	CachedImagePath  string
	EncryptKeyDigest string

	// Invalid marks a row whose stored payload failed to decode. Invalid
	// records are excluded from results and eligible for sweep deletion.
	Invalid bool
}

// SameCapture reports logical equality for the dedup gate: two captures with
// identical digest, source app, type and timestamp are the same event.
func (r *ClipboardRecord) SameCapture(o *ClipboardRecord) bool {
	return r.ContentDigest == o.ContentDigest &&
		r.SourceApp == o.SourceApp &&
		r.ContentType == o.ContentType &&
		r.CreatedAt.Equal(o.CreatedAt)
}

// DisplayText returns the searchable text of the record, empty for invalid
// records.
func (r *ClipboardRecord) DisplayText() string {
	if r.Invalid || r.Content == nil {
		return ""
	}
	return r.Content.DisplayText()
}

// RecordSnapshot is the JSON projection of a record carried in sync logs and
// the exported data file. The encoded payload travels as stored (possibly
// encrypted); the receiving peer persists it verbatim.
type RecordSnapshot struct {
	HashID          string `json:"hash_id"`
	Data            string `json:"data_b64"`
	Fallback        string `json:"unicode_text_b64,omitempty"`
	DataDigest      string `json:"data_md5"`
	SenderApp       string `json:"sender_app"`
	CachedImagePath string `json:"cached_image_path,omitempty"`
	DataType        int    `json:"data_type"`
	CreateTime      string `json:"create_time"`
	DatetimeScore   int64  `json:"datetime_score"`
	Pinned          bool   `json:"pinned"`
	EncryptData     bool   `json:"encrypt_data"`
	EncryptKeyMD5   string `json:"encrypt_key_md5"`
}
