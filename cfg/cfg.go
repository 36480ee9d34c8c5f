package cfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

// RetentionCfg is the per-content-type keep policy. Hours <= 0 means keep
// forever (a sweep for that type is a no-op, never "delete everything").
type RetentionCfg struct {
	Text   int
	Images int
	Files  int
}

type Cfg struct {
	Port           string
	Environment    string
	LogLevel       string
	DatabasePath   string
	KeepConnection bool

	MaxRecords  int
	RecordOrder string
	ClickAction string

	CacheImages   bool
	CacheFormat   string
	ImageCacheDir string

	Retention    RetentionCfg
	SweepEvery   time.Duration

	Encrypt     bool
	EncryptKey  Secret
	KeySource   string
	KeyCacheTTL time.Duration

	SyncEnabled bool
	SyncPath    string

	LRUCacheSize   int
	DBQueryTimeout time.Duration
	DBMaxOpenConns int
	DBMaxIdleConns int
	ContextTimeout time.Duration

	DebounceEvery time.Duration
	DebounceBurst int

	// SnapshotPath is where the host shell drops the current clipboard
	// snapshot as JSON before signalling /clipboard/notify.
	SnapshotPath string

	RateLimitRPM   int
	RateLimitBurst int
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "7464")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "clipvault.db")
	c.KeepConnection = getEnv("KEEP_CONNECTION", "true") == "true"

	var err error
	c.MaxRecords, err = getInt("MAX_RECORDS", 300)
	if err != nil {
		return nil, err
	}
	c.RecordOrder = getEnv("RECORD_ORDER", "create_time")
	c.ClickAction = getEnv("CLICK_ACTION", "copy")

	c.CacheImages = getEnv("CACHE_IMAGES", "false") == "true"
	c.CacheFormat = getEnv("CACHE_FORMAT", "png")
	c.ImageCacheDir = getEnv("IMAGE_CACHE_DIR", "cache")

	c.Retention.Text, err = getInt("TEXT_KEEP_HOURS", 0)
	if err != nil {
		return nil, err
	}
	c.Retention.Images, err = getInt("IMAGE_KEEP_HOURS", 0)
	if err != nil {
		return nil, err
	}
	c.Retention.Files, err = getInt("FILES_KEEP_HOURS", 0)
	if err != nil {
		return nil, err
	}
	c.SweepEvery, err = getDuration("SWEEP_INTERVAL", 1*time.Hour)
	if err != nil {
		return nil, err
	}

	c.Encrypt = getEnv("ENCRYPT", "false") == "true"
	c.EncryptKey = NewSecret(getEnv("ENCRYPT_KEY", ""))
	c.KeySource = getEnv("KEY_SOURCE", "env")
	c.KeyCacheTTL, err = getDuration("KEY_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	c.SyncEnabled = getEnv("SYNC_ENABLED", "false") == "true"
	c.SyncPath = getEnv("SYNC_PATH", "")

	c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 512)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 1)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 1)
	if err != nil {
		return nil, err
	}
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	c.DebounceEvery, err = getDuration("DEBOUNCE_INTERVAL", 100*time.Millisecond)
	if err != nil {
		return nil, err
	}
	c.DebounceBurst, err = getInt("DEBOUNCE_BURST", 5)
	if err != nil {
		return nil, err
	}
	c.SnapshotPath = getEnv("SNAPSHOT_PATH", "clipboard.json")

	c.RateLimitRPM, err = getInt("RATE_LIMIT_RPM", 600)
	if err != nil {
		return nil, err
	}
	c.RateLimitBurst, err = getInt("RATE_LIMIT_BURST", 30)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	if c.MaxRecords <= 0 {
		return errors.New("MAX_RECORDS must be positive")
	}
	if c.MaxRecords > 100000 {
		return errors.New("MAX_RECORDS too large")
	}
	switch c.RecordOrder {
	case "create_time", "data_type", "source_app":
	default:
		return fmt.Errorf("RECORD_ORDER must be one of create_time, data_type, source_app (got %q)", c.RecordOrder)
	}
	switch c.CacheFormat {
	case "png", "jpg":
	default:
		return fmt.Errorf("CACHE_FORMAT must be png or jpg (got %q)", c.CacheFormat)
	}
	if c.CacheImages && c.ImageCacheDir == "" {
		return errors.New("IMAGE_CACHE_DIR is required when CACHE_IMAGES=true")
	}
	switch c.KeySource {
	case "env", "vault", "aws":
	default:
		return fmt.Errorf("KEY_SOURCE must be one of env, vault, aws (got %q)", c.KeySource)
	}
	if c.Encrypt && c.KeySource == "env" && c.EncryptKey.Value() == "" {
		return errors.New("ENCRYPT_KEY is required when ENCRYPT=true and KEY_SOURCE=env")
	}
	if c.SyncEnabled {
		if c.SyncPath == "" {
			return errors.New("SYNC_PATH is required when SYNC_ENABLED=true")
		}
		if !filepath.IsAbs(c.SyncPath) {
			return errors.New("SYNC_PATH must be an absolute path")
		}
		if !c.Encrypt {
			return errors.New("SYNC_ENABLED=true requires ENCRYPT=true (peer identity is the key digest)")
		}
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.SweepEvery < time.Minute {
		return errors.New("SWEEP_INTERVAL must be at least 1 minute")
	}
	if c.KeyCacheTTL < time.Minute {
		return errors.New("KEY_CACHE_TTL must be at least 1 minute")
	}
	if c.DebounceEvery <= 0 || c.DebounceBurst <= 0 {
		return errors.New("DEBOUNCE_INTERVAL and DEBOUNCE_BURST must be positive")
	}
	if c.RateLimitRPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.EncryptKey.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
