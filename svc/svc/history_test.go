package svc

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"clipvault/cfg"
	"clipvault/metrics"
	"clipvault/pkg/domain"
	"clipvault/svc/cache"
	"clipvault/svc/codec"
	"clipvault/svc/db"
	"clipvault/svc/retain"
	"clipvault/svc/watch"
)

type scriptedSource struct {
	mu   sync.Mutex
	snap watch.Snapshot
}

func (s *scriptedSource) Read(context.Context) (watch.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, nil
}

func (s *scriptedSource) set(snap watch.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
}

func testConfig(t *testing.T) *cfg.Cfg {
	t.Helper()
	return &cfg.Cfg{
		MaxRecords:     10,
		RecordOrder:    "create_time",
		LRUCacheSize:   16,
		ContextTimeout: 5 * time.Second,
		ImageCacheDir:  t.TempDir(),
		CacheFormat:    "png",
	}
}

func newTestHistory(t *testing.T, c *cfg.Cfg, src watch.Source) (*History, *db.Store) {
	t.Helper()
	cdc := codec.New("")
	store, err := db.New(filepath.Join(t.TempDir(), "history.db"), cdc)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	lru, err := cache.NewDecoded(c.LRUCacheSize)
	if err != nil {
		t.Fatal(err)
	}
	// Debounce window of zero would reject everything; a tiny window with a
	// generous burst keeps the test deterministic.
	w := watch.New(src, time.Nanosecond, 100)
	policy := retain.New(store, cfg.RetentionCfg{}, time.Hour)
	return NewHistory(store, cdc, lru, w, policy, nil, c), store
}

func waitForRecords(t *testing.T, h *History, want int) []*domain.ClipboardRecord {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		recs, err := h.Query(context.Background(), "")
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) == want {
			return recs
		}
		select {
		case <-deadline:
			t.Fatalf("got %d records, want %d", len(recs), want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func textSnap(text, app string) watch.Snapshot {
	return watch.Snapshot{Text: text, App: watch.AppInfo{Name: app}}
}

func TestCapturePinCaptureOrdering(t *testing.T) {
	src := &scriptedSource{}
	h, _ := newTestHistory(t, testConfig(t), src)
	if err := h.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.Dispose()
	ctx := context.Background()

	src.set(textSnap("alpha", "editor"))
	h.NotifyClipboard()
	recs := waitForRecords(t, h, 1)
	alpha := recs[0]
	if alpha.DisplayText() != "alpha" {
		t.Fatalf("first record = %q", alpha.DisplayText())
	}
	if alpha.OrdinalScore != 2 {
		t.Fatalf("first ordinal = %d, want 2", alpha.OrdinalScore)
	}

	src.set(textSnap("beta", "editor"))
	h.NotifyClipboard()
	waitForRecords(t, h, 2)

	if err := h.Pin(ctx, alpha.HashID, true); err != nil {
		t.Fatal(err)
	}

	src.set(textSnap("gamma", "editor"))
	h.NotifyClipboard()
	recs = waitForRecords(t, h, 3)

	// Pinned first, then newest to oldest.
	want := []string{"alpha", "gamma", "beta"}
	for i, text := range want {
		if recs[i].DisplayText() != text {
			t.Fatalf("position %d = %q, want %q", i, recs[i].DisplayText(), text)
		}
	}
}

func TestCapturePersistsAcrossRestart(t *testing.T) {
	c := testConfig(t)
	cdc := codec.New("")
	dbPath := filepath.Join(t.TempDir(), "history.db")
	store, err := db.New(dbPath, cdc)
	if err != nil {
		t.Fatal(err)
	}
	lru, _ := cache.NewDecoded(c.LRUCacheSize)
	src := &scriptedSource{}
	w := watch.New(src, time.Nanosecond, 100)
	h := NewHistory(store, cdc, lru, w, retain.New(store, cfg.RetentionCfg{}, time.Hour), nil, c)
	if err := h.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	src.set(textSnap("durable", "term"))
	h.NotifyClipboard()
	waitForRecords(t, h, 1)
	h.Dispose()
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store2, err := db.New(dbPath, cdc)
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()
	lru2, _ := cache.NewDecoded(c.LRUCacheSize)
	h2 := NewHistory(store2, cdc, lru2, watch.New(&scriptedSource{}, time.Nanosecond, 100),
		retain.New(store2, cfg.RetentionCfg{}, time.Hour), nil, c)
	if err := h2.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h2.Dispose()

	recs, err := h2.Query(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].DisplayText() != "durable" {
		t.Fatalf("restart lost history: %+v", recs)
	}
}

func TestRestartKeepsNewestAtHead(t *testing.T) {
	c := testConfig(t)
	c.MaxRecords = 2
	cdc := codec.New("")
	dbPath := filepath.Join(t.TempDir(), "order.db")
	store, err := db.New(dbPath, cdc)
	if err != nil {
		t.Fatal(err)
	}
	lru, _ := cache.NewDecoded(c.LRUCacheSize)
	src := &scriptedSource{}
	w := watch.New(src, time.Nanosecond, 100)
	h := NewHistory(store, cdc, lru, w, retain.New(store, cfg.RetentionCfg{}, time.Hour), nil, c)
	if err := h.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	src.set(textSnap("oldest", "a"))
	h.NotifyClipboard()
	waitForRecords(t, h, 1)
	waitForStoreCount(t, store, 1)
	src.set(textSnap("newest", "a"))
	h.NotifyClipboard()
	waitForRecords(t, h, 2)
	waitForStoreCount(t, store, 2)
	h.Dispose()
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store2, err := db.New(dbPath, cdc)
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()
	lru2, _ := cache.NewDecoded(c.LRUCacheSize)
	src2 := &scriptedSource{}
	h2 := NewHistory(store2, cdc, lru2, watch.New(src2, time.Nanosecond, 100),
		retain.New(store2, cfg.RetentionCfg{}, time.Hour), nil, c)
	if err := h2.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h2.Dispose()

	recs := h2.Records()
	if len(recs) != 2 {
		t.Fatalf("restart loaded %d records", len(recs))
	}
	if recs[0].DisplayText() != "newest" {
		t.Fatalf("list head after restart = %q, want newest", recs[0].DisplayText())
	}

	// Capacity pressure after the restart must still trim the old end.
	src2.set(textSnap("third", "a"))
	h2.NotifyClipboard()
	deadline := time.After(3 * time.Second)
	for {
		texts := map[string]bool{}
		persisted, err := store2.GetAllRecords(context.Background(), true)
		if err != nil {
			t.Fatal(err)
		}
		for _, rec := range persisted {
			texts[rec.DisplayText()] = true
		}
		if len(persisted) == 2 && texts["newest"] && texts["third"] {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("store after eviction = %v, want newest+third", texts)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got, _ := h2.Query(context.Background(), "oldest"); len(got) != 0 {
		t.Fatal("eviction kept the oldest record instead of trimming it")
	}
}

func TestCapturePersistCountsOnce(t *testing.T) {
	src := &scriptedSource{}
	h, store := newTestHistory(t, testConfig(t), src)
	if err := h.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.Dispose()

	before := testutil.ToFloat64(metrics.RecordsPersisted)
	src.set(textSnap("counted", "a"))
	h.NotifyClipboard()
	waitForRecords(t, h, 1)
	waitForStoreCount(t, store, 1)
	if got := testutil.ToFloat64(metrics.RecordsPersisted) - before; got != 1 {
		t.Fatalf("persist counter moved by %v for one capture", got)
	}
}

func TestPinInvalidRecordRefused(t *testing.T) {
	src := &scriptedSource{}
	h, store := newTestHistory(t, testConfig(t), src)
	ctx := context.Background()

	// A row whose payload cannot decode: flagged encrypted, not base64.
	bad := domain.RecordSnapshot{
		HashID:      "bad-1",
		Data:        "%%%not-base64%%%",
		DataDigest:  "baddigest",
		DataType:    int(domain.TypePlainText),
		CreateTime:  time.Now().UTC().Format(domain.TimeLayout),
		EncryptData: true,
	}
	if err := store.AddSnapshot(ctx, bad); err != nil {
		t.Fatal(err)
	}
	if err := h.Init(ctx); err != nil {
		t.Fatal(err)
	}
	defer h.Dispose()

	if err := h.Pin(ctx, "bad-1", true); err != domain.ErrInvalidRecord {
		t.Fatalf("pin invalid record err = %v, want ErrInvalidRecord", err)
	}
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	src := &scriptedSource{}
	h, store := newTestHistory(t, testConfig(t), src)
	if err := h.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.Dispose()
	ctx := context.Background()

	src.set(textSnap("ephemeral", "sh"))
	h.NotifyClipboard()
	recs := waitForRecords(t, h, 1)

	if err := h.Delete(ctx, recs[0].HashID); err != nil {
		t.Fatal(err)
	}
	waitForRecords(t, h, 0)
	n, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("store still holds %d records", n)
	}
	if err := h.Delete(ctx, recs[0].HashID); err != domain.ErrRecordNotFound {
		t.Fatalf("second delete err = %v, want ErrRecordNotFound", err)
	}
}

func TestDeleteAllResetsScores(t *testing.T) {
	src := &scriptedSource{}
	h, store := newTestHistory(t, testConfig(t), src)
	if err := h.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.Dispose()
	ctx := context.Background()

	src.set(textSnap("one", "a"))
	h.NotifyClipboard()
	waitForRecords(t, h, 1)
	src.set(textSnap("two", "a"))
	h.NotifyClipboard()
	waitForRecords(t, h, 2)

	if err := h.DeleteAll(ctx); err != nil {
		t.Fatal(err)
	}
	waitForRecords(t, h, 0)
	if n, _ := store.Count(ctx); n != 0 {
		t.Fatalf("store not emptied, %d left", n)
	}

	src.set(textSnap("fresh", "a"))
	h.NotifyClipboard()
	recs := waitForRecords(t, h, 1)
	if recs[0].OrdinalScore != 2 {
		t.Fatalf("ordinal after clear = %d, want 2", recs[0].OrdinalScore)
	}
}

func TestDeleteUnpinnedKeepsPinned(t *testing.T) {
	src := &scriptedSource{}
	h, store := newTestHistory(t, testConfig(t), src)
	if err := h.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.Dispose()
	ctx := context.Background()

	src.set(textSnap("keeper", "a"))
	h.NotifyClipboard()
	recs := waitForRecords(t, h, 1)
	if err := h.Pin(ctx, recs[0].HashID, true); err != nil {
		t.Fatal(err)
	}
	src.set(textSnap("chaff", "a"))
	h.NotifyClipboard()
	waitForRecords(t, h, 2)
	waitForStoreCount(t, store, 2)

	n, err := h.DeleteUnpinned(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}
	recs = waitForRecords(t, h, 1)
	if recs[0].DisplayText() != "keeper" || !recs[0].Pinned {
		t.Fatalf("survivor = %+v", recs[0])
	}
	if count, _ := store.Count(ctx); count != 1 {
		t.Fatalf("store holds %d records, want 1", count)
	}
}

func waitForStoreCount(t *testing.T, store *db.Store, want int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		n, err := store.Count(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if n == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("store count = %d, want %d", n, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestQueryFiltersSubstring(t *testing.T) {
	src := &scriptedSource{}
	h, _ := newTestHistory(t, testConfig(t), src)
	if err := h.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.Dispose()

	src.set(textSnap("Hello World", "a"))
	h.NotifyClipboard()
	waitForRecords(t, h, 1)
	src.set(textSnap("goodbye", "a"))
	h.NotifyClipboard()
	waitForRecords(t, h, 2)

	recs, err := h.Query(context.Background(), "WORLD")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].DisplayText() != "Hello World" {
		t.Fatalf("query result = %+v", recs)
	}
}

func TestOperationsAfterDispose(t *testing.T) {
	src := &scriptedSource{}
	h, _ := newTestHistory(t, testConfig(t), src)
	if err := h.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.Dispose()
	if _, err := h.Query(context.Background(), ""); err != domain.ErrServiceStopped {
		t.Fatalf("query after dispose err = %v", err)
	}
	if err := h.DeleteAll(context.Background()); err != domain.ErrServiceStopped {
		t.Fatalf("delete all after dispose err = %v", err)
	}
}
