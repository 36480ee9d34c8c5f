// Package svc is the host-facing clipboard history service. It owns the
// in-memory record list, consumes the watcher's capture stream, and fans
// mutations out to the store and the sync engine.
package svc

import (
	"bytes"
	"context"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"clipvault/cfg"
	"clipvault/metrics"
	"clipvault/pkg/domain"
	"clipvault/svc/cache"
	"clipvault/svc/codec"
	"clipvault/svc/db"
	"clipvault/svc/list"
	"clipvault/svc/retain"
	syncsvc "clipvault/svc/sync"
	"clipvault/svc/util"
	"clipvault/svc/watch"
)

// History wires the capture pipeline to persistence. All list access goes
// through the list's own mutex; store statements are serialized by the
// single-connection pool.
type History struct {
	cfg       *cfg.Cfg
	store     *db.Store
	codec     *codec.Codec
	records   *list.List
	tracker   *list.Tracker
	lru       *cache.Decoded
	watcher   *watch.Watcher
	retention *retain.Policy
	engine    *syncsvc.Engine

	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
	shutdown    atomic.Bool
	opWg        sync.WaitGroup
	consumeWg   sync.WaitGroup
}

// NewHistory builds the service. engine may be nil when sync is disabled;
// everything else is required.
func NewHistory(store *db.Store, cdc *codec.Codec, lru *cache.Decoded, watcher *watch.Watcher, retention *retain.Policy, engine *syncsvc.Engine, c *cfg.Cfg) *History {
	if store == nil || cdc == nil || lru == nil || watcher == nil || retention == nil || c == nil {
		panic("history service: nil dependency")
	}
	store.UseDecodedCache(lru)
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	return &History{
		cfg:         c,
		store:       store,
		codec:       cdc,
		records:     list.New(c.MaxRecords),
		tracker:     list.NewTracker(),
		lru:         lru,
		watcher:     watcher,
		retention:   retention,
		engine:      engine,
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
	}
}

// Init loads persisted history, sweeps invalid rows, and starts the
// background workers. Call once before any other operation.
func (h *History) Init(ctx context.Context) error {
	loaded, err := h.loadWorkingSet(ctx)
	if err != nil {
		return errors.Wrap(err, "load history")
	}

	if n, err := h.store.DeleteInvalid(ctx); err != nil {
		util.Warn().Err(err).Msg("invalid record sweep failed")
	} else if n > 0 {
		util.Info().Int64("deleted", n).Msg("invalid records swept")
	}

	h.retention.Start(h.shutdownCtx)
	h.watcher.Start(h.shutdownCtx)
	h.consumeWg.Add(1)
	go h.consume()

	if h.engine != nil {
		h.engine.OnReplay = h.reload
		if err := h.engine.Start(h.shutdownCtx); err != nil {
			return errors.Wrap(err, "start sync engine")
		}
	}
	util.Info().
		Int("records", loaded).
		Bool("sync", h.engine != nil).
		Msg("history service ready")
	return nil
}

// loadWorkingSet replaces the in-memory list from the store and reseeds the
// score tracker. Store rows come back oldest first; the list wants the newest
// at the head, so capacity eviction keeps trimming from the old end.
func (h *History) loadWorkingSet(ctx context.Context) (int, error) {
	records, err := h.store.GetAllRecords(ctx, true)
	if err != nil {
		return 0, err
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	h.records.Replace(records)
	var highest int64
	for _, rec := range records {
		if rec.OrdinalScore > highest {
			highest = rec.OrdinalScore
		}
	}
	h.tracker.Seed(highest)
	return len(records), nil
}

// NotifyClipboard forwards a host change notification to the watcher.
func (h *History) NotifyClipboard() {
	if h.shutdown.Load() {
		return
	}
	h.watcher.Notify()
}

// Query returns records whose display text contains q, newest-relevant
// first under the configured order mode. Empty q returns everything.
func (h *History) Query(ctx context.Context, q string) ([]*domain.ClipboardRecord, error) {
	if h.shutdown.Load() {
		return nil, domain.ErrServiceStopped
	}
	start := time.Now()
	defer func() {
		metrics.QueryDuration.Observe(time.Since(start).Seconds())
	}()
	return h.records.Query(q, domain.RecordOrder(h.cfg.RecordOrder)), nil
}

// Pin sets the pinned flag on one record, in memory and on disk, and
// announces the change to peers.
func (h *History) Pin(ctx context.Context, hashID string, pinned bool) error {
	if h.shutdown.Load() {
		return domain.ErrServiceStopped
	}
	h.opWg.Add(1)
	defer h.opWg.Done()
	if rec := h.records.Get(hashID); rec != nil && rec.Invalid {
		// Pinning would shield an undecodable row from the sweeps.
		return domain.ErrInvalidRecord
	}
	rec := h.records.Pin(hashID, pinned)
	if rec == nil {
		return domain.ErrRecordNotFound
	}
	if err := h.store.PinRecord(ctx, hashID, pinned); err != nil {
		return err
	}
	h.announce(ctx, domain.EventChange, rec)
	return nil
}

// Delete removes one record from the list, the store, the decoded cache and
// the image cache.
func (h *History) Delete(ctx context.Context, hashID string) error {
	if h.shutdown.Load() {
		return domain.ErrServiceStopped
	}
	h.opWg.Add(1)
	defer h.opWg.Done()
	rec := h.records.Remove(hashID)
	if rec == nil {
		return domain.ErrRecordNotFound
	}
	if err := h.store.DeleteRecord(ctx, hashID); err != nil {
		return err
	}
	h.lru.Delete(rec.ContentDigest)
	h.dropCachedImage(rec)
	h.announce(ctx, domain.EventDelete, rec)
	return nil
}

// DeleteAll clears the list and the database and resets the score tracker.
func (h *History) DeleteAll(ctx context.Context) error {
	if h.shutdown.Load() {
		return domain.ErrServiceStopped
	}
	h.opWg.Add(1)
	defer h.opWg.Done()
	if err := h.store.DeleteAll(ctx); err != nil {
		return err
	}
	h.records.Clear()
	h.tracker.Reset()
	h.lru.Purge()
	if h.engine != nil {
		if err := h.engine.Record(ctx, domain.EventDeleteAll, nil); err != nil {
			util.Warn().Err(err).Msg("sync export failed")
		}
	}
	util.Info().Msg("history cleared")
	return nil
}

// DeleteUnpinned clears everything except pinned records. Peers receive one
// delete batch covering the removed records.
func (h *History) DeleteUnpinned(ctx context.Context) (int64, error) {
	if h.shutdown.Load() {
		return 0, domain.ErrServiceStopped
	}
	h.opWg.Add(1)
	defer h.opWg.Done()
	n, err := h.store.DeleteUnpinned(ctx)
	if err != nil {
		return 0, err
	}
	removed := h.records.RemoveUnpinned()
	snaps := make([]domain.RecordSnapshot, 0, len(removed))
	for _, rec := range removed {
		h.lru.Delete(rec.ContentDigest)
		h.dropCachedImage(rec)
		if h.engine != nil {
			if snap, err := h.store.Snapshot(rec, h.cfg.Encrypt); err == nil {
				snaps = append(snaps, snap)
			}
		}
	}
	if h.engine != nil && len(snaps) > 0 {
		if err := h.engine.Record(ctx, domain.EventDelete, snaps); err != nil {
			util.Warn().Err(err).Msg("sync export failed")
		}
	}
	util.Info().Int64("deleted", n).Msg("unpinned history cleared")
	return n, nil
}

// Records returns the current list contents, newest first, for callers that
// need the raw order rather than a query.
func (h *History) Records() []*domain.ClipboardRecord {
	return h.records.All()
}

// Dispose stops the workers and waits for in-flight operations. The store
// stays open; the owner closes it after Dispose returns.
func (h *History) Dispose() {
	if !h.shutdown.CompareAndSwap(false, true) {
		return
	}
	h.watcher.Stop()
	if h.engine != nil {
		h.engine.Stop()
	}
	h.shutdownFn()

	done := make(chan struct{})
	go func() {
		h.consumeWg.Wait()
		h.opWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("history workers didn't stop in time")
	}
	util.Debug().Msg("history service shutdown complete")
}

func (h *History) consume() {
	defer h.consumeWg.Done()
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Msg("capture consumer panicked")
		}
	}()
	for {
		select {
		case <-h.shutdownCtx.Done():
			return
		case ev, ok := <-h.watcher.Captures():
			if !ok {
				return
			}
			h.handleCapture(ev)
		}
	}
}

func (h *History) handleCapture(ev watch.Capture) {
	canonical := h.codec.Canonical(ev.Content)
	contentType := ev.Content.Type()
	rec := &domain.ClipboardRecord{
		HashID:           uuid.New().String(),
		Content:          ev.Content,
		ContentType:      contentType,
		ContentDigest:    h.codec.Digest(canonical),
		Encrypted:        h.cfg.Encrypt && contentType != domain.TypeImage,
		SourceApp:        ev.SourceApp,
		CreatedAt:        ev.At,
		EncryptKeyDigest: h.codec.KeyDigest(),
	}
	inserted, evicted := h.records.Insert(rec)
	if !inserted {
		metrics.DedupHits.Inc()
		util.Debug().
			Str("digest", util.RedactDigest(rec.ContentDigest)).
			Msg("duplicate capture dropped")
		return
	}
	// Scores advance only for accepted captures, so dedup hits leave no gap.
	rec.OrdinalScore = h.tracker.Next()
	util.Debug().
		Str("digest", util.RedactDigest(rec.ContentDigest)).
		Str("preview", util.RedactContent(rec.DisplayText())).
		Msg("capture accepted")
	h.lru.Set(rec.ContentDigest, rec.Content)
	h.cacheImage(rec)

	h.opWg.Add(1)
	go func() {
		defer h.opWg.Done()
		ctx, cancel := context.WithTimeout(h.shutdownCtx, h.cfg.ContextTimeout)
		defer cancel()
		if err := h.store.AddRecord(ctx, rec, h.cfg.Encrypt); err != nil {
			metrics.CaptureErrors.Inc()
			util.Error().
				Err(err).
				Str("digest", util.RedactDigest(rec.ContentDigest)).
				Msg("persist capture failed")
			return
		}
		metrics.RecordsPersisted.Inc()
		if evicted != nil {
			if err := h.store.DeleteRecord(ctx, evicted.HashID); err != nil {
				util.Warn().Err(err).Str("hash_id", evicted.HashID).Msg("evict persisted record failed")
			} else {
				metrics.RecordsEvicted.Inc()
				h.lru.Delete(evicted.ContentDigest)
				h.dropCachedImage(evicted)
			}
		}
		h.announce(ctx, domain.EventAdd, rec)
	}()
}

// announce exports one mutation to the sync folder. Export failures are
// logged, never surfaced: the local mutation already happened and the next
// successful export carries the full log anyway.
func (h *History) announce(ctx context.Context, event domain.EventType, rec *domain.ClipboardRecord) {
	if h.engine == nil {
		return
	}
	snap, err := h.store.Snapshot(rec, h.cfg.Encrypt)
	if err != nil {
		util.Warn().Err(err).Str("hash_id", rec.HashID).Msg("snapshot for sync failed")
		return
	}
	if err := h.engine.Record(ctx, event, []domain.RecordSnapshot{snap}); err != nil {
		util.Warn().Err(err).Str("event", string(event)).Msg("sync export failed")
	}
}

// reload refreshes the in-memory list after a sync replay.
func (h *History) reload() {
	ctx, cancel := context.WithTimeout(h.shutdownCtx, h.cfg.ContextTimeout)
	defer cancel()
	if _, err := h.loadWorkingSet(ctx); err != nil {
		util.Warn().Err(err).Msg("reload after sync replay failed")
	}
}

// cacheImage writes a captured image to the image cache dir and records the
// path on the record. Failures leave CachedImagePath empty.
func (h *History) cacheImage(rec *domain.ClipboardRecord) {
	if !h.cfg.CacheImages || rec.ContentType != domain.TypeImage {
		return
	}
	img, ok := rec.Content.(domain.Image)
	if !ok {
		return
	}
	if err := os.MkdirAll(h.cfg.ImageCacheDir, 0o755); err != nil {
		util.Warn().Err(err).Msg("create image cache dir failed")
		return
	}
	path := filepath.Join(h.cfg.ImageCacheDir, rec.ContentDigest+"."+h.cfg.CacheFormat)
	data := []byte(img)
	if h.cfg.CacheFormat == "jpg" {
		decoded, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			util.Warn().Err(err).Msg("decode image for cache failed")
			return
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, decoded, &jpeg.Options{Quality: 90}); err != nil {
			util.Warn().Err(err).Msg("encode cached jpeg failed")
			return
		}
		data = buf.Bytes()
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		util.Warn().Err(err).Msg("write cached image failed")
		return
	}
	rec.CachedImagePath = path
}

func (h *History) dropCachedImage(rec *domain.ClipboardRecord) {
	if rec.CachedImagePath == "" {
		return
	}
	if err := os.Remove(rec.CachedImagePath); err != nil && !os.IsNotExist(err) {
		util.Warn().Err(err).Str("path", rec.CachedImagePath).Msg("remove cached image failed")
	}
}
