// Package sync replicates clipboard history through a shared folder. Peers
// never talk to each other directly: each one appends mutations to its own
// log file and replays every other peer's log in file-version order. Store
// operations are idempotent, so replaying an entry twice converges to the
// same state.
package sync

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	gosync "sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"clipvault/metrics"
	"clipvault/pkg/domain"
	"clipvault/svc/util"
)

// Store is the slice of the record store the engine replays into and
// exports from.
type Store interface {
	AddSnapshot(ctx context.Context, snap domain.RecordSnapshot) error
	PinRecord(ctx context.Context, hashID string, pinned bool) error
	DeleteRecord(ctx context.Context, hashID string) error
	DeleteByOwnerKey(ctx context.Context, keyDigest string) (int64, error)
	Snapshots(ctx context.Context, keyDigest string) ([]domain.RecordSnapshot, error)
}

// Engine exports local mutations to <root>/<keyDigest>/ and replays the
// other peer directories into the local store.
type Engine struct {
	root   string
	digest string
	store  Store

	// OnReplay fires after a pass that applied at least one peer entry.
	// Set before Start; the history service uses it to reload its list.
	OnReplay func()

	mu      gosync.Mutex
	status  domain.SyncStatusEntry
	log     []domain.SyncLogEntry
	seen    map[string]int64
	watcher *fsnotify.Watcher

	stopOnce gosync.Once
	done     chan struct{}
}

// New builds an engine rooted at root. A previous session's status and log
// files are resumed when present so file versions never restart from zero.
func New(root, keyDigest string, store Store) (*Engine, error) {
	if root == "" || !filepath.IsAbs(root) {
		return nil, errors.Wrap(domain.ErrSyncDisabled, "sync root must be absolute")
	}
	if keyDigest == "" {
		return nil, errors.Wrap(domain.ErrSyncDisabled, "sync requires an encryption key")
	}
	e := &Engine{
		root:   root,
		digest: keyDigest,
		store:  store,
		seen:   make(map[string]int64),
		done:   make(chan struct{}),
	}
	st, err := readStatus(statusPath(root, keyDigest))
	switch {
	case err == nil && st.EncryptKeyDigest == keyDigest:
		e.status = st
		if entries, err := readLog(logPath(root, keyDigest)); err == nil {
			e.log = entries
		}
	default:
		e.status = domain.SyncStatusEntry{
			HashID:           uuid.New().String(),
			EncryptKeyDigest: keyDigest,
			FileVersion:      0,
		}
	}
	return e, nil
}

// Start runs one full reconciliation pass, then follows folder events until
// ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(e.root, e.digest), 0o755); err != nil {
		return errors.Wrap(err, "create local peer dir")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create folder watcher")
	}
	if err := w.Add(e.root); err != nil {
		w.Close()
		return errors.Wrap(err, "watch sync root")
	}
	e.mu.Lock()
	e.watcher = w
	e.mu.Unlock()

	e.scanPeers(ctx)
	go e.follow(ctx)
	util.Info().
		Str("root", e.root).
		Str("peer", util.RedactDigest(e.digest)).
		Msg("sync engine started")
	return nil
}

// Stop closes the folder watcher. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		w := e.watcher
		e.mu.Unlock()
		if w != nil {
			w.Close()
		}
		close(e.done)
	})
}

// Done reports engine shutdown to the owner.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Record appends one local mutation to the log and rewrites the three peer
// files. The full data snapshot goes out with every batch so a peer joining
// late can bootstrap from data.json instead of replaying history it missed.
func (e *Engine) Record(ctx context.Context, event domain.EventType, records []domain.RecordSnapshot) error {
	if event == domain.EventNone {
		return nil
	}
	snaps, err := e.store.Snapshots(ctx, e.digest)
	if err != nil {
		return errors.Wrap(err, "collect export snapshots")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.FileVersion++
	e.log = append(e.log, domain.SyncLogEntry{
		FileVersion:     e.status.FileVersion,
		EventType:       event,
		AffectedRecords: records,
	})
	if err := writeJSON(logPath(e.root, e.digest), e.log); err != nil {
		return err
	}
	if err := writeJSON(dataPath(e.root, e.digest), snaps); err != nil {
		return err
	}
	if err := writeJSON(statusPath(e.root, e.digest), e.status); err != nil {
		return err
	}
	metrics.SyncExports.Inc()
	util.Debug().
		Str("event", string(event)).
		Int64("file_version", e.status.FileVersion).
		Msg("sync batch exported")
	return nil
}

func (e *Engine) follow(ctx context.Context) {
	e.mu.Lock()
	w := e.watcher
	e.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			e.Stop()
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			e.handleEvent(ctx, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			util.Warn().Err(err).Msg("sync folder watch error")
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Rename) {
		return
	}
	rel, err := filepath.Rel(e.root, ev.Name)
	if err != nil {
		return
	}
	parts := splitPath(rel)
	if len(parts) == 0 || parts[0] == e.digest {
		return
	}
	peer := parts[0]
	if len(parts) == 1 {
		// New peer directory appeared. Watch it so log writes reach us.
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			e.watchPeer(ev.Name)
			e.importPeer(ctx, peer)
		}
		return
	}
	if parts[len(parts)-1] == logFile {
		e.importPeer(ctx, peer)
	}
}

func (e *Engine) watchPeer(dir string) {
	e.mu.Lock()
	w := e.watcher
	e.mu.Unlock()
	if w == nil {
		return
	}
	if err := w.Add(dir); err != nil {
		util.Warn().Err(err).Str("dir", dir).Msg("watch peer dir failed")
	}
}

// scanPeers imports every peer directory already present under the root.
func (e *Engine) scanPeers(ctx context.Context) {
	entries, err := os.ReadDir(e.root)
	if err != nil {
		util.Warn().Err(err).Msg("scan sync root failed")
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == e.digest {
			continue
		}
		e.watchPeer(filepath.Join(e.root, entry.Name()))
		e.importPeer(ctx, entry.Name())
	}
}

// importPeer replays the peer's log entries newer than the last version we
// applied. A bad status or log file skips this pass only; the files are
// rewritten whole on the peer side, so the next write gives another chance.
func (e *Engine) importPeer(ctx context.Context, peer string) {
	st, err := readStatus(statusPath(e.root, peer))
	if err != nil {
		metrics.SyncSkips.Inc()
		util.Warn().Err(err).Str("peer", util.RedactDigest(peer)).Msg("peer status unreadable, skipping pass")
		return
	}
	entries, err := readLog(logPath(e.root, peer))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			e.bootstrapPeer(ctx, peer, st)
			return
		}
		metrics.SyncSkips.Inc()
		util.Warn().Err(err).Str("peer", util.RedactDigest(peer)).Msg("peer log unreadable, skipping pass")
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].FileVersion < entries[j].FileVersion })

	e.mu.Lock()
	last := e.seen[peer]
	e.mu.Unlock()

	applied := 0
	for _, entry := range entries {
		if entry.FileVersion <= last {
			continue
		}
		if entry.FileVersion > st.FileVersion {
			// Log ran ahead of status; the peer is mid-export. Next
			// status write replays the rest.
			break
		}
		if err := e.apply(ctx, peer, entry); err != nil {
			util.Error().
				Err(err).
				Str("peer", util.RedactDigest(peer)).
				Int64("file_version", entry.FileVersion).
				Msg("replay failed, stopping pass")
			break
		}
		metrics.SyncReplays.WithLabelValues(string(entry.EventType)).Inc()
		last = entry.FileVersion
		applied++
	}

	e.mu.Lock()
	e.seen[peer] = last
	cb := e.OnReplay
	e.mu.Unlock()
	if applied > 0 {
		util.Info().
			Str("peer", util.RedactDigest(peer)).
			Int("applied", applied).
			Int64("file_version", last).
			Msg("peer log replayed")
		if cb != nil {
			cb()
		}
	}
}

// bootstrapPeer imports a peer's full data snapshot when its log file is
// gone, e.g. a peer whose folder was pruned before we first saw it. Every
// log entry is already folded into data.json, so the snapshot alone brings
// us level with the peer's status version.
func (e *Engine) bootstrapPeer(ctx context.Context, peer string, st domain.SyncStatusEntry) {
	e.mu.Lock()
	last := e.seen[peer]
	e.mu.Unlock()
	if last >= st.FileVersion {
		return
	}
	snaps, err := readData(dataPath(e.root, peer))
	if err != nil {
		metrics.SyncSkips.Inc()
		util.Warn().Err(err).Str("peer", util.RedactDigest(peer)).Msg("peer data unreadable, skipping pass")
		return
	}
	for _, snap := range snaps {
		if err := e.store.AddSnapshot(ctx, snap); err != nil {
			util.Error().Err(err).Str("peer", util.RedactDigest(peer)).Msg("bootstrap failed, stopping pass")
			return
		}
	}
	e.mu.Lock()
	e.seen[peer] = st.FileVersion
	cb := e.OnReplay
	e.mu.Unlock()
	metrics.SyncReplays.WithLabelValues(string(domain.EventAdd)).Inc()
	util.Info().
		Str("peer", util.RedactDigest(peer)).
		Int("records", len(snaps)).
		Msg("peer bootstrapped from data snapshot")
	if len(snaps) > 0 && cb != nil {
		cb()
	}
}

func (e *Engine) apply(ctx context.Context, peer string, entry domain.SyncLogEntry) error {
	switch entry.EventType {
	case domain.EventAdd:
		for _, snap := range entry.AffectedRecords {
			if err := e.store.AddSnapshot(ctx, snap); err != nil {
				return err
			}
		}
	case domain.EventChange:
		for _, snap := range entry.AffectedRecords {
			if err := e.store.PinRecord(ctx, snap.HashID, snap.Pinned); err != nil {
				return err
			}
		}
	case domain.EventDelete:
		for _, snap := range entry.AffectedRecords {
			if err := e.store.DeleteRecord(ctx, snap.HashID); err != nil {
				return err
			}
		}
	case domain.EventDeleteAll:
		if _, err := e.store.DeleteByOwnerKey(ctx, peer); err != nil {
			return err
		}
	case domain.EventNone:
	default:
		util.Warn().
			Str("event", string(entry.EventType)).
			Str("peer", util.RedactDigest(peer)).
			Msg("unknown sync event ignored")
	}
	return nil
}

func splitPath(rel string) []string {
	rel = filepath.ToSlash(rel)
	if rel == "" || rel == "." {
		return nil
	}
	return strings.Split(rel, "/")
}
