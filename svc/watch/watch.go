// Package watch turns OS clipboard-change notifications into a serialized
// stream of typed capture events. The platform integration stays behind the
// Source interface; everything here is host-agnostic.
package watch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"clipvault/metrics"
	"clipvault/pkg/domain"
	"clipvault/svc/util"
)

const (
	readRetries   = 3
	readRetryWait = 100 * time.Millisecond
	notifyBuffer  = 64
)

// AppInfo is best-effort metadata about the application owning the clipboard
// at capture time. Lookup failures leave it zero, never abort a capture.
type AppInfo struct {
	Name  string
	Title string
	Path  string
}

// Snapshot is one raw clipboard state as the platform reports it. Multiple
// formats may be populated at once; classification picks one.
type Snapshot struct {
	Image []byte
	Text  string
	HTML  string
	Files []string
	App   AppInfo
}

// Source reads the current clipboard. Implementations live with the host
// (the OS clipboard must be read on its owning thread); Read is called from
// the watcher's single consumer goroutine only.
type Source interface {
	Read(ctx context.Context) (Snapshot, error)
}

// Capture is one classified clipboard-change event.
type Capture struct {
	Content   domain.Content
	SourceApp string
	At        time.Time
}

// Watcher funnels change notifications through one consumer goroutine.
// The single consumer replaces the usual ready-flag reentrancy guard: a
// notification arriving while a read is in flight just queues (or coalesces
// when the buffer is full).
type Watcher struct {
	source   Source
	limiter  *rate.Limiter
	notify   chan struct{}
	captures chan Capture
	stopOnce sync.Once
	done     chan struct{}
}

func New(source Source, debounceEvery time.Duration, burst int) *Watcher {
	return &Watcher{
		source:   source,
		limiter:  rate.NewLimiter(rate.Every(debounceEvery), burst),
		notify:   make(chan struct{}, notifyBuffer),
		captures: make(chan Capture, notifyBuffer),
		done:     make(chan struct{}),
	}
}

// Notify signals a clipboard change. Safe to call from any goroutine and
// never blocks; excess notifications coalesce.
func (w *Watcher) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Captures is the serialized stream of accepted capture events.
func (w *Watcher) Captures() <-chan Capture {
	return w.captures
}

// Start runs the consumer until the context ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.consume(ctx)
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) consume(ctx context.Context) {
	defer close(w.captures)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-w.notify:
		}
		if !w.limiter.Allow() {
			// Burst of notifications for one user action; the snapshot is
			// read at most once per debounce window.
			continue
		}
		snap, ok := w.read(ctx)
		if !ok {
			continue
		}
		content := Classify(snap)
		if content == nil {
			continue
		}
		ev := Capture{
			Content:   content,
			SourceApp: snap.App.Name,
			At:        time.Now(),
		}
		select {
		case w.captures <- ev:
			metrics.Captures.WithLabelValues(content.Type().String()).Inc()
		case <-ctx.Done():
			return
		case <-w.done:
			return
		}
	}
}

// read attempts the snapshot a bounded number of times. Clipboard access is
// inherently racy (another process may hold it open); a capture that keeps
// failing is abandoned silently.
func (w *Watcher) read(ctx context.Context) (Snapshot, bool) {
	var lastErr error
	for attempt := 0; attempt < readRetries; attempt++ {
		snap, err := w.source.Read(ctx)
		if err == nil {
			return snap, true
		}
		lastErr = err
		select {
		case <-time.After(readRetryWait):
		case <-ctx.Done():
			return Snapshot{}, false
		case <-w.done:
			return Snapshot{}, false
		}
	}
	metrics.CaptureErrors.Inc()
	util.Warn().Err(lastErr).Msg("clipboard read abandoned after retries")
	return Snapshot{}, false
}

// Classify picks the payload by format priority: image, then text (rich when
// markup is present), then files. A snapshot with nothing usable yields nil.
func Classify(snap Snapshot) domain.Content {
	switch {
	case len(snap.Image) > 0:
		return domain.Image(snap.Image)
	case snap.HTML != "":
		return domain.RichText{Markup: snap.HTML, Fallback: snap.Text}
	case snap.Text != "":
		return domain.PlainText(snap.Text)
	case len(snap.Files) > 0:
		return domain.Files(snap.Files)
	default:
		return nil
	}
}
