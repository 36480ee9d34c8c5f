// Package retain prunes old clipboard records on a fixed schedule. Each
// content type carries its own keep duration; a duration of zero or less
// means the type is kept forever.
package retain

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"clipvault/cfg"
	"clipvault/metrics"
	"clipvault/pkg/domain"
	"clipvault/svc/util"
)

// ExpiredDeleter is the slice of the record store the sweeper needs.
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context, contentType domain.ContentType, keepHours int) (int64, error)
}

// Policy maps content types to keep durations and runs the sweeps.
type Policy struct {
	store    ExpiredDeleter
	interval time.Duration
	rules    []rule

	once    sync.Once
	running atomic.Bool
}

type rule struct {
	contentType domain.ContentType
	keepHours   int
}

// New builds a policy from the retention config. Rich text ages with plain
// text since both are text captured from the same snapshot.
func New(store ExpiredDeleter, rc cfg.RetentionCfg, interval time.Duration) *Policy {
	return &Policy{
		store:    store,
		interval: interval,
		rules: []rule{
			{domain.TypePlainText, rc.Text},
			{domain.TypeRichText, rc.Text},
			{domain.TypeImage, rc.Images},
			{domain.TypeFiles, rc.Files},
		},
	}
}

// Sweep runs every rule once and reports the total rows removed. Rules with
// a non-positive keep duration are skipped. A failing rule is logged and
// does not stop the remaining rules.
func (p *Policy) Sweep(ctx context.Context) int64 {
	var total int64
	for _, r := range p.rules {
		if r.keepHours <= 0 {
			continue
		}
		deleted, err := p.store.DeleteExpired(ctx, r.contentType, r.keepHours)
		if err != nil {
			util.Error().
				Err(err).
				Str("type", r.contentType.String()).
				Str("request_id", util.GetRequestID(ctx)).
				Msg("retention sweep failed")
			continue
		}
		if deleted > 0 {
			metrics.RetentionDeleted.WithLabelValues(r.contentType.String()).Add(float64(deleted))
			util.Info().
				Int64("deleted", deleted).
				Str("type", r.contentType.String()).
				Str("request_id", util.GetRequestID(ctx)).
				Msg("retention sweep completed")
		}
		total += deleted
	}
	return total
}

// Start sweeps once immediately, then on every tick until ctx is cancelled.
// Subsequent calls are no-ops.
func (p *Policy) Start(ctx context.Context) {
	p.once.Do(func() {
		p.running.Store(true)
		go p.run(ctx)
	})
}

func (p *Policy) run(ctx context.Context) {
	defer p.running.Store(false)
	sweepRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, sweepRequestID)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", sweepRequestID).
		Dur("interval", p.interval).
		Msg("retention worker started")
	p.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", sweepRequestID).
				Msg("retention worker shutting down")
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}
