package settlement

import (
	"context"
	"log/slog"
	"time"
)

// SessionSource exposes the sessions a Reconciler keeps in sync with the
// matching service.
type SessionSource interface {
	// PendingReconciliation lists sessions holding pairs whose submission
	// outcome is unknown.
	PendingReconciliation() []string
	// Reload refetches a session's pairs from the matching service.
	Reload(ctx context.Context, sessionID string) error
}

// Reconciler periodically reloads sessions with pairs awaiting
// reconciliation, so the matching service's authoritative sent flag can
// settle them.
type Reconciler struct {
	interval time.Duration
	source   SessionSource
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler ticking at interval.
func NewReconciler(interval time.Duration, source SessionSource, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		interval: interval,
		source:   source,
		logger:   logger,
	}
}

// Start launches a background goroutine that ticks at the configured
// interval. It stops when ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
}

// tick reloads every session with pending pairs. A failing session does
// not stop the others.
func (r *Reconciler) tick(ctx context.Context) int {
	reloaded := 0
	for _, id := range r.source.PendingReconciliation() {
		if ctx.Err() != nil {
			return reloaded
		}
		if err := r.source.Reload(ctx, id); err != nil {
			r.logger.Warn("reconciliation reload failed",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		reloaded++
	}
	return reloaded
}
