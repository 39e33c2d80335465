package directory

import (
	"context"
	"errors"
	"log"
	"time"

	"go.uber.org/multierr"

	"github.com/petervdpas/tutorcall/internal/signaling"
	"github.com/petervdpas/tutorcall/internal/store"
	"github.com/petervdpas/tutorcall/internal/util"
)

// SweeperID is written as EndedBy on sessions the sweeper expires.
const SweeperID = "sweeper"

// SweepStats counts what one Sweep changed.
type SweepStats struct {
	Expired int // unanswered sessions ended with timeout
	Purged  int // ended sessions deleted after the grace period
	Orphans int // candidate sets whose session was gone or ended
}

// Sweeper enforces expiry independently of any participant. Running
// several sweepers against one store is harmless.
type Sweeper struct {
	st       *store.Store
	sig      *signaling.Channel
	grace    time.Duration
	interval time.Duration
}

// NewSweeper returns a sweeper that deletes ended sessions grace after they
// ended and runs every interval.
func NewSweeper(sig *signaling.Channel, grace, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{st: sig.Store(), sig: sig, grace: grace, interval: interval}
}

// Run sweeps until ctx is done.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			log.Printf("SWEEP: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep makes one pass. Errors on single documents do not stop the pass;
// they are combined into the returned error.
func (w *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	var errs error
	now := w.st.Now()

	expired, err := w.st.Query(ctx, store.SessionQuery{Statuses: unanswered, ExpiresBefore: now})
	if err != nil {
		return stats, err
	}
	for _, s := range expired {
		changed := false
		_, err := w.st.Update(ctx, s.ID, func(cs *store.CallSession) error {
			if cs.Ended() || !cs.Expired(now) {
				return store.ErrNoChange
			}
			if cs.Status != store.StatusPending && cs.Status != store.StatusRinging {
				return store.ErrNoChange
			}
			cs.Status = store.StatusEnded
			cs.EndReason = store.ReasonTimeout
			cs.EndedBy = SweeperID
			cs.EndedAt = now
			changed = true
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = multierr.Append(errs, err)
			continue
		}
		if changed {
			stats.Expired++
			log.Printf("SWEEP: call %s from %s to %s expired unanswered",
				util.ShortID(s.ID, 8), s.CallerID, s.ReceiverID)
		}
	}

	old, err := w.st.Query(ctx, store.SessionQuery{EndedBefore: now.Add(-w.grace)})
	if err != nil {
		return stats, multierr.Append(errs, err)
	}
	for _, s := range old {
		if err := w.sig.Cleanup(ctx, s.ID); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := w.st.Delete(ctx, s.ID); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		stats.Purged++
	}

	calls, err := w.st.CandidateCallIDs(ctx)
	if err != nil {
		return stats, multierr.Append(errs, err)
	}
	for _, id := range calls {
		s, err := w.st.Get(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			errs = multierr.Append(errs, err)
			continue
		case !s.Ended():
			continue
		}
		if err := w.sig.Cleanup(ctx, id); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		stats.Orphans++
	}

	if stats.Purged > 0 || stats.Orphans > 0 {
		log.Printf("SWEEP: purged %d ended session(s), %d orphaned candidate set(s)", stats.Purged, stats.Orphans)
	}
	return stats, errs
}
