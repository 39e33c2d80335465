package app

import (
	"context"
	"errors"
	"log"

	"go.uber.org/multierr"

	"github.com/petervdpas/tutorcall/internal/config"
	"github.com/petervdpas/tutorcall/internal/directory"
	"github.com/petervdpas/tutorcall/internal/signaling"
)

type SweepOptions struct {
	PeerDir string
	Cfg     config.Config
	// Once makes a single pass and returns its counts.
	Once bool
}

// RunSweep expires unanswered sessions and purges ended ones without
// joining any call, for deployments where no participant stays online.
func RunSweep(ctx context.Context, o SweepOptions) (stats directory.SweepStats, err error) {
	if o.Cfg.Store.Driver == "memory" {
		return stats, errors.New("sweep needs a shared store; the memory driver is process-local")
	}
	st, err := openStore(ctx, o.PeerDir, o.Cfg)
	if err != nil {
		return stats, err
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	sweeper := directory.NewSweeper(signaling.New(st), o.Cfg.Call.EndedGrace(), o.Cfg.Call.SweepInterval())
	if o.Once {
		stats, err = sweeper.Sweep(ctx)
		log.Printf("SWEEP: expired=%d purged=%d orphans=%d", stats.Expired, stats.Purged, stats.Orphans)
		return stats, err
	}
	log.Printf("SWEEP: every %s until stopped", o.Cfg.Call.SweepInterval())
	sweeper.Run(ctx)
	return stats, nil
}
