package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"

	"go.uber.org/multierr"

	"github.com/petervdpas/tutorcall/internal/call"
	"github.com/petervdpas/tutorcall/internal/config"
	"github.com/petervdpas/tutorcall/internal/directory"
	"github.com/petervdpas/tutorcall/internal/signaling"
	"github.com/petervdpas/tutorcall/internal/viewer"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Factory overrides the Pion transport. Tests use it.
	Factory call.TransportFactory
	// Ready is called with the call API base URL once it listens.
	Ready func(url string)
}

func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	prev := log.Writer()
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))
	defer log.SetOutput(prev)

	logBanner(opt.PeerDir, opt.CfgPath, opt.Cfg.Identity.ID, opt.Cfg.Identity.Role)

	return runPeer(ctx, opt, logBuf)
}

// transportFactory builds the Pion transport. Without capture devices the
// peer still joins calls receive-only when the config allows it.
func transportFactory(cfg config.Config) (call.TransportFactory, error) {
	loggers, err := call.NewPionLoggers(cfg.Logging.PionLevel)
	if err != nil {
		return nil, fmt.Errorf("pion logging: %w", err)
	}
	media, err := call.NewDeviceSource()
	if err != nil {
		log.Printf("CALL: no capture devices: %v", err)
		media = call.NoMedia{}
	}
	return call.PeerFactory(call.PeerOptions{
		ICEServers:          cfg.Call.ICEServers,
		Trickle:             cfg.Call.Trickle,
		DisconnectedTimeout: cfg.Call.ICEDisconnectedTimeout(),
		FailedTimeout:       cfg.Call.ICEFailedTimeout(),
		Media:               media,
		Loggers:             loggers,
	}), nil
}

func runPeer(ctx context.Context, o Options, logs *viewer.LogBuffer) (err error) {
	cfg := o.Cfg

	st, err := openStore(ctx, o.PeerDir, cfg)
	if err != nil {
		return err
	}
	sig := signaling.New(st)
	dir := directory.New(sig)

	factory := o.Factory
	if factory == nil {
		if factory, err = transportFactory(cfg); err != nil {
			return multierr.Append(err, st.Close())
		}
	}

	coord, err := call.NewCoordinator(
		call.Identity{ID: cfg.Identity.ID, Role: cfg.Identity.Role},
		sig, dir, factory,
		call.Options{
			Validity:           cfg.Call.Validity(),
			NegotiationTimeout: cfg.Call.NegotiationTimeout(),
			Video:              cfg.Call.Video,
			Audio:              cfg.Call.Audio,
			AllowReceiveOnly:   cfg.Call.AllowReceiveOnly,
		})
	if err != nil {
		return multierr.Append(err, st.Close())
	}
	defer func() {
		// Hang up before the store goes away so the end reaches the peer.
		err = multierr.Combine(err, coord.Close(), st.Close())
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	failed := make(chan error, 3)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := coord.Run(runCtx); err != nil {
			failed <- fmt.Errorf("discovery: %w", err)
		}
	}()
	sweeper := directory.NewSweeper(sig, cfg.Call.EndedGrace(), cfg.Call.SweepInterval())
	go func() {
		defer wg.Done()
		sweeper.Run(runCtx)
	}()

	if cfg.Viewer.HTTPAddr != "" {
		addr, _ := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		ln, lerr := net.Listen("tcp", addr)
		if lerr != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("call api: %w", lerr)
		}
		url := "http://" + ln.Addr().String()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := viewer.Serve(runCtx, ln, viewer.Viewer{Calls: coord, Logs: logs}); err != nil {
				failed <- fmt.Errorf("call api: %w", err)
			}
		}()
		log.Printf("📞 Call API: %s/api/call", url)
		if o.Ready != nil {
			o.Ready(url)
		}
	} else if o.Ready != nil {
		o.Ready("")
	}

	select {
	case <-ctx.Done():
	case err = <-failed:
		log.Printf("peer stopping: %v", err)
	}
	cancel()
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
