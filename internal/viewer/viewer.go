package viewer

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/petervdpas/tutorcall/internal/call"
	"github.com/petervdpas/tutorcall/internal/viewer/routes"
)

type Viewer struct {
	Calls *call.Coordinator
	Logs  *LogBuffer
}

// Handler builds the local API mux.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()
	deps := routes.Deps{Calls: v.Calls}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)
	return noCache(mux)
}

// Serve runs the local API on ln until ctx is cancelled. Open event
// streams end with ctx; shutdown waits a few seconds for the rest.
func Serve(ctx context.Context, ln net.Listener, v Viewer) error {
	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf("VIEWER: shutdown: %v", err)
			_ = srv.Close()
		}
	})
	defer stop()

	log.Printf("VIEWER: listening on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
