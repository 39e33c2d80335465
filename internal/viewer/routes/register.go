// internal/viewer/routes/register.go
package routes

import (
	"net/http"

	"github.com/petervdpas/tutorcall/internal/call"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Calls *call.Coordinator
	Logs  Logs
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)

	if d.Calls != nil {
		RegisterCall(mux, d.Calls)
	}
}
