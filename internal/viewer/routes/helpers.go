// internal/viewer/routes/helpers.go

package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/petervdpas/tutorcall/internal/call"
	"github.com/petervdpas/tutorcall/internal/callstate"
	"github.com/petervdpas/tutorcall/internal/directory"
	"github.com/petervdpas/tutorcall/internal/store"
)

const maxBodyBytes = 64 << 10

var (
	errMethodNotAllowed = errors.New("method not allowed")
	errCrossOrigin      = errors.New("cross-origin request refused")
)

func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// loopbackHost reports whether hostport names this machine.
func loopbackHost(hostport string) bool {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

// sameOrigin admits local clients only. Browsers must come from a page
// served by this API: the Origin host has to equal the Host the request
// was sent to, and that host has to be a loopback name so a rebound DNS
// name cannot pass. Clients without an Origin header are not browsers.
func sameOrigin(r *http.Request) bool {
	if !isLocalRequest(r) {
		return false
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host) && loopbackHost(r.Host)
}

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeErrorStatus(w, http.StatusMethodNotAllowed, "method_not_allowed", errMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost decodes the JSON body into a fresh T before calling fn.
func handlePost[T any](mux *http.ServeMux, path string, fn func(w http.ResponseWriter, r *http.Request, req T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeErrorStatus(w, http.StatusMethodNotAllowed, "method_not_allowed", errMethodNotAllowed)
			return
		}
		if !sameOrigin(r) {
			writeErrorStatus(w, http.StatusForbidden, "forbidden", errCrossOrigin)
			return
		}
		var req T
		if decodeJSON(w, r, &req) != nil {
			return
		}
		fn(w, r, req)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		err = fmt.Errorf("content type must be application/json, got %q", r.Header.Get("Content-Type"))
		writeErrorStatus(w, http.StatusUnsupportedMediaType, "unsupported_media_type", err)
		return err
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		writeErrorStatus(w, http.StatusBadRequest, "invalid_argument", fmt.Errorf("invalid json: %w", err))
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	SessionID string `json:"session_id,omitempty"`
}

// errorStatus maps the call, directory and store sentinels to an HTTP
// status and a stable code for the UI.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, call.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, call.ErrUnknownSession), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, directory.ErrStaleSession):
		return http.StatusConflict, "stale_session"
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, callstate.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, call.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, call.ErrDeviceUnavailable):
		return http.StatusFailedDependency, "device_unavailable"
	case errors.Is(err, call.ErrNegotiationFailed):
		return http.StatusInternalServerError, "negotiation_failed"
	case errors.Is(err, store.ErrSignalingWriteFailed):
		return http.StatusInternalServerError, "signaling_write_failed"
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	body := errorBody{Error: err.Error(), Code: code}
	var existing *directory.ExistingSessionError
	if errors.As(err, &existing) {
		body.SessionID = existing.ID
	}
	writeJSONStatus(w, status, body)
}

func writeErrorStatus(w http.ResponseWriter, status int, code string, err error) {
	writeJSONStatus(w, status, errorBody{Error: err.Error(), Code: code})
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSE(w io.Writer, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	return err
}
