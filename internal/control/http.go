package control

import (
	"encoding/json"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/agentfleet/host/internal/errors"
	"github.com/agentfleet/host/internal/events"
)

// Handler serves a Service over loopback-only JSON HTTP.
//
// Routes:
//   - POST /api/session/new              {"name", "path"}
//   - GET  /api/session/list
//   - GET  /api/stats
//   - POST /api/session/{name}/kill
//   - POST /api/session/{name}/input     {"text"}
//   - POST /api/session/{name}/key       {"key"}
//   - GET  /api/session/{name}/output    ?lines=N
//   - POST /api/session/{name}/ready     {"token"}
//   - POST /api/team/member              MemberParams
//   - POST /api/team/orchestrator        OrchestratorParams
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a Handler for svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, logger: svc.logger}
}

type createRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type inputRequest struct {
	Text string `json:"text"`
}

type keyRequest struct {
	Key string `json:"key"`
}

type readyRequest struct {
	Token string `json:"token"`
}

// ServeHTTP routes requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !events.LoopbackRemote(r) {
		http.Error(w, "Forbidden: control API is loopback-only", http.StatusForbidden)
		return
	}
	if !events.LocalHost(r) || !events.LocalOrigin(r) {
		h.logger.Warn("rejected non-local request",
			zap.String("path", r.URL.Path),
			zap.String("host", r.Host),
			zap.String("origin", r.Header.Get("Origin")))
		http.Error(w, "Forbidden: cross-origin request", http.StatusForbidden)
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/api/stats":
		if !allow(w, r, http.MethodGet) {
			return
		}
		writeResponse(w, h.svc.GetStats())

	case path == "/api/session/list":
		if !allow(w, r, http.MethodGet) {
			return
		}
		writeResponse(w, h.svc.ListSessions())

	case path == "/api/session/new":
		var req createRequest
		if !h.decode(w, r, &req) {
			return
		}
		writeResponse(w, h.svc.CreateSession(r.Context(), req.Name, req.Path))

	case path == "/api/team/member":
		var req MemberParams
		if !h.decode(w, r, &req) {
			return
		}
		writeResponse(w, h.svc.StartTeamMember(r.Context(), req))

	case path == "/api/team/orchestrator":
		var req OrchestratorParams
		if !h.decode(w, r, &req) {
			return
		}
		writeResponse(w, h.svc.StartOrchestrator(r.Context(), req))

	case strings.HasPrefix(path, "/api/session/"):
		h.serveSession(w, r, strings.TrimPrefix(path, "/api/session/"))

	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (h *Handler) serveSession(w http.ResponseWriter, r *http.Request, rest string) {
	i := strings.LastIndex(rest, "/")
	if i <= 0 {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	name, action := rest[:i], rest[i+1:]

	switch action {
	case "kill":
		if !allow(w, r, http.MethodPost) {
			return
		}
		writeResponse(w, h.svc.DestroySession(name))
	case "input":
		var req inputRequest
		if !h.decode(w, r, &req) {
			return
		}
		writeResponse(w, h.svc.SendInput(name, req.Text))
	case "key":
		var req keyRequest
		if !h.decode(w, r, &req) {
			return
		}
		writeResponse(w, h.svc.SendKey(name, req.Key))
	case "output":
		if !allow(w, r, http.MethodGet) {
			return
		}
		lines, _ := strconv.Atoi(r.URL.Query().Get("lines"))
		writeResponse(w, h.svc.CaptureOutput(name, lines))
	case "ready":
		var req readyRequest
		if !h.decode(w, r, &req) {
			return
		}
		writeResponse(w, h.svc.ConfirmReady(name, req.Token))
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// decode requires POST and parses an optional JSON body into v. A body must
// be sent as application/json, which a browser cannot do cross-origin without
// a preflight.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if !allow(w, r, http.MethodPost) {
		return false
	}
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		writeJSON(w, http.StatusUnsupportedMediaType, Response{Error: "Content-Type must be application/json", Code: apperrors.CodeUnknown})
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Debug("invalid request body", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, Response{Error: "Invalid JSON body", Code: apperrors.CodeUnknown})
		return false
	}
	return true
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeResponse(w http.ResponseWriter, resp Response) {
	writeJSON(w, statusFor(resp), resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a Response code to an HTTP status.
func statusFor(resp Response) int {
	if resp.Success {
		return http.StatusOK
	}
	switch resp.Code {
	case apperrors.CodeSessionNotFound, apperrors.CodeRegistrationNotPending:
		return http.StatusNotFound
	case apperrors.CodeSessionAlreadyExists:
		return http.StatusConflict
	case apperrors.CodeInputRateLimited:
		return http.StatusTooManyRequests
	case apperrors.CodeSessionCreateFailed, apperrors.CodeBackendUnsupportedType, apperrors.CodeBackendDisabled:
		return http.StatusBadRequest
	case apperrors.CodeRegistrationTimeout:
		return http.StatusGatewayTimeout
	case apperrors.CodeBackendUnavailable, apperrors.CodeQueueClosed:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
