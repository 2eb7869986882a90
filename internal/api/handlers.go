package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rennerdo30/tunnelkeeper/internal/engine"
	"github.com/rennerdo30/tunnelkeeper/internal/openvpn"
	"github.com/rennerdo30/tunnelkeeper/internal/session"
	"github.com/rennerdo30/tunnelkeeper/internal/util"
	"github.com/rennerdo30/tunnelkeeper/internal/version"
)

type errorResponse struct {
	Error string `json:"error"`
}

// validID reports whether id is non-empty and already in the form used for
// log file names. Ids that filtering would change are refused rather than
// rewritten, so two profiles can never share a log.
func validID(id string) bool {
	return id != "" && util.FilterID(id) == id
}

// formID reads and checks a profile id form field.
func formID(r *http.Request) (string, bool) {
	id := r.PostFormValue("id")
	if !validID(id) {
		return "", false
	}
	return id, true
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	id, ok := formID(r)
	if !ok {
		a.writeError(w, http.StatusBadRequest, "valid id is required")
		return
	}
	path := r.PostFormValue("path")
	if path == "" {
		a.writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	view, err := a.sessions.Start(r.Context(), engine.StartRequest{
		ProfileID:  id,
		ConfigPath: path,
		Password:   r.PostFormValue("passwd"),
	})
	switch {
	case err == nil:
		a.writeJSON(w, http.StatusOK, view)
	case errors.Is(err, session.ErrAlreadyRunning):
		a.writeJSON(w, http.StatusConflict, view)
	case util.IsAny(err, engine.ErrInvalidRequest, session.ErrEmptyID, session.ErrInvalidID):
		a.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrShuttingDown):
		a.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, openvpn.ErrSpawnFailed):
		a.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		a.logger.Error("start failed", "profile_id", id, "error", err)
		a.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	id, ok := formID(r)
	if !ok {
		a.writeError(w, http.StatusBadRequest, "valid id is required")
		return
	}

	if err := a.sessions.Stop(r.Context(), id); err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, struct{}{})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.sessions.Status())
}

func (a *API) handleAdapters(w http.ResponseWriter, r *http.Request) {
	if a.adapters == nil {
		a.writeError(w, http.StatusNotImplemented, "adapter accounting is disabled")
		return
	}
	if r.URL.Query().Get("refresh") != "" {
		a.adapters.Refresh(r.Context())
	}
	a.writeJSON(w, http.StatusOK, a.adapters.Counts())
}

func (a *API) handleNetworkReset(w http.ResponseWriter, r *http.Request) {
	if a.resetter == nil {
		a.writeError(w, http.StatusNotImplemented, "network reset is disabled")
		return
	}

	// The reset may outlast the server's write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		a.logger.Debug("failed to clear write deadline", "error", err)
	}

	// Failed steps are logged by the resetter.
	if err := a.resetter.Reset(context.WithoutCancel(r.Context())); err != nil {
		a.logger.Warn("network reset completed with errors", "error", err)
	}
	a.writeJSON(w, http.StatusOK, struct{}{})
}

func (a *API) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validID(id) {
		a.writeError(w, http.StatusBadRequest, "invalid log id")
		return
	}

	data, err := a.sessions.Log(id)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data) //nolint:errcheck // Client disconnects are not actionable
}

func (a *API) handleClearLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validID(id) {
		a.writeError(w, http.StatusBadRequest, "invalid log id")
		return
	}

	if err := a.sessions.ClearLog(id); err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, struct{}{})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"time":     time.Now().Format(time.RFC3339),
		"uptime":   time.Since(a.started).Round(time.Second).String(),
		"sessions": len(a.sessions.Status()),
	})
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, version.GetInfo())
}

func (a *API) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Debug("failed to write response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, errorResponse{Error: msg})
}
