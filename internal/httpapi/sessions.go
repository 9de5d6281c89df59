package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"groupcast/internal/config"
	"groupcast/internal/session"
	"groupcast/pkg/logx"
)

func (a *API) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.List())
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	name, err := session.Resolve(chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	info, ok := a.sessions.Get(name)
	if !ok {
		a.writeError(w, session.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type connectRequest struct {
	Create            bool `json:"create,omitempty"`
	ForceNewChallenge bool `json:"force_new_challenge,omitempty"`
}

func (a *API) connectSession(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			a.writeError(w, err)
			return
		}
	}
	name, err := a.sessions.Connect(r.Context(), chi.URLParam(r, "name"), session.ConnectOptions{
		CreateIfMissing:   req.Create,
		ForceNewChallenge: req.ForceNewChallenge,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	info, _ := a.sessions.Get(name)
	writeJSON(w, http.StatusAccepted, info)
}

func (a *API) disconnectSession(w http.ResponseWriter, r *http.Request) {
	name, err := session.Resolve(chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.sessions.Disconnect(name); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "disconnecting"})
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.sessions.Delete(r.Context(), name); err != nil {
		a.writeError(w, err)
		return
	}
	a.log.Info("session deleted via api", logx.String("session", name))
	w.WriteHeader(http.StatusNoContent)
}

type intervalsRequest struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

func (a *API) setIntervals(w http.ResponseWriter, r *http.Request) {
	var req intervalsRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	iv := config.Intervals{Min: req.Min, Max: req.Max}
	if err := config.ValidateIntervals("intervals", iv); err != nil {
		a.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	name, err := session.Resolve(chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.sessions.SetIntervals(name, iv.MinDuration(), iv.MaxDuration()); err != nil {
		a.writeError(w, err)
		return
	}
	info, _ := a.sessions.Get(name)
	writeJSON(w, http.StatusOK, info)
}

func (a *API) listGroups(w http.ResponseWriter, r *http.Request) {
	name, err := session.Resolve(chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	refresh := r.URL.Query().Get("refresh") == "1"
	groups, err := a.campaigns.Groups(r.Context(), name, refresh)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

type enqueueRequest struct {
	Links []string `json:"links"`
}

type enqueueResponse struct {
	Link   string `json:"link"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (a *API) enqueueLinks(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if len(req.Links) == 0 {
		a.writeError(w, fmt.Errorf("%w: links must not be empty", errBadRequest))
		return
	}
	name, err := session.Resolve(chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, err)
		return
	}

	out := make([]enqueueResponse, 0, len(req.Links))
	for _, raw := range req.Links {
		res, err := a.queue.Enqueue(name, raw)
		resp := enqueueResponse{Link: raw, Result: string(res)}
		if err != nil {
			resp.Error = err.Error()
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusAccepted, out)
}

type queueItem struct {
	Link     string `json:"link"`
	Attempts int    `json:"attempts"`
	AddedAt  string `json:"added_at"`
}

func (a *API) getQueue(w http.ResponseWriter, r *http.Request) {
	name, err := session.Resolve(chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	entries := a.queue.Snapshot()[name]
	items := make([]queueItem, 0, len(entries))
	for _, en := range entries {
		items = append(items, queueItem{
			Link:     en.Link.Canonical,
			Attempts: en.Attempts,
			AddedAt:  en.AddedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *API) listLinks(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.writeError(w, fmt.Errorf("%w: bad limit %q", errBadRequest, raw))
			return
		}
		limit = n
	}
	records, err := a.store.ListLinks(r.Context(), r.URL.Query().Get("session"), limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}
