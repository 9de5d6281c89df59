// Package httpapi exposes the engines over a small JSON REST surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"groupcast/internal/broadcast"
	"groupcast/internal/joinqueue"
	"groupcast/internal/metrics"
	"groupcast/internal/session"
	"groupcast/internal/storage"
	"groupcast/pkg/logx"
)

type API struct {
	sessions  *session.Registry
	queue     *joinqueue.Engine
	campaigns *broadcast.Engine
	store     storage.Store
	prom      *metrics.Metrics
	log       logx.Logger
}

func New(sessions *session.Registry, queue *joinqueue.Engine, campaigns *broadcast.Engine, store storage.Store, prom *metrics.Metrics, log logx.Logger) *API {
	return &API{
		sessions:  sessions,
		queue:     queue,
		campaigns: campaigns,
		store:     store,
		prom:      prom,
		log:       log,
	}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.HTTPMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.prom != nil {
		r.Method(http.MethodGet, "/metrics", a.prom.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", a.listSessions)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", a.getSession)
				r.Delete("/", a.deleteSession)
				r.Post("/connect", a.connectSession)
				r.Post("/disconnect", a.disconnectSession)
				r.Put("/intervals", a.setIntervals)
				r.Get("/groups", a.listGroups)
				r.Get("/queue", a.getQueue)
				r.Post("/queue", a.enqueueLinks)
				r.Post("/broadcasts", a.startCampaign)
			})
		})
		r.Route("/broadcasts", func(r chi.Router) {
			r.Get("/", a.listCampaigns)
			r.Get("/{id}", a.getCampaign)
			r.Get("/{id}/detail", a.campaignDetail)
			r.Post("/{id}/stop", a.stopCampaign)
		})
		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", a.listSchedules)
			r.Post("/", a.createSchedule)
			r.Delete("/{id}", a.cancelSchedule)
		})
		r.Get("/links", a.listLinks)
	})
	return r
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP status codes.
func (a *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrBadName),
		errors.Is(err, joinqueue.ErrBadLink),
		errors.Is(err, broadcast.ErrPastSchedule),
		errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, broadcast.ErrCampaignNotFound),
		errors.Is(err, broadcast.ErrScheduleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrSessionExists),
		errors.Is(err, broadcast.ErrCampaignRunning),
		errors.Is(err, broadcast.ErrSessionNotActive):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		a.log.Error("request failed", logx.Err(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

var errBadRequest = errors.New("bad request")

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}
