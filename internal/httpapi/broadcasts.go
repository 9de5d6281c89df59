package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"groupcast/internal/broadcast"
	"groupcast/internal/config"
	"groupcast/internal/provider"
	"groupcast/internal/session"
)

type messageBody struct {
	Text  string `json:"text"`
	Media *struct {
		Kind     string `json:"kind"`
		URL      string `json:"url"`
		FileName string `json:"file_name,omitempty"`
		Caption  string `json:"caption,omitempty"`
	} `json:"media,omitempty"`
}

func (b messageBody) toMessage() (provider.Message, error) {
	msg := provider.Message{Text: b.Text}
	if b.Media != nil {
		kind := provider.MediaKind(b.Media.Kind)
		switch kind {
		case provider.MediaImage, provider.MediaVideo, provider.MediaDocument:
		default:
			return provider.Message{}, fmt.Errorf("%w: unknown media kind %q", errBadRequest, b.Media.Kind)
		}
		if b.Media.URL == "" {
			return provider.Message{}, fmt.Errorf("%w: media.url is required", errBadRequest)
		}
		msg.Media = &provider.Media{Kind: kind, URL: b.Media.URL, FileName: b.Media.FileName, Caption: b.Media.Caption}
	}
	if msg.Text == "" && msg.Media == nil {
		return provider.Message{}, fmt.Errorf("%w: message must carry text or media", errBadRequest)
	}
	return msg, nil
}

// campaignRequest is the message body plus the optional per-campaign pacing
// policy and explicit target list. Absent intervals defer to the configured
// default, absent targets to the session's cached group snapshot.
type campaignRequest struct {
	messageBody
	Intervals *config.Intervals `json:"intervals,omitempty"`
	Targets   []string          `json:"targets,omitempty"`
}

func (b campaignRequest) policy() (broadcast.IntervalPolicy, error) {
	if b.Intervals == nil {
		return broadcast.IntervalPolicy{}, nil
	}
	if err := config.ValidateIntervals("intervals", *b.Intervals); err != nil {
		return broadcast.IntervalPolicy{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return broadcast.IntervalPolicy{
		Min: b.Intervals.MinDuration(),
		Max: b.Intervals.MaxDuration(),
	}, nil
}

func (b campaignRequest) targets() ([]provider.Group, error) {
	if b.Targets == nil {
		return nil, nil
	}
	out := make([]provider.Group, 0, len(b.Targets))
	for _, id := range b.Targets {
		if id == "" {
			return nil, fmt.Errorf("%w: empty target id", errBadRequest)
		}
		out = append(out, provider.Group{ID: id})
	}
	return out, nil
}

func (a *API) startCampaign(w http.ResponseWriter, r *http.Request) {
	var body campaignRequest
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, err)
		return
	}
	msg, err := body.toMessage()
	if err != nil {
		a.writeError(w, err)
		return
	}
	policy, err := body.policy()
	if err != nil {
		a.writeError(w, err)
		return
	}
	targets, err := body.targets()
	if err != nil {
		a.writeError(w, err)
		return
	}
	name, err := session.Resolve(chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	snap, err := a.campaigns.Start(r.Context(), name, msg, policy, targets)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (a *API) listCampaigns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.campaigns.List())
}

func (a *API) getCampaign(w http.ResponseWriter, r *http.Request) {
	snap, err := a.campaigns.Get(chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) campaignDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := a.campaigns.Detail(chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) stopCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.campaigns.Stop(id); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "stopping"})
}

type scheduleRequest struct {
	Session   string            `json:"session"`
	FireAt    time.Time         `json:"fire_at"`
	Message   messageBody       `json:"message"`
	Intervals *config.Intervals `json:"intervals,omitempty"`
	Targets   []string          `json:"targets,omitempty"`
}

func (a *API) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	msg, err := req.Message.toMessage()
	if err != nil {
		a.writeError(w, err)
		return
	}
	camp := campaignRequest{Intervals: req.Intervals, Targets: req.Targets}
	policy, err := camp.policy()
	if err != nil {
		a.writeError(w, err)
		return
	}
	targets, err := camp.targets()
	if err != nil {
		a.writeError(w, err)
		return
	}
	name, err := session.Resolve(req.Session)
	if err != nil {
		a.writeError(w, err)
		return
	}
	info, err := a.campaigns.Schedule(name, msg, policy, targets, req.FireAt)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (a *API) listSchedules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.campaigns.Schedules())
}

func (a *API) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	if err := a.campaigns.CancelScheduled(chi.URLParam(r, "id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
