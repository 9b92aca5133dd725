package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/knoguchi/livelab/internal/auth"
	"github.com/knoguchi/livelab/internal/lifecycle"
	"github.com/knoguchi/livelab/internal/repository"
	"github.com/knoguchi/livelab/internal/service"
)

// Default paging
const (
	defaultPage = 0
	defaultRPP  = 10
)

// Experiment is the request path the handlers drive
type Experiment interface {
	Rank(ctx context.Context, req service.Request) (*service.Response, error)
	Recommend(ctx context.Context, req service.Request) (*service.Response, error)
	Result(ctx context.Context, resultID int64) (*repository.Result, error)
	Feedback(ctx context.Context, resultID int64, clicks json.RawMessage) (*repository.Feedback, error)
	Exit(ctx context.Context, sessionID string) error
	SetUser(ctx context.Context, sessionID, user string) error
	Systems(ctx context.Context) ([]*repository.System, error)
}

var _ Experiment = (*service.Experiment)(nil)

// Syncer runs a remote sync pass on demand
type Syncer interface {
	Sync(ctx context.Context) (lifecycle.Report, error)
}

var _ Syncer = (*lifecycle.Worker)(nil)

type handlers struct {
	experiment Experiment
	syncer     Syncer
	logger     *slog.Logger
}

func (h *handlers) mount(r chi.Router, adminKey string) {
	r.Get("/ranking", h.serve(repository.RoleRanking))
	r.Get("/recommendation", h.serve(repository.RoleRecommendation))
	for _, role := range []string{"ranking", "recommendation"} {
		r.Get("/"+role+"/{rid}", h.result)
		r.Post("/"+role+"/{rid}/feedback", h.feedback)
	}

	r.Put("/sessions/{sid}/exit", h.exit)
	r.Post("/sessions/{sid}/user", h.setUser)

	r.Group(func(r chi.Router) {
		r.Use(auth.AdminKey(adminKey))
		r.Get("/admin/systems", h.systems)
		r.Post("/admin/sync", h.sync)
	})
}

func (h *handlers) serve(role repository.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		req := service.Request{
			Container: q.Get("container"),
			SessionID: q.Get("sid"),
		}
		if role == repository.RoleRecommendation {
			req.Query = q.Get("itemid")
			if req.Query == "" {
				req.Query = q.Get("item_id")
			}
		} else {
			req.Query = q.Get("query")
		}
		if req.Query == "" {
			h.writeError(w, errBadRequest("missing query or itemid"))
			return
		}

		var err error
		if req.Page, err = intParam(q.Get("page"), defaultPage); err != nil {
			h.writeError(w, errBadRequest("invalid page"))
			return
		}
		if req.RPP, err = intParam(q.Get("rpp"), defaultRPP); err != nil {
			h.writeError(w, errBadRequest("invalid rpp"))
			return
		}

		var resp *service.Response
		if role == repository.RoleRecommendation {
			resp, err = h.experiment.Recommend(r.Context(), req)
		} else {
			resp, err = h.experiment.Rank(r.Context(), req)
		}
		if err != nil {
			h.writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Session-ID", resp.SessionID)
		w.Header().Set("X-Result-ID", strconv.FormatInt(resp.ResultID, 10))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp.Body)
	}
}

// resultView is the JSON form of a stored result
type resultView struct {
	ID        int64            `json:"id"`
	SessionID string           `json:"session_id"`
	SystemID  int64            `json:"system_id"`
	Type      string           `json:"type"`
	Role      repository.Role  `json:"role"`
	Query     string           `json:"q"`
	IssuedAt  time.Time        `json:"q_date"`
	LatencyMS int64            `json:"q_time"`
	NumFound  int              `json:"num_found"`
	Page      int              `json:"page"`
	RPP       int              `json:"rpp"`
	Items     repository.Items `json:"items"`
	MergeID   *int64           `json:"tdi,omitempty"`
	Feedback  *int64           `json:"feedback_id,omitempty"`
}

func (h *handlers) result(w http.ResponseWriter, r *http.Request) {
	rid, err := strconv.ParseInt(chi.URLParam(r, "rid"), 10, 64)
	if err != nil {
		h.writeError(w, errBadRequest("invalid result id"))
		return
	}
	res, err := h.experiment.Result(r.Context(), rid)
	if err != nil {
		h.writeError(w, err)
		return
	}

	items := res.Items
	if items == nil {
		items = repository.Items{}
	}
	writeJSON(w, http.StatusOK, resultView{
		ID:        res.ID,
		SessionID: res.SessionID,
		SystemID:  res.SystemID,
		Type:      string(res.Origin),
		Role:      res.Role,
		Query:     res.Query,
		IssuedAt:  res.IssuedAt,
		LatencyMS: res.Latency.Milliseconds(),
		NumFound:  res.HitCount,
		Page:      res.Page,
		RPP:       res.RPP,
		Items:     items,
		MergeID:   res.MergeID,
		Feedback:  res.FeedbackID,
	})
}

func (h *handlers) feedback(w http.ResponseWriter, r *http.Request) {
	rid, err := strconv.ParseInt(chi.URLParam(r, "rid"), 10, 64)
	if err != nil {
		h.writeError(w, errBadRequest("invalid result id"))
		return
	}

	var body struct {
		Clicks json.RawMessage `json:"clicks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Clicks) == 0 {
		h.writeError(w, errBadRequest("body must be {\"clicks\": {...}}"))
		return
	}

	fb, err := h.experiment.Feedback(r.Context(), rid, body.Clicks)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"feedback_id": fb.ID})
}

func (h *handlers) exit(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	if err := h.experiment.Exit(r.Context(), sid); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sid": sid, "status": "exited"})
}

func (h *handlers) setUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SiteUser string `json:"site_user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SiteUser == "" {
		h.writeError(w, errBadRequest("body must be {\"site_user\": \"...\"}"))
		return
	}

	sid := chi.URLParam(r, "sid")
	if err := h.experiment.SetUser(r.Context(), sid, body.SiteUser); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sid": sid, "site_user": body.SiteUser})
}

// systemView is the JSON form of a registered system
type systemView struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	Lifecycle    string `json:"lifecycle"`
	Baseline     bool   `json:"baseline"`
	HeadRequests int64  `json:"num_requests"`
	Requests     int64  `json:"num_requests_no_head"`
	CustomSchema bool   `json:"custom_schema"`
}

func (h *handlers) systems(w http.ResponseWriter, r *http.Request) {
	systems, err := h.experiment.Systems(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]systemView, 0, len(systems))
	for _, sys := range systems {
		out = append(out, systemView{
			ID:           sys.ID,
			Name:         sys.Name,
			Role:         string(sys.Role),
			Lifecycle:    string(sys.Lifecycle),
			Baseline:     sys.Baseline,
			HeadRequests: sys.HeadRequests,
			Requests:     sys.Requests,
			CustomSchema: sys.HasCustomSchema(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"systems": out})
}

func (h *handlers) sync(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		h.writeError(w, lifecycle.ErrSyncDisabled)
		return
	}
	report, err := h.syncer.Sync(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type badRequestError string

func (e badRequestError) Error() string { return string(e) }

func errBadRequest(msg string) error { return badRequestError(msg) }

// writeError maps domain errors to HTTP statuses
func (h *handlers) writeError(w http.ResponseWriter, err error) {
	var bad badRequestError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &bad),
		errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrUnknownSystem):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrUnknownSession),
		errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrNoEligibleSystem),
		errors.Is(err, lifecycle.ErrSyncDisabled):
		status = http.StatusServiceUnavailable
	case errors.Is(err, lifecycle.ErrSyncAborted):
		status = http.StatusBadGateway
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
