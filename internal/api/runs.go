package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/runstate"
	"github.com/sells-group/outreach-engine/internal/store"
)

// launchResponse carries the run and, for a failed preflight, the reason.
type launchResponse struct {
	Run   *model.Run `json:"run"`
	Error string     `json:"error,omitempty"`
}

func (s *Server) launchRun(w http.ResponseWriter, r *http.Request) {
	var req runstate.LaunchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BrandID == "" {
		writeError(w, http.StatusBadRequest, "brand_id is required")
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if err := req.Policy.WithDefaults().Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.runs.Launch(r.Context(), req)
	switch {
	case eris.Is(err, runstate.ErrPreflight):
		writeJSON(w, http.StatusUnprocessableEntity, launchResponse{Run: run, Error: run.LastError})
	case err != nil:
		s.fail(w, r, err)
	default:
		writeJSON(w, http.StatusCreated, launchResponse{Run: run})
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	filter := store.RunFilter{
		CampaignID:   q.Get("campaign_id"),
		ExperimentID: q.Get("experiment_id"),
		Limit:        limit,
		Offset:       offset,
	}
	if v := q.Get("status"); v != "" {
		if filter.Status, err = model.ParseRunStatus(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if v := q.Get("active"); v != "" {
		if filter.ActiveOnly, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid active flag")
			return
		}
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) pauseRun(w http.ResponseWriter, r *http.Request) {
	req := reasonRequest{Reason: "operator"}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	run, err := s.runs.Pause(r.Context(), chi.URLParam(r, "runID"), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) resumeRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Resume(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	req := reasonRequest{Reason: "operator"}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	run, err := s.runs.Cancel(r.Context(), chi.URLParam(r, "runID"), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// runScoped resolves the run in the path. It writes the error response and
// returns false when the run does not exist.
func (s *Server) runScoped(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "runID")
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return "", false
	}
	return id, true
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runID, ok := s.runScoped(w, r)
	if !ok {
		return
	}
	events, err := s.store.ListEvents(r.Context(), runID, limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.MessageFilter{
		LeadID: r.URL.Query().Get("lead_id"),
		Limit:  limit,
		Offset: offset,
	}
	if v := r.URL.Query().Get("status"); v != "" {
		if filter.Status, err = model.ParseMessageStatus(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	runID, ok := s.runScoped(w, r)
	if !ok {
		return
	}
	filter.RunID = runID

	msgs, err := s.store.ListMessages(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) listLeads(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.LeadFilter{Limit: limit, Offset: offset}
	if v := r.URL.Query().Get("status"); v != "" {
		if filter.Status, err = model.ParseLeadStatus(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	runID, ok := s.runScoped(w, r)
	if !ok {
		return
	}
	filter.RunID = runID

	leads, err := s.store.ListLeads(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if leads == nil {
		leads = []model.RunLead{}
	}
	writeJSON(w, http.StatusOK, leads)
}

func (s *Server) listReplies(w http.ResponseWriter, r *http.Request) {
	limit, _, err := page(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runID, ok := s.runScoped(w, r)
	if !ok {
		return
	}
	replies, err := s.store.ListReplies(r.Context(), runID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if replies == nil {
		replies = []model.Reply{}
	}
	writeJSON(w, http.StatusOK, replies)
}

func (s *Server) listAnomalies(w http.ResponseWriter, r *http.Request) {
	var openOnly bool
	if v := r.URL.Query().Get("open"); v != "" {
		var err error
		if openOnly, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid open flag")
			return
		}
	}
	runID, ok := s.runScoped(w, r)
	if !ok {
		return
	}
	anomalies, err := s.store.ListAnomalies(r.Context(), runID, openOnly)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if anomalies == nil {
		anomalies = []model.Anomaly{}
	}
	writeJSON(w, http.StatusOK, anomalies)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, _, err := page(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runID, ok := s.runScoped(w, r)
	if !ok {
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), runID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) acknowledgeAnomaly(w http.ResponseWriter, r *http.Request) {
	a, err := s.detector.Acknowledge(r.Context(), chi.URLParam(r, "anomalyID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) resolveAnomaly(w http.ResponseWriter, r *http.Request) {
	a, err := s.detector.Resolve(r.Context(), chi.URLParam(r, "anomalyID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
