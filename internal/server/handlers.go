package server

import (
	"net/http"
	"strconv"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/orchestrator"
	"github.com/joss/scribe/internal/planning"
	"github.com/joss/scribe/internal/store"
)

type statusRequest struct {
	Status domain.PlanStatus `json:"status" validate:"required,oneof=proposed refined accepted"`
}

type refineRequest struct {
	Constraints string `json:"constraints" validate:"required"`
}

type cancelRequest struct {
	RunID string `json:"runId" validate:"required"`
}

// advanceResponse is the body of a successful or failed advance.
type advanceResponse struct {
	Status              string           `json:"status"`
	RunID               string           `json:"runId,omitempty"`
	CurrentSubtaskOrder int              `json:"currentSubtaskOrder,omitempty"`
	TotalSubtasks       int              `json:"totalSubtasks,omitempty"`
	More                bool             `json:"more"`
	Final               *domain.Artifact `json:"final,omitempty"`
	Message             string           `json:"message,omitempty"`
	Kind                string           `json:"kind,omitempty"`
	Issues              []domain.Issue   `json:"issues,omitempty"`
}

// filterOf reads limit and offset query parameters.
func filterOf(r *http.Request) store.Filter {
	f := store.DefaultFilter()
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n >= 0 {
		f = f.WithLimit(n)
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && n >= 0 {
		f = f.WithOffset(n)
	}
	return f
}

// Plans

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	plans, err := s.ctl.Plans().ListPlans(r.Context(), caller, filterOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	var in planning.PlanInput
	if err := s.decode(r, &in, false); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.ctl.Plans().CreatePlan(r.Context(), caller, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleProposePlan(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	var in planning.ProposeInput
	if err := s.decode(r, &in, false); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.ctl.Plans().Propose(r.Context(), caller, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	p, err := s.ctl.Plans().GetPlan(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePlanStatus(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	var req statusRequest
	if err := s.decode(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.ctl.Plans().UpdatePlanStatus(r.Context(), caller, r.PathValue("id"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRefinePlan(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	var req refineRequest
	if err := s.decode(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.ctl.Plans().Refine(r.Context(), caller, r.PathValue("id"), req.Constraints)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleAcceptPlan(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	res, err := s.ctl.AcceptPlan(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Documents

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	docs, err := s.ctl.Documents(r.Context(), caller, filterOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	ov, err := s.ctl.Status(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	var opts orchestrator.SplitOptions
	if err := s.decode(r, &opts, true); err != nil {
		writeError(w, err)
		return
	}
	subtasks, err := s.ctl.Split(r.Context(), caller, r.PathValue("id"), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subtasks": subtasks})
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	var opts orchestrator.AdvanceOptions
	if err := s.decode(r, &opts, true); err != nil {
		writeError(w, err)
		return
	}

	res, err := s.ctl.Advance(r.Context(), caller, r.PathValue("id"), opts)
	if err != nil {
		code, kind := classify(err)
		body := advanceResponse{Status: "failed", Message: err.Error(), Kind: kind, Issues: issuesOf(err)}
		if res != nil {
			body.RunID = res.RunID
			body.CurrentSubtaskOrder = res.CurrentSubtaskOrder
			body.TotalSubtasks = res.TotalSubtasks
		}
		writeJSON(w, code, body)
		return
	}

	writeJSON(w, http.StatusOK, advanceResponse{
		Status:              string(res.Status),
		RunID:               res.RunID,
		CurrentSubtaskOrder: res.CurrentSubtaskOrder,
		TotalSubtasks:       res.TotalSubtasks,
		More:                res.More,
		Final:               res.Final,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	var req cancelRequest
	if err := s.decode(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	run, err := s.ctl.Cancel(r.Context(), caller, r.PathValue("id"), req.RunID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleFinal(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	art, err := s.ctl.Final(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(art.HTML))
	case "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(art.Content))
	default:
		writeJSON(w, http.StatusOK, art)
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	run, err := s.ctl.Run(r.Context(), caller, r.PathValue("id"), r.PathValue("runId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
