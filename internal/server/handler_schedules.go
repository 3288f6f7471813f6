package server

import (
	"encoding/json"
	"net/http"

	"github.com/me/tdl/internal/schedule"
	"github.com/me/tdl/pkg/model"
)

// compiled is a parsed, validated module and its schedule graph.
type compiled struct {
	module   *model.Module
	graph    *schedule.Graph
	warnings []model.FieldError
}

// compile turns a YAML module document into a schedule graph. On failure it
// returns the HTTP status and API error to respond with.
func (s *Server) compile(doc, startMode string) (*compiled, int, *model.APIError) {
	if doc == "" {
		return nil, http.StatusBadRequest, model.NewValidationError("missing required field",
			model.FieldError{Field: "module", Message: "module document is required"})
	}
	m, err := s.parser.Parse([]byte(doc))
	if err != nil {
		return nil, http.StatusBadRequest, model.NewValidationError(err.Error())
	}
	if startMode != "" {
		m.Start = startMode
	}
	if apiErr := s.validator.Validate(m); apiErr != nil {
		return nil, http.StatusBadRequest, apiErr
	}
	warnings := s.validator.Warnings(m)

	g, err := schedule.Build(m, schedule.WithLogger(s.base))
	if err != nil {
		if model.IsScheduleError(err) {
			return nil, http.StatusUnprocessableEntity, &model.APIError{Code: model.ErrSchedule, Message: err.Error()}
		}
		return nil, http.StatusInternalServerError, &model.APIError{Code: model.ErrInternal, Message: err.Error()}
	}
	return &compiled{module: m, graph: g, warnings: warnings}, 0, nil
}

type scheduleResponse struct {
	Schedule schedule.Snapshot  `json:"schedule"`
	Warnings []model.FieldError `json:"warnings,omitempty"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}

	c, status, apiErr := s.compile(req.Module, req.StartMode)
	if apiErr != nil {
		respondError(w, reqID, status, apiErr)
		return
	}
	s.logger.Info("schedule compiled", "module", c.module.Name, "nodes", c.graph.Len(), "warnings", len(c.warnings))

	if r.URL.Query().Get("format") == "dot" {
		w.Header().Set("Content-Type", "text/vnd.graphviz")
		if err := c.graph.WriteDOT(w); err != nil {
			s.logger.Error("write dot", "error", err)
		}
		return
	}
	respondOK(w, reqID, scheduleResponse{
		Schedule: c.graph.Snapshot(),
		Warnings: c.warnings,
	})
}
