package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bissquit/incident-remediator/internal/domain"
	"github.com/bissquit/incident-remediator/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Runner runs one pipeline to completion.
type Runner interface {
	Run(ctx context.Context, in Intake) (*domain.Incident, error)
}

// Handler serves the intake API.
type Handler struct {
	runner    Runner
	repo      RunRepository
	validator *validator.Validate
}

// NewHandler creates a new Handler.
func NewHandler(runner Runner, repo RunRepository) *Handler {
	return &Handler{
		runner:    runner,
		repo:      repo,
		validator: domain.NewValidator(),
	}
}

// RegisterRoutes registers intake routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/incidents", h.SubmitIncident)
	r.Get("/incidents/{id}/runs", h.ListRuns)
	r.Get("/runs/{id}", h.GetRun)
}

// maxIntakeBody bounds the intake body. It leaves room for a maximal
// description written entirely in escaped non-ASCII.
const maxIntakeBody = 256 << 10

// IntakeRequest is the body of POST /incidents.
type IntakeRequest struct {
	IncidentID  string `json:"incident_id" validate:"required,max=64,servertarget"`
	ServerName  string `json:"server_name" validate:"required,max=255,servertarget"`
	ServerIP    string `json:"server_ip" validate:"omitempty,max=255,servertarget"`
	Description string `json:"description" validate:"max=20000"`
}

// IntakeResponse is returned when a run reaches a non-error disposition.
type IntakeResponse struct {
	IncidentID string             `json:"incident_id"`
	Status     domain.Disposition `json:"status"`
	InstanceID string             `json:"instance_id,omitempty"`
	RunID      string             `json:"run_id"`
	Reason     string             `json:"reason,omitempty"`
}

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrInputRejected, Status: http.StatusBadRequest, Message: ErrInputRejected.Error(), Details: rejectedStage},
	{Error: ErrInstanceNotResolved, Status: http.StatusBadRequest, Message: "instance not found for server", Details: failedStage},
	{Error: ErrStageFailed, Status: http.StatusInternalServerError, Message: "remediation stage failed", Details: failedStage},
	{Error: ErrRunNotFound, Status: http.StatusNotFound, Message: "run not found"},
}

// SubmitIncident runs the pipeline for one incident and blocks until it ends.
func (h *Handler) SubmitIncident(w http.ResponseWriter, r *http.Request) {
	var req IntakeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIntakeBody)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	// A client disconnect must not abandon a started instance mid-verification.
	ctx := context.WithoutCancel(r.Context())

	inc, err := h.runner.Run(ctx, Intake{
		IncidentID:  req.IncidentID,
		ServerName:  req.ServerName,
		ServerIP:    req.ServerIP,
		Description: req.Description,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.JSON(w, http.StatusOK, IntakeResponse{
		IncidentID: inc.ID,
		Status:     inc.Disposition,
		InstanceID: inc.InstanceID,
		RunID:      inc.RunID,
		Reason:     inc.Reason,
	})
}

// GetRun returns the recorded state of a run.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	inc, err := h.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.JSON(w, http.StatusOK, inc)
}

// ListRuns returns every recorded run of a ticket, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.repo.ListByIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	if runs == nil {
		runs = []domain.Incident{}
	}
	httputil.JSON(w, http.StatusOK, runs)
}

// rejectedStage names the stage whose output was rejected. Intake rejections
// carry no details.
func rejectedStage(err error) string {
	var rejection *RejectionError
	if errors.As(err, &rejection) && rejection.Stage != StepIntake {
		return rejection.Stage
	}
	return ""
}

func failedStage(err error) string {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}
	return ""
}
