package remediation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bissquit/incident-remediator/internal/domain"
	"github.com/bissquit/incident-remediator/internal/pkg/httputil"
	"github.com/bissquit/incident-remediator/internal/testutil"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const specPath = "../../api/openapi/openapi.yaml"

// mockRunner implements Runner for testing.
type mockRunner struct {
	inc      *domain.Incident
	err      error
	received []Intake
	ctxErr   error
}

func (m *mockRunner) Run(ctx context.Context, in Intake) (*domain.Incident, error) {
	m.received = append(m.received, in)
	m.ctxErr = ctx.Err()
	return m.inc, m.err
}

func newTestRouter(runner Runner, repo RunRepository) http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1", NewHandler(runner, repo).RegisterRoutes)
	return r
}

func postIncident(t *testing.T, h http.Handler, body any) (*http.Request, *httptest.ResponseRecorder) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return req, rec
}

func validRequest() IntakeRequest {
	return IntakeRequest{
		IncidentID:  "INC0010001",
		ServerName:  "web-01",
		ServerIP:    "10.0.0.5",
		Description: "SSH Connection Failure: web-01",
	}
}

func TestHandler_SubmitIncident(t *testing.T) {
	validator := testutil.NewOpenAPIValidator(t, specPath)

	tests := []struct {
		name        string
		inc         *domain.Incident
		err         error
		wantStatus  int
		wantError   string
		wantDetails string
	}{
		{
			name:       "remediated",
			inc:        &domain.Incident{ID: "INC0010001", RunID: "r-1", InstanceID: testInstanceID, Disposition: domain.DispositionRemediated},
			wantStatus: http.StatusOK,
		},
		{
			name:       "escalated",
			inc:        &domain.Incident{ID: "INC0010001", RunID: "r-1", InstanceID: testInstanceID, Disposition: domain.DispositionEscalated, Reason: "timeout-exceeded"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "intake rejected",
			inc:        &domain.Incident{Disposition: domain.DispositionError},
			err:        &RejectionError{Stage: StepIntake, Reason: "role-hijack"},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid input detected",
		},
		{
			name:        "stage output rejected",
			inc:         &domain.Incident{Disposition: domain.DispositionError},
			err:         &RejectionError{Stage: "validate", Reason: "script-markup"},
			wantStatus:  http.StatusBadRequest,
			wantError:   "invalid input detected",
			wantDetails: "validate",
		},
		{
			name:        "instance not resolved",
			inc:         &domain.Incident{Disposition: domain.DispositionError},
			err:         &StageError{Stage: StepResolveInstance, Err: ErrInstanceNotResolved},
			wantStatus:  http.StatusBadRequest,
			wantError:   "instance not found for server",
			wantDetails: StepResolveInstance,
		},
		{
			name:        "stage failed",
			inc:         &domain.Incident{Disposition: domain.DispositionError},
			err:         &StageError{Stage: "analyze", Err: errors.New("timeout")},
			wantStatus:  http.StatusInternalServerError,
			wantError:   "remediation stage failed",
			wantDetails: "analyze",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockRunner{inc: tt.inc, err: tt.err}

			req, rec := postIncident(t, newTestRouter(runner, NewMemoryRepository()), validRequest())

			assert.Equal(t, tt.wantStatus, rec.Code)
			validator.ValidateRecorder(t, req, rec)

			if tt.wantStatus == http.StatusOK {
				var resp IntakeResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, tt.inc.Disposition, resp.Status)
				assert.Equal(t, tt.inc.RunID, resp.RunID)
				assert.Equal(t, testInstanceID, resp.InstanceID)
				return
			}

			var body httputil.ErrorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantError, body.Error)
			assert.Equal(t, tt.wantDetails, body.Details)
			assert.NotContains(t, rec.Body.String(), "role-hijack")
		})
	}
}

func TestHandler_SubmitIncident_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*IntakeRequest)
	}{
		{"missing incident id", func(r *IntakeRequest) { r.IncidentID = "" }},
		{"missing server name", func(r *IntakeRequest) { r.ServerName = "" }},
		{"shell metacharacters in server name", func(r *IntakeRequest) { r.ServerName = "web-01;reboot" }},
		{"query operators in server name", func(r *IntakeRequest) { r.ServerName = "web^stateIN1" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockRunner{}
			body := validRequest()
			tt.mutate(&body)

			_, rec := postIncident(t, newTestRouter(runner, NewMemoryRepository()), body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, runner.received)
		})
	}
}

func TestHandler_SubmitIncident_InvalidJSON(t *testing.T) {
	runner := &mockRunner{}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()

	newTestRouter(runner, NewMemoryRepository()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, runner.received)
}

func TestHandler_SubmitIncident_BodyTooLarge(t *testing.T) {
	runner := &mockRunner{}
	body := validRequest()
	body.Description = strings.Repeat("a", maxIntakeBody)

	req, rec := postIncident(t, newTestRouter(runner, NewMemoryRepository()), body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, runner.received)
	testutil.NewOpenAPIValidator(t, specPath).ValidateRecorder(t, req, rec)
}

func TestHandler_SubmitIncident_DetachesFromClientCancellation(t *testing.T) {
	runner := &mockRunner{inc: &domain.Incident{ID: "INC0010001", RunID: "r-1", Disposition: domain.DispositionResolved}}
	raw, err := json.Marshal(validRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents", bytes.NewReader(raw)).WithContext(ctx)
	rec := httptest.NewRecorder()

	newTestRouter(runner, NewMemoryRepository()).ServeHTTP(rec, req)

	require.Len(t, runner.received, 1)
	assert.NoError(t, runner.ctxErr)
	assert.Equal(t, "web-01", runner.received[0].ServerName)
}

func TestHandler_GetRun(t *testing.T) {
	validator := testutil.NewOpenAPIValidator(t, specPath)
	repo := NewMemoryRepository()
	inc := &domain.Incident{ID: "INC0010001", RunID: "r-1", ServerName: "web-01", Stage: domain.StageInit}
	require.NoError(t, repo.Create(context.Background(), inc))
	router := newTestRouter(&mockRunner{}, repo)

	t.Run("found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/r-1", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		validator.ValidateRecorder(t, req, rec)
		var got domain.Incident
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "r-1", got.RunID)
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/missing", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		validator.ValidateRecorder(t, req, rec)
	})
}

func TestHandler_ListRuns(t *testing.T) {
	validator := testutil.NewOpenAPIValidator(t, specPath)
	repo := NewMemoryRepository()
	ctx := context.Background()
	older := &domain.Incident{ID: "INC0010001", RunID: "r-1", ServerName: "web-01", Stage: domain.StageInit, CreatedAt: time.Unix(100, 0).UTC()}
	newer := &domain.Incident{ID: "INC0010001", RunID: "r-2", ServerName: "web-01", Stage: domain.StageInit, CreatedAt: time.Unix(200, 0).UTC()}
	other := &domain.Incident{ID: "INC0099999", RunID: "r-3", ServerName: "db-01", Stage: domain.StageInit}
	for _, inc := range []*domain.Incident{older, newer, other} {
		require.NoError(t, repo.Create(ctx, inc))
	}
	router := newTestRouter(&mockRunner{}, repo)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents/INC0010001/runs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	validator.ValidateRecorder(t, req, rec)
	var runs []domain.Incident
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "r-2", runs[0].RunID)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/incidents/INC0000000/runs", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.JSONEq(t, "[]", rec.Body.String())
}
