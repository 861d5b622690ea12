// Package stage invokes remote remediation stages over HTTP.
package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Name identifies a remote stage.
type Name string

// Remote stages in pipeline order.
const (
	Analyze           Name = "analyze"
	Validate          Name = "validate"
	RetrieveProcedure Name = "retrieve-procedure"
)

const (
	defaultTimeout = 120 * time.Second
	maxBodySize    = 1 << 20
)

// Errors.
var (
	ErrUnknownStage = errors.New("no endpoint configured for stage")
	ErrRemote       = errors.New("stage reported failure")
)

// Request is the JSON payload sent to a stage. Text fields must already be
// sanitized by the caller.
type Request struct {
	IncidentID       string `json:"incident_id"`
	InstanceID       string `json:"instance_id"`
	ServerName       string `json:"server_name,omitempty"`
	ServerIP         string `json:"server_ip,omitempty"`
	Model            string `json:"model,omitempty"`
	AnalysisResult   string `json:"analysis_result,omitempty"`
	ValidationResult string `json:"validation_result,omitempty"`
}

// Result is a stage's answer. Status and Action are set only when the stage
// returns structured output.
type Result struct {
	Text     string
	Status   string
	Action   string
	Success  bool
	Duration time.Duration
}

// Invoker calls a remote stage. A non-nil error means the call failed.
type Invoker interface {
	Invoke(ctx context.Context, name Name, req Request) (Result, error)
}

// Config holds HTTP invoker configuration.
type Config struct {
	Endpoints map[Name]string
	Model     string
	Timeout   time.Duration
	AuthToken string
}

// HTTPInvoker posts Requests to per-stage endpoints.
type HTTPInvoker struct {
	config     Config
	httpClient *http.Client
}

// NewHTTPInvoker creates a new HTTPInvoker.
func NewHTTPInvoker(config Config) *HTTPInvoker {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	return &HTTPInvoker{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

type responseBody struct {
	Result  json.RawMessage `json:"result"`
	Status  string          `json:"status"`
	Action  string          `json:"action"`
	Error   string          `json:"error"`
	Success *bool           `json:"success"`
}

// Invoke calls the named stage.
func (i *HTTPInvoker) Invoke(ctx context.Context, name Name, req Request) (Result, error) {
	endpoint, ok := i.config.Endpoints[name]
	if !ok || endpoint == "" {
		return Result{}, fmt.Errorf("%s: %w", name, ErrUnknownStage)
	}
	if req.Model == "" {
		req.Model = i.config.Model
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/plain")
	if i.config.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+i.config.AuthToken)
	}

	start := time.Now()
	resp, err := i.httpClient.Do(httpReq)
	if err != nil {
		recordInvocation(name, "transport_error", time.Since(start))
		return Result{}, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	res, err := decodeResponse(resp)
	res.Duration = time.Since(start)
	if err != nil {
		recordInvocation(name, "failed", res.Duration)
		return res, err
	}

	recordInvocation(name, "success", res.Duration)
	slog.Debug("stage invoked", "stage", string(name), "chars", len(res.Text), "duration_ms", res.Duration.Milliseconds())
	return res, nil
}

func decodeResponse(resp *http.Response) (Result, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if !isJSON(resp, raw) {
		return Result{Text: string(raw), Success: true}, nil
	}

	var body responseBody
	if err := json.Unmarshal(raw, &body); err != nil {
		// Plain text that happens to start with a brace.
		return Result{Text: string(raw), Success: true}, nil
	}

	res := Result{
		Text:    resultText(body.Result),
		Status:  strings.ToLower(strings.TrimSpace(body.Status)),
		Action:  strings.ToLower(strings.TrimSpace(body.Action)),
		Success: true,
	}
	if body.Error != "" || (body.Success != nil && !*body.Success) {
		res.Success = false
		return res, fmt.Errorf("%w: %s", ErrRemote, body.Error)
	}
	return res, nil
}

func isJSON(resp *http.Response, raw []byte) bool {
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return true
	}
	return bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{"))
}

// resultText accepts a JSON string or any other JSON value, which is kept verbatim.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
