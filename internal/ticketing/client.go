// Package ticketing talks to a ServiceNow-style table API: it finds, opens,
// annotates and closes incidents.
package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Incident states.
const (
	StateNew        = "1"
	StateInProgress = "2"
	StateOnHold     = "3"
	StateClosed     = "7"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultTable     = "incident"
	defaultCloseCode = "Solution provided"
)

// ErrInvalidQuery is returned for values that would alter an encoded query.
var ErrInvalidQuery = errors.New("value contains query operators")

// Authorizer adds credentials to outgoing requests.
type Authorizer interface {
	Authorize(ctx context.Context, req *http.Request) error
}

// Record is the subset of incident fields the pipeline reads.
type Record struct {
	Number string `json:"number"`
	SysID  string `json:"sys_id"`
	State  string `json:"state"`
}

// NewIncident is the payload for opening an incident.
type NewIncident struct {
	ShortDescription string `json:"short_description"`
	Description      string `json:"description"`
	ServerName       string `json:"u_server_name"`
	ServerIP         string `json:"u_server_ip"`
}

// Config holds ticketing client configuration.
type Config struct {
	BaseURL   string
	Table     string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables limiting
	Burst     int
}

// Client is a ticketing table API client.
type Client struct {
	config     Config
	auth       Authorizer
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new Client.
func NewClient(config Config, auth Authorizer) *Client {
	if config.Table == "" {
		config.Table = defaultTable
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}

	return &Client{
		config:     config,
		auth:       auth,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(limit, config.Burst),
	}
}

type listResponse struct {
	Result []Record `json:"result"`
}

type singleResponse struct {
	Result Record `json:"result"`
}

// FindOpenIncident returns the newest open incident for serverName, or
// ErrIncidentNotFound.
func (c *Client) FindOpenIncident(ctx context.Context, serverName string) (Record, error) {
	if err := checkQueryValue(serverName); err != nil {
		return Record{}, err
	}
	query := fmt.Sprintf("u_server_name=%s^stateIN%s,%s,%s^ORDERBYDESCsys_created_on",
		serverName, StateNew, StateInProgress, StateOnHold)
	return c.findOne(ctx, query)
}

// FindByNumber returns the incident with the given number.
func (c *Client) FindByNumber(ctx context.Context, number string) (Record, error) {
	if err := checkQueryValue(number); err != nil {
		return Record{}, err
	}
	return c.findOne(ctx, "number="+number)
}

func (c *Client) findOne(ctx context.Context, query string) (Record, error) {
	params := url.Values{
		"sysparm_query":  {query},
		"sysparm_fields": {"number,state,sys_id"},
		"sysparm_limit":  {"1"},
	}

	var out listResponse
	if err := c.do(ctx, http.MethodGet, c.tableURL("")+"?"+params.Encode(), nil, http.StatusOK, &out); err != nil {
		return Record{}, err
	}
	if len(out.Result) == 0 {
		return Record{}, ErrIncidentNotFound
	}
	return out.Result[0], nil
}

// CreateIncident opens a new incident.
func (c *Client) CreateIncident(ctx context.Context, in NewIncident) (Record, error) {
	var out singleResponse
	if err := c.do(ctx, http.MethodPost, c.tableURL(""), in, http.StatusCreated, &out); err != nil {
		return Record{}, err
	}
	return out.Result, nil
}

// UpdateIncident appends work notes and optionally sets the state.
func (c *Client) UpdateIncident(ctx context.Context, number, notes, state string) error {
	fields := map[string]string{"work_notes": notes}
	if state != "" {
		fields["state"] = state
	}
	return c.patch(ctx, number, fields)
}

// CloseIncident moves the incident to the closed state with a resolution.
func (c *Client) CloseIncident(ctx context.Context, number, code, notes string) error {
	if code == "" {
		code = defaultCloseCode
	}
	return c.patch(ctx, number, map[string]string{
		"state":       StateClosed,
		"close_code":  code,
		"close_notes": notes,
	})
}

func (c *Client) patch(ctx context.Context, number string, fields map[string]string) error {
	rec, err := c.FindByNumber(ctx, number)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", number, err)
	}
	if err := c.do(ctx, http.MethodPatch, c.tableURL(rec.SysID), fields, http.StatusOK, nil); err != nil {
		return fmt.Errorf("update %s: %w", number, err)
	}
	slog.Debug("incident updated", "incident_id", number, "state", fields["state"])
	return nil
}

func (c *Client) tableURL(sysID string) string {
	u := strings.TrimRight(c.config.BaseURL, "/") + "/api/now/table/" + c.config.Table
	if sysID != "" {
		u += "/" + url.PathEscape(sysID)
	}
	return u
}

func (c *Client) do(ctx context.Context, method, target string, in any, want int, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		if err := c.auth.Authorize(ctx, req); err != nil {
			return fmt.Errorf("authorize: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != want {
		if resp.StatusCode == http.StatusUnauthorized {
			if inv, ok := c.auth.(interface{ Invalidate() }); ok {
				inv.Invalidate()
			}
		}
		return &StatusError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func checkQueryValue(v string) error {
	if v == "" || strings.ContainsAny(v, "^=&") {
		return fmt.Errorf("%q: %w", v, ErrInvalidQuery)
	}
	return nil
}
