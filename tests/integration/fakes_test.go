//go:build integration

package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// stageScript is how the fake stages answer for one incident.
type stageScript struct {
	validate  map[string]any
	procedure map[string]any
}

// stageFake serves the analyze, validate and retrieve-procedure endpoints.
type stageFake struct {
	*httptest.Server

	mu      sync.Mutex
	scripts map[string]stageScript
}

func newStageFake() *stageFake {
	f := &stageFake{scripts: make(map[string]stageScript)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /analyze", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"result": "Instance appears to be down."})
	})
	mux.HandleFunc("POST /validate", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, f.script(r).validate)
	})
	mux.HandleFunc("POST /sop", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, f.script(r).procedure)
	})
	f.Server = httptest.NewServer(mux)
	return f
}

func (f *stageFake) set(incidentID string, s stageScript) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[incidentID] = s
}

func (f *stageFake) script(r *http.Request) stageScript {
	var req struct {
		IncidentID string `json:"incident_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scripts[req.IncidentID]
}

// ticketFake is a minimal table API accepting basic auth svc:pw. Every
// number exists.
type ticketFake struct {
	*httptest.Server

	mu      sync.Mutex
	patches map[string][]map[string]string
}

func newTicketFake() *ticketFake {
	f := &ticketFake{patches: make(map[string][]map[string]string)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/now/table/incident", func(w http.ResponseWriter, r *http.Request) {
		number, ok := strings.CutPrefix(r.URL.Query().Get("sysparm_query"), "number=")
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"result": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": []map[string]string{
			{"number": number, "sys_id": "sys-" + number, "state": "2"},
		}})
	})
	mux.HandleFunc("PATCH /api/now/table/incident/{sysID}", func(w http.ResponseWriter, r *http.Request) {
		var fields map[string]string
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		number := strings.TrimPrefix(r.PathValue("sysID"), "sys-")

		f.mu.Lock()
		f.patches[number] = append(f.patches[number], fields)
		f.mu.Unlock()

		writeJSON(w, http.StatusOK, map[string]any{"result": fields})
	})

	f.Server = httptest.NewServer(requireBasicAuth("svc", "pw", mux))
	return f
}

func (f *ticketFake) updates(number string) []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.patches[number]...)
}

func requireBasicAuth(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// webhookFake records incoming Mattermost webhook text and attachment text.
type webhookFake struct {
	*httptest.Server

	mu    sync.Mutex
	texts []string
}

func newWebhookFake() *webhookFake {
	f := &webhookFake{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Text        string `json:"text"`
			Attachments []struct {
				Text string `json:"text"`
			} `json:"attachments"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)

		parts := []string{payload.Text}
		for _, a := range payload.Attachments {
			parts = append(parts, a.Text)
		}

		f.mu.Lock()
		f.texts = append(f.texts, strings.Join(parts, "\n"))
		f.mu.Unlock()

		w.WriteHeader(http.StatusOK)
	}))
	return f
}

func (f *webhookFake) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
