package notifications

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/bissquit/incident-remediator/internal/escalation"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Renderer renders escalation pages from embedded templates.
type Renderer struct {
	templates map[Channel]*template.Template
}

// NewRenderer creates a new renderer and loads all templates.
func NewRenderer() (*Renderer, error) {
	funcMap := template.FuncMap{
		"reasonTitle": reasonTitle,
		"formatTime":  formatTime,
		"reasonEmoji": reasonEmoji,
	}

	r := &Renderer{templates: make(map[Channel]*template.Template)}

	for _, channel := range []Channel{ChannelMattermost, ChannelEmail, ChannelTelegram} {
		filename := fmt.Sprintf("templates/%s_escalation.tmpl", channel)

		content, err := templatesFS.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", filename, err)
		}

		tmpl, err := template.New(string(channel)).Funcs(funcMap).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", filename, err)
		}
		r.templates[channel] = tmpl
	}

	return r, nil
}

// Render returns the subject and body of the page for ev on channel.
func (r *Renderer) Render(channel Channel, ev escalation.Event) (subject, body string, err error) {
	tmpl, ok := r.templates[channel]
	if !ok {
		return "", "", fmt.Errorf("template not found: %s", channel)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ev); err != nil {
		return "", "", fmt.Errorf("execute template %s: %w", channel, err)
	}

	subject = fmt.Sprintf("[Escalation] %s: %s", ev.IncidentID, reasonTitle(ev.Reason))
	return subject, strings.TrimSpace(buf.String()), nil
}

// reasonTitle turns "timeout-exceeded" into "Timeout Exceeded".
func reasonTitle(reason escalation.Reason) string {
	return cases.Title(language.English).String(strings.ReplaceAll(string(reason), "-", " "))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("Jan 2, 2006 15:04 UTC")
}

func reasonEmoji(reason escalation.Reason) string {
	switch reason {
	case escalation.ReasonDestructiveOperation:
		return "🛑"
	case escalation.ReasonTimeoutExceeded:
		return "⏱️"
	case escalation.ReasonNotAuthorized:
		return "🔒"
	default:
		return "🚨"
	}
}
