// Package sanitize guards stage boundaries against adversarial text and keeps
// credentials and personal data out of prompts and logs.
package sanitize

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxTextLength is the rune limit applied by SanitizeText.
const MaxTextLength = 2000

// Verdict is the outcome of injection detection for a single text field.
type Verdict struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
}

var destructiveKeywords = []string{
	"delete all",
	"terminate all",
	"destroy all",
	"remove all",
	"stop all",
	"shutdown all",
	"kill all",
	"drop all",
}

type injectionRule struct {
	name    string
	pattern *regexp.Regexp
}

var injectionRules = []injectionRule{
	{"instruction-override", regexp.MustCompile(`(?i)ignore\s+(previous|all|above|prior)\s+(instructions?|prompts?|commands?)`)},
	{"instruction-disregard", regexp.MustCompile(`(?i)disregard\s+(previous|all|above|prior)`)},
	{"instruction-forget", regexp.MustCompile(`(?i)forget\s+(previous|all|above|everything)`)},
	{"role-reassignment", regexp.MustCompile(`(?i)you\s+are\s+now`)},
	{"system-prompt-probe", regexp.MustCompile(`(?i)system\s+prompt`)},
	{"new-instructions", regexp.MustCompile(`(?i)new\s+(instructions?|role|task)`)},
	{"settings-override", regexp.MustCompile(`(?i)override\s+(instructions?|settings?)`)},
	{"mass-destruction", regexp.MustCompile(`(?i)(delete|terminate|destroy|remove)\s+all`)},
	{"mass-shutdown", regexp.MustCompile(`(?i)(stop|shutdown|kill)\s+all`)},
	{"script-markup", regexp.MustCompile(`(?i)<script[^>]*>`)},
	{"code-eval", regexp.MustCompile(`(?i)eval\s*\(`)},
	{"code-exec", regexp.MustCompile(`(?i)exec\s*\(`)},
	{"python-import", regexp.MustCompile(`(?i)__import__`)},
	{"subprocess-call", regexp.MustCompile(`(?i)subprocess\.`)},
	{"os-system-call", regexp.MustCompile(`(?i)os\.system`)},
	{"template-injection", regexp.MustCompile(`\$\{.*\}`)},
	{"destructive-pipe", regexp.MustCompile(`(?i)\|\s*(rm|dd|mkfs)`)},
}

// actAs matches role hijacking ("act as root"). The captured word is checked
// against pipelineRoles because RE2 has no negative lookahead.
var actAs = regexp.MustCompile(`(?i)act\s+as\s+(?:an?\s+)?(\w+)`)

var pipelineRoles = map[string]struct{}{
	"incident":   {},
	"analysis":   {},
	"validation": {},
	"sop":        {},
}

// DetectInjection checks text against the destructive keyword list and then the
// behavioral patterns. The first match wins and is reported in the reason.
func DetectInjection(text string) Verdict {
	normalized := norm.NFKC.String(text)
	lower := strings.ToLower(normalized)

	for _, keyword := range destructiveKeywords {
		if strings.Contains(lower, keyword) {
			return Verdict{Blocked: true, Reason: "destructive command detected: " + keyword}
		}
	}

	for _, rule := range injectionRules {
		if rule.pattern.MatchString(normalized) {
			return Verdict{Blocked: true, Reason: "prompt injection pattern: " + rule.name}
		}
	}

	for _, m := range actAs.FindAllStringSubmatch(normalized, -1) {
		if _, ok := pipelineRoles[strings.ToLower(m[1])]; !ok {
			return Verdict{Blocked: true, Reason: "prompt injection pattern: role-hijack"}
		}
	}

	return Verdict{}
}

var (
	scriptBlock = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	scriptOpen  = regexp.MustCompile(`(?i)<script[^>]*>`)
	shellMeta   = regexp.MustCompile("[|;&`$]")
)

// SanitizeText removes script blocks and shell metacharacters and truncates the
// result to MaxTextLength runes.
func SanitizeText(text string) string {
	text = scriptBlock.ReplaceAllString(text, "")
	text = scriptOpen.ReplaceAllString(text, "")
	text = shellMeta.ReplaceAllString(text, "")

	runes := []rune(text)
	if len(runes) > MaxTextLength {
		return string(runes[:MaxTextLength])
	}
	return text
}
