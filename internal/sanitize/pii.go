package sanitize

import "regexp"

// Category names a class of personal or sensitive data.
type Category string

// PII categories, in redaction order.
const (
	CategoryEmail      Category = "email"
	CategorySSN        Category = "ssn"
	CategoryPhone      Category = "phone"
	CategoryCreditCard Category = "credit_card"
	CategoryIPAddress  Category = "ip_address"
	CategoryAWSKey     Category = "aws_key"
	CategoryName       Category = "name"
)

type piiRule struct {
	category    Category
	pattern     *regexp.Regexp
	replacement string
}

// piiRules is applied top to bottom. Categories overlap (a phone number is also
// a digit run, an IP address looks like several), so the order is fixed.
var piiRules = []piiRule{
	{CategoryEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[EMAIL]"},
	{CategorySSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN]"},
	{CategoryPhone, regexp.MustCompile(`\b(?:\+?1[-.]?)?\(?[0-9]{3}\)?[-.]?[0-9]{3}[-.]?[0-9]{4}\b`), "[PHONE]"},
	{CategoryCreditCard, regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`), "[CREDIT_CARD]"},
	{CategoryIPAddress, regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), "[IP_ADDRESS]"},
	{CategoryAWSKey, regexp.MustCompile(`(?:AKIA|ASIA)[0-9A-Z]{16}`), "[AWS_KEY]"},
	{CategoryName, regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+\b`), "[NAME]"},
}

// Categories returns the PII categories in redaction order.
func Categories() []Category {
	out := make([]Category, 0, len(piiRules))
	for _, r := range piiRules {
		out = append(out, r.category)
	}
	return out
}

// DetectPII counts matches per category on the original text. Categories without
// matches are omitted.
func DetectPII(text string) map[Category]int {
	findings := make(map[Category]int)
	for _, r := range piiRules {
		if n := len(r.pattern.FindAllStringIndex(text, -1)); n > 0 {
			findings[r.category] = n
		}
	}
	return findings
}

// RedactPII replaces every category's matches with its token, in table order.
// A token can open a word boundary next to text an earlier rule skipped, so
// the table is reapplied until nothing changes. Tokens match no rule and every
// replacement consumes input, so the loop ends.
func RedactPII(text string) string {
	for {
		next := redactPass(text)
		if next == text {
			return next
		}
		text = next
	}
}

func redactPass(text string) string {
	for _, r := range piiRules {
		text = r.pattern.ReplaceAllLiteralString(text, r.replacement)
	}
	return text
}
