// Package sanitize redacts credentials from log text before it reaches a model.
package sanitize

import "regexp"

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Ordered: bearer tokens go before the generic authorization rule so the
// token itself, not the scheme word, is replaced.
var defaultRules = []rule{
	{regexp.MustCompile(`(?i)(bearer)\s+([a-zA-Z0-9_\-\.=]+)`), "${1} ***REDACTED***"},
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[=:]\s*["']?([a-zA-Z0-9_\-]{20,})["']?`), "${1}=***REDACTED***"},
	{regexp.MustCompile(`(?i)(x-api-key|authorization)\s*[=:]\s*["']?(?:basic\s+)?([a-zA-Z0-9_\-\.=]+)["']?`), "${1}=***REDACTED***"},
	{regexp.MustCompile(`(?i)(db_password|database_password|mysql_password|postgres_password|redis_password)\s*[=:]\s*["']?([^\s"']+)["']?`), "${1}=***REDACTED***"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*["']?([^\s"']+)["']?`), "${1}=***REDACTED***"},
	{regexp.MustCompile(`(?i)(secret|token)\s*[=:]\s*["']?([^\s"']+)["']?`), "${1}=***REDACTED***"},
	{regexp.MustCompile(`(?i)(postgres|postgresql|mysql|mongodb|mongodb\+srv|redis|amqp)://[^:/@\s]+:([^@\s]+)@`), "${1}://***:***REDACTED***@"},
	{regexp.MustCompile(`(?i)(aws_access_key_id|aws_secret_access_key)\s*[=:]\s*["']?([a-zA-Z0-9/+=]+)["']?`), "${1}=***REDACTED***"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "***AWS_KEY_REDACTED***"},
	{regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----[\s\S]*?-----END\s+(?:RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`), "***PRIVATE_KEY_REDACTED***"},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`), "***JWT_REDACTED***"},
	{regexp.MustCompile(`ssh-rsa\s+[A-Za-z0-9+/=]+`), "ssh-rsa ***REDACTED***"},
	{regexp.MustCompile(`ssh-ed25519\s+[A-Za-z0-9+/=]+`), "ssh-ed25519 ***REDACTED***"},
}

// Redactor applies an ordered list of secret patterns.
type Redactor struct {
	rules []rule
}

// New returns a Redactor with the built-in secret patterns plus any extra
// patterns, each replaced by "***REDACTED***".
func New(extra ...string) (*Redactor, error) {
	rules := append([]rule(nil), defaultRules...)
	for _, expr := range extra {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule{pattern: re, replacement: "***REDACTED***"})
	}
	return &Redactor{rules: rules}, nil
}

// Sanitize returns text with every matching secret redacted.
func (r *Redactor) Sanitize(text string) string {
	if text == "" {
		return text
	}
	for _, rl := range r.rules {
		text = rl.pattern.ReplaceAllString(text, rl.replacement)
	}
	return text
}
