// Package redact scrubs sensitive fragments from strings before they are
// logged or attached to error responses: connection strings, API keys,
// local file paths and raw SQL easily leak through wrapped errors.
package redact

import (
	"regexp"
)

// Placeholders substituted for redacted fragments.
const (
	Placeholder           = "[REDACTED]"
	PathPlaceholder       = "[REDACTED_PATH]"
	CredentialPlaceholder = "[REDACTED_CREDENTIAL]"
)

var (
	// Connection strings with inline credentials.
	connStringRegex = regexp.MustCompile(`(?i)(postgres|postgresql|mysql|redis)://[^@\s]+@`)

	// Credentials, tokens and API keys in key=value or key: value form.
	credentialRegex = regexp.MustCompile(
		`(?i)(api[_-]?key|token|secret|password|passwd|auth)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`,
	)

	// Local filesystem paths. Submissions are referenced by path, so
	// errors from the extraction layer routinely carry them.
	unixPathRegex = regexp.MustCompile(`(/[\w.-]+){2,}`)
	winPathRegex  = regexp.MustCompile(`[A-Za-z]:\\[^\\\s]+(\\[^\\\s]+)+`)

	// Raw SQL fragments surfaced by the storage layer.
	sqlRegex = regexp.MustCompile(
		`(?i)(SELECT|INSERT|UPDATE|DELETE|CREATE|ALTER|DROP)[\s\w,*()]+(?:FROM|INTO|SET|TABLE)(?:[\s\w,*()='"]+)?`,
	)
)

// String returns s with sensitive fragments replaced by placeholders.
func String(s string) string {
	if s == "" {
		return s
	}

	s = connStringRegex.ReplaceAllString(s, "$1://"+CredentialPlaceholder+"@")
	s = credentialRegex.ReplaceAllString(s, "$1$2"+CredentialPlaceholder)
	s = unixPathRegex.ReplaceAllString(s, PathPlaceholder)
	s = winPathRegex.ReplaceAllString(s, PathPlaceholder)
	s = sqlRegex.ReplaceAllString(s, Placeholder)

	return s
}

// Error redacts an error's message. Nil errors redact to the empty string.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
