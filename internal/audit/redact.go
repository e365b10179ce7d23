package audit

import "regexp"

// secretPattern is a named regex whose matches are scrubbed before an
// entry is persisted. Captured command output can echo environment dumps,
// config files and tokens; the audit store must never become a second
// copy of a credential.
type secretPattern struct {
	name  string
	regex *regexp.Regexp
}

var secretPatterns = []secretPattern{
	{name: "aws_access_key", regex: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{name: "github_token", regex: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{36,255}`)},
	{name: "slack_token", regex: regexp.MustCompile(`xox[baprs]-[0-9]{10,13}-[0-9]{10,13}[a-zA-Z0-9-]*`)},
	{name: "stripe_key", regex: regexp.MustCompile(`(?:sk|pk)_(?:live|test)_[A-Za-z0-9]{20,100}`)},
	{name: "google_api_key", regex: regexp.MustCompile(`AIza[A-Za-z0-9\-_]{35}`)},
	{name: "jwt_token", regex: regexp.MustCompile(`eyJ[A-Za-z0-9-_]+\.eyJ[A-Za-z0-9-_]+\.[A-Za-z0-9-_]+`)},
	{name: "private_key", regex: regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----[\s\S]*?-----END (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`)},
	{name: "generic_secret", regex: regexp.MustCompile(`(?i)(secret|password|passwd|pwd|token|auth_token|access_token|api[_-]?key)['":\s]*[=:]\s*['"]?[A-Za-z0-9\-_!@#$%^&*]{8,100}['"]?`)},
}

// redact replaces recognized secret material with a named placeholder.
func redact(s string) string {
	for _, p := range secretPatterns {
		s = p.regex.ReplaceAllString(s, "[REDACTED:"+p.name+"]")
	}
	return s
}
