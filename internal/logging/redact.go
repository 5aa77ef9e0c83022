package logging

import "regexp"

// Placeholder replaces redacted secrets.
const Placeholder = "[REDACTED]"

var (
	authorizationBearerPattern = regexp.MustCompile(
		`(?i)((?:"|')?authorization(?:"|')?\s*(?:=|:)\s*)(bearer\s+)([^"'\s,;]+)`,
	)
	sensitiveKeyValuePattern = regexp.MustCompile(
		`(?i)((?:"|')?(?:bearer[_-]?key|api[_-]?key|access[_-]?token|session[_-]?access[_-]?token|token|secret|password|credential)(?:"|')?\s*(?:=|:)\s*(?:"|')?)([^"'\s,;]+)((?:"|')?)`,
	)
	bearerTokenPattern = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)
)

// Redact masks bearer tokens and credential-looking key/value pairs in line.
func Redact(line string) string {
	out := authorizationBearerPattern.ReplaceAllString(line, "${1}${2}"+Placeholder)
	out = sensitiveKeyValuePattern.ReplaceAllString(out, "${1}"+Placeholder+"${3}")
	return bearerTokenPattern.ReplaceAllString(out, "${1}"+Placeholder)
}
