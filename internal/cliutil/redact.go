package cliutil

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[redacted]"

// secretKeys lists environment keys whose assigned values must never reach
// user-facing output.
var secretKeys = []string{
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"AZURE_CLIENT_SECRET",
	"GCP_SERVICE_ACCOUNT_KEY",
	"DATABASE_PASSWORD",
	"DB_PASSWORD",
	"POSTGRES_PASSWORD",
	"REDIS_PASSWORD",
	"API_KEY",
	"API_TOKEN",
	"AUTH_TOKEN",
	"ACCESS_TOKEN",
	"REFRESH_TOKEN",
	"CLIENT_SECRET",
	"SECRET_KEY",
}

var (
	templateVarPattern = regexp.MustCompile(`\$\{[^}]+\}`)
	secretAssignment   = regexp.MustCompile(`(?i)\b(` + quotedKeyAlternatives() + `)\b(\s*[:=]\s*)(["']?)([^"'\s]+)(["']?)`)
)

func quotedKeyAlternatives() string {
	escaped := make([]string, len(secretKeys))
	for i, key := range secretKeys {
		escaped[i] = regexp.QuoteMeta(key)
	}
	return strings.Join(escaped, "|")
}

// RedactSecrets masks ${VAR} template references and known secret key
// assignments so command lines and output chunks can be logged safely.
func RedactSecrets(message string) string {
	if message == "" {
		return message
	}
	redacted := templateVarPattern.ReplaceAllStringFunc(message, func(string) string {
		return "${" + redactedPlaceholder + "}"
	})
	return secretAssignment.ReplaceAllString(redacted, "$1$2$3"+redactedPlaceholder+"$5")
}
