package logger

import (
	"regexp"
	"strings"
)

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// RedactContact masks a contact reference for safe logging. Email addresses
// keep the first two characters of the local part and the full domain:
// "john.doe@example.com" → "jo***@example.com". Non-email references
// (profile handles) keep a short prefix: "in/jdoe-12345" → "in/j***".
func RedactContact(ref string) string {
	parts := strings.Split(ref, "@")
	if len(parts) == 2 {
		name := parts[0]
		if len(name) > 2 {
			return name[:2] + "***@" + parts[1]
		}
		return "***@" + parts[1]
	}
	if len(ref) > 4 {
		return ref[:4] + "***"
	}
	return "***"
}
