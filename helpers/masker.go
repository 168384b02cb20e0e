package helpers

import "strings"

// MaskSensitive redacts credentials from an upstream command line before it
// is logged. It understands the tagged forms sent during login:
//
//	<tag> LOGIN <user> <pass>
//	<tag> AUTHENTICATE <mech> <initial-response>
//
// Anything after the user (LOGIN) or mechanism (AUTHENTICATE) is replaced.
// Other commands are returned unchanged.
func MaskSensitive(line string) string {
	trimmed := strings.TrimRight(line, "\r\n")
	parts := strings.Fields(trimmed)
	if len(parts) < 2 {
		return trimmed
	}

	switch strings.ToUpper(parts[1]) {
	case "LOGIN", "AUTHENTICATE":
		// tag + command + user/mechanism
		if len(parts) > 3 {
			return strings.Join(parts[:3], " ") + " [REDACTED]"
		}
	}
	return trimmed
}

// StripQuotes removes one pair of surrounding double quotes, if present.
func StripQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
