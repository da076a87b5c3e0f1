package utils

import (
	"net/url"
	"strings"
)

// SanitizeChannelName normalizes a channel display name so it can be used as a
// stable upsert key and in generated URLs. Whitespace is collapsed, and
// characters that break URLs or M3U metadata are replaced with underscores.
func SanitizeChannelName(name string) string {
	sanitized := strings.TrimSpace(name)
	replacements := map[string]string{
		"\"": "",
		"'":  "",
		"/":  "_",
		"\\": "_",
		"?":  "_",
		"&":  "_",
		"=":  "_",
		";":  "_",
		"|":  "_",
		"*":  "_",
		"<":  "_",
		">":  "_",
	}

	for old, repl := range replacements {
		sanitized = strings.ReplaceAll(sanitized, old, repl)
	}

	// Collapse consecutive underscores
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}

	return strings.Trim(sanitized, "_ ")
}

// ValidateStreamURL reports whether the given string is a well-formed absolute
// http(s) or rtmp URL suitable as a channel source.
func ValidateStreamURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "rtmp", "rtsp", "udp":
	default:
		return false
	}
	return u.Host != ""
}

// ObfuscateURL masks the path and query of a URL for log output, keeping only
// scheme and host. Source URLs frequently embed provider credentials.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

// LogURL returns the URL as-is or obfuscated depending on the flag.
func LogURL(obfuscate bool, url string) string {
	if obfuscate {
		return ObfuscateURL(url)
	}
	return url
}
