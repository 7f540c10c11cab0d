package logger

import (
	"net/url"
	"strings"
)

var sensitive = map[string]struct{}{
	"auth-token":   {},
	"page-id":      {},
	"visitor-hash": {},
}

func redactParamValue(k, v string) string {
	if v == "" {
		return ""
	}
	if _, ok := sensitive[strings.ToLower(k)]; ok {
		return "<redacted>"
	}
	return v
}

// SafeParams returns a compact string representation of request
// parameters suitable for logging with credential values redacted.
func SafeParams(params url.Values) string {
	parts := make([]string, 0, len(params))
	for k, v := range params {
		if len(v) == 0 {
			continue
		}
		parts = append(parts, k+"="+redactParamValue(k, v[0]))
	}
	return strings.Join(parts, "; ")
}
