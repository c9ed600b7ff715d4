// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package logger

import "regexp"

// sensitiveKey matches config/resource keys whose values must never be
// logged verbatim.
var sensitiveKey = regexp.MustCompile(`(?i)password|token|secret|key|auth|api_key`)

// RedactToken shortens an opaque credential to a loggable prefix.
// Empty input stays empty so callers can log optional fields unconditionally.
func RedactToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "…"
	}
	return token[:8] + "…"
}

// RedactMap returns a deep copy of m with every value under a sensitive key
// replaced by its redacted form. Nested maps and slices are walked
// recursively; the input is not modified.
func RedactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sensitiveKey.MatchString(k) {
			if s, ok := v.(string); ok {
				out[k] = RedactToken(s)
			} else {
				out[k] = "…"
			}
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return RedactMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = redactValue(e)
		}
		return cp
	default:
		return v
	}
}
