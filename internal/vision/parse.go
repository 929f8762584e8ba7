package vision

import "encoding/json"

const maxFieldLength = 500

// verdict is the JSON shape the provider is instructed to return.
type verdict struct {
	HasPackage     bool   `json:"hasPackage"`
	ChangeDetected bool   `json:"changeDetected"`
	Confidence     int    `json:"confidence"`
	Description    string `json:"description"`
	Reasoning      string `json:"reasoning"`
}

// extractVerdict locates the first balanced JSON object in the provider's
// free-text reply and decodes it. A missing or unparsable object yields a
// zero-confidence degraded verdict with ok=false; a malformed AI reply must
// never crash a detection.
func extractVerdict(content string) (verdict, bool) {
	raw, found := firstJSONObject(content)
	if !found {
		return verdict{}, false
	}
	var v verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return verdict{}, false
	}
	v.Confidence = clampConfidence(v.Confidence)
	v.Description = capString(v.Description)
	v.Reasoning = capString(v.Reasoning)
	return v, true
}

// firstJSONObject returns the first brace-balanced substring, honoring string
// literals and escapes so braces inside values do not break the scan.
func firstJSONObject(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if start >= 0 && inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start >= 0 {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		case '"':
			if start >= 0 {
				inString = true
			}
		}
	}
	return "", false
}

func clampConfidence(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

func capString(s string) string {
	if len(s) > maxFieldLength {
		return s[:maxFieldLength]
	}
	return s
}
