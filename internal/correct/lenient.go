package correct

import (
	"encoding/json"
	"errors"
	"strings"
)

// decodeReply parses the model's answer leniently. Models sometimes
// wrap the JSON in markdown fences or prepend prose despite the
// instructions, so we strip fences and fall back to the first balanced
// object in the reply.
func decodeReply(s string) (*modelReply, error) {
	s = stripFences(strings.TrimSpace(s))

	var reply modelReply
	if err := json.Unmarshal([]byte(s), &reply); err == nil {
		return &reply, nil
	}

	obj, ok := firstJSONObject(s)
	if !ok {
		return nil, errors.New("no JSON object in model reply")
	}
	if err := json.Unmarshal([]byte(obj), &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// firstJSONObject scans for the first balanced top-level object,
// ignoring braces inside string literals.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
