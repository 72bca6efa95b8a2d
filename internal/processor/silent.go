package processor

import (
	"strings"

	"github.com/tidwall/gjson"
)

// IsSilent reports whether content asks for delivery to be suppressed: a
// JSON object whose "silent" key is true or the string "true" in any case.
// Anything else, including malformed JSON, is not silent.
func IsSilent(content string) bool {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "{") || !gjson.Valid(content) {
		return false
	}
	v := gjson.Get(content, "silent")
	switch v.Type {
	case gjson.True:
		return true
	case gjson.String:
		return strings.EqualFold(v.Str, "true")
	default:
		return false
	}
}
