package outbox

import (
	"strings"
	"unicode/utf8"
)

const truncatedSuffix = "...(truncated)"

// lastErrorText renders err as the single line stored in Envelope.LastError.
// Joined handler failures arrive newline separated and are stored as "; ".
// The result never exceeds maxBytes and never splits a UTF-8 sequence.
func lastErrorText(err error, maxBytes int) string {
	if err == nil || maxBytes <= 0 {
		return ""
	}
	s := strings.Join(strings.FieldsFunc(err.Error(), func(r rune) bool { return r == '\n' || r == '\r' }), "; ")
	if len(s) <= maxBytes {
		return s
	}
	if maxBytes <= len(truncatedSuffix) {
		return cutUTF8(s, maxBytes)
	}
	return cutUTF8(s, maxBytes-len(truncatedSuffix)) + truncatedSuffix
}

func cutUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
