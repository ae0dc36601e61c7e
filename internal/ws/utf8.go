package ws

import "unicode/utf8"

// ValidateUTF8 reports whether b is well-formed UTF-8. Used to reject
// invalid text payloads (close 1007) and invalid close reasons.
func ValidateUTF8(b []byte) bool {
	return utf8.Valid(b)
}
